// File: filter/identity.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package filter

import "github.com/momentics/hioload-tcp/api"

// Identity passes data through untouched in both directions.
type Identity struct{}

func (Identity) Inbound(in Reader[[]byte], out Writer[[]byte]) error {
	Transfer(in, out)
	return nil
}

func (Identity) Outbound(in Reader[[]byte], out Writer[[]byte]) error {
	Transfer(in, out)
	return nil
}

// IdentityFactory produces Identity filters.
type IdentityFactory struct{}

func (IdentityFactory) NewFilter(api.FilterConn) (Filter, error) { return Identity{}, nil }
