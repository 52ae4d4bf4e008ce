// File: filter/tlsfilter/factory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tlsfilter

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/filter"
)

// DefaultBufferSize fits one full TLS record with room to spare.
const DefaultBufferSize = 16*1024 + 512

// Config gathers the TLS parameters of a Factory.
type Config struct {
	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
	ClientCAs          *x509.CertPool
	Rand               io.Reader
	Client             bool
	RequireClientAuth  bool
	ServerName         string
	InsecureSkipVerify bool
	MinVersion         uint16
}

// Factory builds TLS filters. Its configuration freezes on the first
// NewFilter; later setters fail with api.ErrFactoryInitialized.
type Factory struct {
	mu      sync.Mutex
	cfg     Config
	tlsCfg  *tls.Config
	exec    api.Executor
	bufSize int
	frozen  bool
}

var _ filter.Factory = (*Factory)(nil)

// NewFactory returns a factory for the client or server side.
func NewFactory(client bool) *Factory {
	return &Factory{cfg: Config{Client: client}, bufSize: DefaultBufferSize}
}

// NewFactoryFromConfig returns a factory seeded with cfg.
func NewFactoryFromConfig(cfg Config) *Factory {
	return &Factory{cfg: cfg, bufSize: DefaultBufferSize}
}

func (f *Factory) set(fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen {
		return api.ErrFactoryInitialized
	}
	fn()
	return nil
}

// SetCertificates sets the local certificate chains.
func (f *Factory) SetCertificates(certs ...tls.Certificate) error {
	return f.set(func() { f.cfg.Certificates = certs })
}

// SetRootCAs sets the pool used to verify servers.
func (f *Factory) SetRootCAs(pool *x509.CertPool) error {
	return f.set(func() { f.cfg.RootCAs = pool })
}

// SetClientCAs sets the pool used to verify clients.
func (f *Factory) SetClientCAs(pool *x509.CertPool) error {
	return f.set(func() { f.cfg.ClientCAs = pool })
}

// SetRand sets the entropy source.
func (f *Factory) SetRand(r io.Reader) error {
	return f.set(func() { f.cfg.Rand = r })
}

// SetClientMode selects the client or server side of the handshake.
func (f *Factory) SetClientMode(client bool) error {
	return f.set(func() { f.cfg.Client = client })
}

// SetRequireClientAuth makes servers demand and verify a client certificate.
func (f *Factory) SetRequireClientAuth(require bool) error {
	return f.set(func() { f.cfg.RequireClientAuth = require })
}

// SetServerName sets SNI and the name clients verify.
func (f *Factory) SetServerName(name string) error {
	return f.set(func() { f.cfg.ServerName = name })
}

// SetInsecureSkipVerify disables server verification on clients.
func (f *Factory) SetInsecureSkipVerify(skip bool) error {
	return f.set(func() { f.cfg.InsecureSkipVerify = skip })
}

// SetExecutor overrides the connection's executor for delegated tasks.
func (f *Factory) SetExecutor(exec api.Executor) error {
	return f.set(func() { f.exec = exec })
}

// SetBufferSize sets the initial capacity of the four filter buffers.
func (f *Factory) SetBufferSize(n int) error {
	if n < 0 {
		return errors.Wrapf(api.ErrInvalidArgument, "tls buffer size %d", n)
	}
	return f.set(func() { f.bufSize = n })
}

// Initialized reports whether the configuration is frozen.
func (f *Factory) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frozen
}

func (f *Factory) buildLocked() (*tls.Config, error) {
	c := f.cfg
	if !c.Client && len(c.Certificates) == 0 {
		return nil, errors.Wrap(api.ErrInvalidArgument, "tls server needs a certificate")
	}
	tc := &tls.Config{
		Certificates:       c.Certificates,
		RootCAs:            c.RootCAs,
		ClientCAs:          c.ClientCAs,
		Rand:               c.Rand,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         c.MinVersion,
	}
	if tc.MinVersion == 0 {
		tc.MinVersion = tls.VersionTLS12
	}
	if c.RequireClientAuth {
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	} else if c.ClientCAs != nil {
		tc.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tc, nil
}

// NewFilter freezes the configuration and creates a filter with a fresh engine.
func (f *Factory) NewFilter(c api.FilterConn) (filter.Filter, error) {
	f.mu.Lock()
	if f.tlsCfg == nil {
		tc, err := f.buildLocked()
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.tlsCfg = tc
	}
	f.frozen = true
	tc, client, exec, size := f.tlsCfg, f.cfg.Client, f.exec, f.bufSize
	f.mu.Unlock()

	return NewFilter(c, NewEngine(tc, client), exec, size), nil
}

// FileConfig names PEM files for LoadFactory.
type FileConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	RequireClientAuth  bool   `yaml:"require_client_auth"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoadFactory builds a factory from PEM files. The CA file verifies servers
// on clients and clients on servers.
func LoadFactory(fc FileConfig, client bool) (*Factory, error) {
	cfg := Config{
		Client:             client,
		ServerName:         fc.ServerName,
		RequireClientAuth:  fc.RequireClientAuth,
		InsecureSkipVerify: fc.InsecureSkipVerify,
	}
	if fc.CertFile != "" || fc.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(fc.CertFile, fc.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if fc.CAFile != "" {
		pem, err := os.ReadFile(fc.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates in %s", fc.CAFile)
		}
		if client {
			cfg.RootCAs = pool
		} else {
			cfg.ClientCAs = pool
		}
	}
	return NewFactoryFromConfig(cfg), nil
}
