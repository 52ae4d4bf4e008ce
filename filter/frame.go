// File: filter/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FrameFilter splits a byte stream on a sentinel delimiter.

package filter

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/buffer"
)

// FrameConfig configures sentinel framing. MinSize is the initial capacity of
// the holding buffer; MaxSize is the largest accepted payload, delimiter excluded.
type FrameConfig struct {
	Delimiter []byte
	MinSize   int
	MaxSize   int
}

// Validate checks the configuration.
func (c FrameConfig) Validate() error {
	switch {
	case len(c.Delimiter) == 0:
		return errors.Wrap(api.ErrInvalidArgument, "frame: empty delimiter")
	case c.MaxSize <= 0:
		return errors.Wrapf(api.ErrInvalidArgument, "frame: max size %d", c.MaxSize)
	case c.MinSize < 0 || c.MinSize > c.MaxSize:
		return errors.Wrapf(api.ErrInvalidArgument, "frame: min size %d outside [0, %d]", c.MinSize, c.MaxSize)
	}
	return nil
}

// FrameFactory produces FrameFilters sharing one configuration.
type FrameFactory struct {
	cfg FrameConfig
}

// NewFrameFactory validates cfg and returns a factory.
func NewFrameFactory(cfg FrameConfig) (*FrameFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Delimiter = append([]byte(nil), cfg.Delimiter...)
	return &FrameFactory{cfg: cfg}, nil
}

// NewFilter returns a fresh FrameFilter.
func (f *FrameFactory) NewFilter(api.FilterConn) (Filter, error) {
	return NewFrameFilter(f.cfg), nil
}

// FrameFilter emits one immutable copy per complete inbound frame and appends
// the delimiter to every outbound message.
type FrameFilter struct {
	cfg        FrameConfig
	hold       *buffer.Buffer
	scanned    int  // prefix of hold known not to start a delimiter
	discarding bool // dropping an oversize frame up to its delimiter
}

// NewFrameFilter builds a filter from an already validated configuration.
func NewFrameFilter(cfg FrameConfig) *FrameFilter {
	return &FrameFilter{cfg: cfg, hold: buffer.New(cfg.MinSize)}
}

// limit is the most the holding buffer ever needs: a max-size payload plus delimiter.
func (f *FrameFilter) limit() int { return f.cfg.MaxSize + len(f.cfg.Delimiter) }

// Inbound reassembles frames. An oversize frame is dropped up to its
// delimiter and reported with ErrFrameTooLarge after the remaining input has
// been processed, so frames that follow it are still delivered.
func (f *FrameFilter) Inbound(in Reader[[]byte], out Writer[[]byte]) error {
	var first error
	for in.Len() > 0 {
		p := in.Remove()
		for len(p) > 0 {
			n := f.limit() - f.hold.Len()
			if n > len(p) {
				n = len(p)
			}
			f.appendHold(p[:n])
			p = p[n:]
			if err := f.extract(out); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (f *FrameFilter) appendHold(p []byte) {
	if f.hold.Available() < len(p) {
		f.hold.Compact()
	}
	if f.hold.Available() < len(p) {
		size := 2 * f.hold.Cap()
		if need := f.hold.Len() + len(p); size < need {
			size = need
		}
		if size > f.limit() {
			size = f.limit()
		}
		f.hold.Resize(size)
	}
	f.hold.Append(p)
}

func (f *FrameFilter) extract(out Writer[[]byte]) error {
	delim := f.cfg.Delimiter
	var err error
	for {
		data := f.hold.Bytes()
		i := bytes.Index(data[f.scanned:], delim)
		if i >= 0 {
			i += f.scanned
			if f.discarding {
				f.discarding = false
			} else {
				frame := make([]byte, i)
				copy(frame, data[:i])
				out.Add(frame)
			}
			f.hold.Consume(i + len(delim))
			f.scanned = 0
			continue
		}
		// a delimiter split across reads may start in the last len(delim)-1 bytes
		keep := len(delim) - 1
		if keep > len(data) {
			keep = len(data)
		}
		f.scanned = len(data) - keep
		if f.discarding || len(data) >= f.limit() {
			if !f.discarding {
				f.discarding = true
				err = errors.Wrapf(api.ErrFrameTooLarge, "frame: inbound frame exceeds %d bytes", f.cfg.MaxSize)
			}
			f.hold.Consume(len(data) - keep)
			f.scanned = 0
		}
		return err
	}
}

// Outbound frames every message. Messages over MaxSize or containing the
// delimiter are rejected; the rest of the batch is still framed.
func (f *FrameFilter) Outbound(in Reader[[]byte], out Writer[[]byte]) error {
	var first error
	delim := f.cfg.Delimiter
	for in.Len() > 0 {
		msg := in.Remove()
		switch {
		case len(msg) > f.cfg.MaxSize:
			if first == nil {
				first = errors.Wrapf(api.ErrFrameTooLarge, "frame: outbound message of %d bytes exceeds %d", len(msg), f.cfg.MaxSize)
			}
			continue
		case bytes.Contains(msg, delim):
			if first == nil {
				first = errors.Wrap(api.ErrInvalidArgument, "frame: message contains the delimiter")
			}
			continue
		}
		frame := make([]byte, 0, len(msg)+len(delim))
		frame = append(frame, msg...)
		frame = append(frame, delim...)
		out.Add(frame)
	}
	return first
}
