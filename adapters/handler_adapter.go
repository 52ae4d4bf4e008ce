// File: adapters/handler_adapter.go
// Package adapters provides Handler implementations built from functions and decorators.
// Author: momentics <momentics@gmail.com>
//
// Handler glue: function-field handlers and a logging decorator.

package adapters

import (
	"github.com/golang/glog"

	"github.com/momentics/hioload-tcp/api"
)

// HandlerFuncs adapts optional callbacks to api.Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	Bind    func(c api.Conn)
	Receive func(c api.Conn, data []byte)
	Closing func(c api.Conn, reason api.OOBType, residual []byte)
	Close   func(c api.Conn)
	Error   func(c api.Conn, err error)
	OOB     func(c api.Conn, ev api.OOBEvent)
}

var (
	_ api.Handler    = (*HandlerFuncs)(nil)
	_ api.OOBHandler = (*HandlerFuncs)(nil)
)

func (h *HandlerFuncs) OnBind(c api.Conn) {
	if h.Bind != nil {
		h.Bind(c)
	}
}

func (h *HandlerFuncs) OnReceive(c api.Conn, data []byte) {
	if h.Receive != nil {
		h.Receive(c, data)
	}
}

func (h *HandlerFuncs) OnClosing(c api.Conn, reason api.OOBType, residual []byte) {
	if h.Closing != nil {
		h.Closing(c, reason, residual)
	}
}

func (h *HandlerFuncs) OnClose(c api.Conn) {
	if h.Close != nil {
		h.Close(c)
	}
}

func (h *HandlerFuncs) OnError(c api.Conn, err error) {
	if h.Error != nil {
		h.Error(c, err)
	}
}

func (h *HandlerFuncs) OnOOB(c api.Conn, ev api.OOBEvent) {
	if h.OOB != nil {
		h.OOB(c, ev)
	}
}

// LoggingHandler wraps a base Handler and traces every callback at verbosity v.
type LoggingHandler struct {
	next api.Handler
	v    glog.Level
}

// NewLoggingHandler decorates next.
func NewLoggingHandler(next api.Handler, v glog.Level) *LoggingHandler {
	return &LoggingHandler{next: next, v: v}
}

func (l *LoggingHandler) OnBind(c api.Conn) {
	glog.V(l.v).Infof("%s: bind local=%v remote=%v", c.Name(), c.LocalAddr(), c.RemoteAddr())
	l.next.OnBind(c)
}

func (l *LoggingHandler) OnReceive(c api.Conn, data []byte) {
	glog.V(l.v).Infof("%s: receive %d bytes", c.Name(), len(data))
	l.next.OnReceive(c, data)
}

func (l *LoggingHandler) OnClosing(c api.Conn, reason api.OOBType, residual []byte) {
	glog.V(l.v).Infof("%s: closing (%s), %d residual bytes", c.Name(), reason, len(residual))
	l.next.OnClosing(c, reason, residual)
}

func (l *LoggingHandler) OnClose(c api.Conn) {
	glog.V(l.v).Infof("%s: closed", c.Name())
	l.next.OnClose(c)
}

func (l *LoggingHandler) OnError(c api.Conn, err error) {
	glog.Warningf("%s: %v", c.Name(), err)
	l.next.OnError(c, err)
}

func (l *LoggingHandler) OnOOB(c api.Conn, ev api.OOBEvent) {
	glog.V(l.v).Infof("%s: oob %s", c.Name(), ev.Type)
	if h, ok := l.next.(api.OOBHandler); ok {
		h.OnOOB(c, ev)
	}
}
