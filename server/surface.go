package server

import (
	"context"
	"net"

	"hiphop-rpc/message"
	"hiphop-rpc/transfer"
)

// UIHost is what the standard UI message surface drives: the plugin the
// UI controls.
type UIHost interface {
	InitWidthCSS() float64
	InitHeightCSS() float64
	IsStandalone() bool
	SendNote(channel, note, velocity uint8)
	EditParameter(index uint32, started bool)
	SetParameterValue(index uint32, value float32)
	SetState(key, value string)
}

// Transfer chunk methods.
const (
	WriteSharedMemoryMethod = "writeSharedMemory"
	SideloadMethod          = "sideloadWasmBinary"
)

func fail(err error) *message.Reply {
	return &message.Reply{Error: err.Error()}
}

// RegisterSurface installs the standard UI methods on s.
func RegisterSurface(s *Server, host UIHost) {
	s.Handle("getInitWidthCSS", 0, func(ctx context.Context, req *message.Request) *message.Reply {
		return &message.Reply{Args: []any{host.InitWidthCSS()}}
	})
	s.Handle("getInitHeightCSS", 0, func(ctx context.Context, req *message.Request) *message.Reply {
		return &message.Reply{Args: []any{host.InitHeightCSS()}}
	})
	s.Handle("isStandalone", 0, func(ctx context.Context, req *message.Request) *message.Reply {
		return &message.Reply{Args: []any{host.IsStandalone()}}
	})
	s.Handle("getPublicUrl", 0, func(ctx context.Context, req *message.Request) *message.Reply {
		return &message.Reply{Args: []any{s.publicURL()}}
	})

	s.Handle("sendNote", 3, func(ctx context.Context, req *message.Request) *message.Reply {
		var v [3]int
		for i := range v {
			n, err := req.Args.Int(i)
			if err != nil {
				return fail(err)
			}
			v[i] = n
		}
		host.SendNote(uint8(v[0]), uint8(v[1]), uint8(v[2]))
		return nil
	})
	s.Handle("editParameter", 2, func(ctx context.Context, req *message.Request) *message.Reply {
		index, err := req.Args.Int(0)
		if err != nil {
			return fail(err)
		}
		started, err := req.Args.Bool(1)
		if err != nil {
			return fail(err)
		}
		host.EditParameter(uint32(index), started)
		return nil
	})
	s.Handle("setParameterValue", 2, func(ctx context.Context, req *message.Request) *message.Reply {
		index, err := req.Args.Int(0)
		if err != nil {
			return fail(err)
		}
		value, err := req.Args.Float(1)
		if err != nil {
			return fail(err)
		}
		host.SetParameterValue(uint32(index), float32(value))
		return nil
	})
	s.Handle("setState", 2, func(ctx context.Context, req *message.Request) *message.Reply {
		key, err := req.Args.String(0)
		if err != nil {
			return fail(err)
		}
		value, err := req.Args.String(1)
		if err != nil {
			return fail(err)
		}
		host.SetState(key, value)
		return nil
	})
}

// RegisterTransfer routes chunk notifications for method into r.
func RegisterTransfer(s *Server, method string, r *transfer.Receiver) {
	s.Handle(method, 5, func(ctx context.Context, req *message.Request) *message.Reply {
		if err := r.Handle(req.Args); err != nil {
			return fail(err)
		}
		return nil
	})
}

// publicURL is the advertised URL, or the LAN URL of the listener.
func (s *Server) publicURL() string {
	if s.advertised.Load() {
		return s.cfg.Endpoint.URL
	}
	addr, ok := s.Addr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	url, err := PublicURL("ws", addr.Port)
	if err != nil {
		return LocalURL("ws", addr.Port) + s.cfg.Path
	}
	return url + s.cfg.Path
}

// ParameterChanged tells every UI a parameter moved on the host side.
func (s *Server) ParameterChanged(index uint32, value float32) error {
	return s.Notify("parameterChanged", index, value)
}

func (s *Server) StateChanged(key, value string) error {
	return s.Notify("stateChanged", key, value)
}

func (s *Server) ProgramLoaded(index uint32) error {
	return s.Notify("programLoaded", index)
}
