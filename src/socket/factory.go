package socket

import (
	"sync"

	"driftdb/src/dberr"
)

// Framing selects who owns WebSocket framing and the close handshake.
type Framing int

const (
	// FramingFramed means the state machine frames messages itself; the
	// transport moves raw bytes and closes on command.
	FramingFramed Framing = iota
	// FramingUnframed means the transport speaks WebSocket natively and
	// owns the close handshake.
	FramingUnframed
)

// Factory is the capability table a transport implementation supplies. The
// adapter calls these slots; the transport calls the Socket's inbound
// methods in return.
type Factory struct {
	Framing Framing
	// Context is an opaque value passed through to auth callbacks.
	Context interface{}

	Open             func(s *Socket, addr *Address, options map[string]interface{}) error
	Write            func(s *Socket, data []byte)
	CompletedReceive func(s *Socket, byteCount int)
	// Close commands a framed transport to drop the connection.
	Close func(s *Socket)
	// RequestClose asks an unframed transport to run the WebSocket close
	// handshake.
	RequestClose func(s *Socket, status int, message string)
	Dispose      func(s *Socket)
}

func (f *Factory) validate() error {
	if f == nil {
		return dberr.New(dberr.LiteDomain, dberr.InvalidParameter, "no socket factory given")
	}
	if f.Write == nil || f.CompletedReceive == nil {
		return dberr.New(dberr.LiteDomain, dberr.InvalidParameter,
			"socket factory must provide write and completedReceive")
	}
	switch f.Framing {
	case FramingUnframed:
		if f.Close != nil || f.RequestClose == nil {
			return dberr.New(dberr.LiteDomain, dberr.InvalidParameter,
				"unframed socket factory must provide requestClose and no close")
		}
	case FramingFramed:
		if f.Close == nil || f.RequestClose != nil {
			return dberr.New(dberr.LiteDomain, dberr.InvalidParameter,
				"framed socket factory must provide close and no requestClose")
		}
	default:
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"unknown framing mode %d", f.Framing)
	}
	return nil
}

var (
	factoryMu         sync.Mutex
	registeredFactory *Factory
)

// RegisterFactory installs the process-wide default socket factory. Only
// one registration is allowed; a failing or repeated call leaves the
// registered factory untouched.
func RegisterFactory(f *Factory) error {
	if err := f.validate(); err != nil {
		return err
	}
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if registeredFactory != nil {
		return dberr.New(dberr.LiteDomain, dberr.InvalidParameter,
			"a socket factory is already registered")
	}
	registeredFactory = f
	return nil
}

func currentFactory() *Factory {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	return registeredFactory
}
