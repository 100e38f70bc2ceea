package socket

import (
	"sync"

	"driftdb/src/dberr"
	"driftdb/src/engine"

	"go.uber.org/zap"
)

// Role says which side of the connection this socket is.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Socket bridges the connection state machine to a pluggable transport.
// The transport calls the inbound methods; the replicator side calls the
// outbound ones. Inbound calls are panic-guarded: any fault closes the
// socket with an internal-error status instead of propagating.
type Socket struct {
	role    Role
	addr    *Address
	factory *Factory
	options map[string]interface{}
	db      *engine.Database
	wsm     *machine
	logger  *zap.SugaredLogger

	nhMu         sync.Mutex
	nativeHandle interface{}
}

// CreateWebSocket builds an outbound client socket. The factory resolves
// in order: the explicit one, the process-registered one, the built-in
// in-process one.
func CreateWebSocket(rawURL string, options map[string]interface{}, db *engine.Database, factory *Factory, nativeHandle interface{}, logger *zap.SugaredLogger) (*Socket, error) {
	if factory == nil {
		factory = currentFactory()
	}
	if factory == nil {
		factory = internalFactory()
	}
	if factory == nil {
		return nil, dberr.New(dberr.LiteDomain, dberr.Unimplemented,
			"no default socket factory registered")
	}
	if err := factory.validate(); err != nil {
		return nil, err
	}
	addr, err := ParseAddress(rawURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Socket{
		role:    RoleClient,
		addr:    addr,
		factory: factory,
		options: options,
		db:      db,
		wsm:     newMachine(nil),
		logger:  logger,
	}
	s.setNativeHandle(nativeHandle)
	return s, nil
}

// FromNative wraps a transport connection a listener already accepted into
// a server-role socket.
func FromNative(factory *Factory, nativeHandle interface{}, addr *Address, logger *zap.SugaredLogger) (*Socket, error) {
	if err := factory.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Socket{
		role:    RoleServer,
		addr:    addr,
		factory: factory,
		wsm:     newMachine(nil),
		logger:  logger,
	}
	s.setNativeHandle(nativeHandle)
	return s, nil
}

func (s *Socket) Role() Role        { return s.role }
func (s *Socket) Address() *Address { return s.addr }
func (s *Socket) Framing() Framing  { return s.factory.Framing }
func (s *Socket) Database() *engine.Database { return s.db }

// SetObserver installs the receiver of connection events.
func (s *Socket) SetObserver(observer Observer) {
	s.wsm.setObserver(observer)
}

// NativeHandle returns the transport's opaque companion object.
func (s *Socket) NativeHandle() interface{} {
	s.nhMu.Lock()
	defer s.nhMu.Unlock()
	return s.nativeHandle
}

func (s *Socket) setNativeHandle(h interface{}) {
	s.nhMu.Lock()
	s.nativeHandle = h
	s.nhMu.Unlock()
}

// SetNativeHandle associates the transport's companion object.
func (s *Socket) SetNativeHandle(h interface{}) {
	s.setNativeHandle(h)
}

// guarded converts a panic in an inbound callback into a 1011 close.
func (s *Socket) guarded(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Exception in socket %s callback: %v", name, r)
			s.wsm.closed(CloseStatus{
				Reason:  CloseWebSocket,
				Code:    CodeInternalError,
				Message: "Internal exception",
			})
			s.dropTransport(CodeInternalError, "Internal exception")
		}
	}()
	fn()
}

func (s *Socket) dropTransport(code int, message string) {
	if s.factory.Framing == FramingFramed {
		s.factory.Close(s)
	} else {
		s.factory.RequestClose(s, code, message)
	}
}

// --- Inbound: the transport reports events here. ---

// GotHTTPResponse reports the HTTP upgrade response.
func (s *Socket) GotHTTPResponse(status int, headers map[string]interface{}) {
	s.guarded("gotHTTPResponse", func() {
		s.wsm.gotHTTPResponse(status, headers)
	})
}

// Opened reports that the connection is established.
func (s *Socket) Opened() {
	s.guarded("opened", func() {
		s.wsm.opened()
	})
}

// CloseRequested reports a peer-initiated close. Only unframed transports
// deliver this; the echoed status completes the handshake.
func (s *Socket) CloseRequested(status int, message string) {
	s.guarded("closeRequested", func() {
		if s.factory.Framing != FramingUnframed {
			s.logger.Warnf("closeRequested on a framed socket ignored")
			return
		}
		echo := s.wsm.peerRequestedClose(CloseStatus{
			Reason:  CloseWebSocket,
			Code:    status,
			Message: message,
		})
		s.factory.RequestClose(s, echo.Code, echo.Message)
	})
}

// Closed reports the connection is gone, with the transport's error.
func (s *Socket) Closed(err error) {
	s.guarded("closed", func() {
		s.wsm.closed(closeStatusFromError(err))
	})
}

// CompletedWrite reports that byteCount bytes were flushed.
func (s *Socket) CompletedWrite(byteCount int) {
	s.guarded("completedWrite", func() {
		s.wsm.completedWrite(byteCount)
	})
}

// Received delivers inbound bytes.
func (s *Socket) Received(data []byte) {
	s.guarded("received", func() {
		s.wsm.received(data)
	})
}

// --- Outbound: the replicator side drives the transport here. ---

// Connect starts the connection.
func (s *Socket) Connect() error {
	s.wsm.connecting()
	if s.factory.Open == nil {
		s.Opened()
		return nil
	}
	return s.factory.Open(s, s.addr, s.options)
}

// SendBytes hands outbound data to the transport.
func (s *Socket) SendBytes(data []byte) {
	s.factory.Write(s, data)
}

// ReceiveComplete tells the transport byteCount received bytes were
// consumed, opening its flow-control window.
func (s *Socket) ReceiveComplete(byteCount int) {
	s.factory.CompletedReceive(s, byteCount)
}

// RequestClose starts a graceful close. On framed transports the state
// machine owns the handshake, so this drops the connection instead.
func (s *Socket) RequestClose(status int, message string) {
	s.wsm.requestedClose(CloseStatus{
		Reason:  CloseWebSocket,
		Code:    status,
		Message: message,
	})
	s.dropTransport(status, message)
}

// CloseSocket commands a framed transport to drop the connection.
func (s *Socket) CloseSocket() error {
	if s.factory.Framing != FramingFramed {
		return dberr.New(dberr.LiteDomain, dberr.InvalidParameter,
			"closeSocket is only valid on framed transports")
	}
	s.factory.Close(s)
	return nil
}

// Dispose releases the transport's companion object.
func (s *Socket) Dispose() {
	if s.factory.Dispose != nil {
		s.factory.Dispose(s)
	}
	s.setNativeHandle(nil)
}
