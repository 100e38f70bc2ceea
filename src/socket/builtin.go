package socket

import (
	"net/http"
	"sync"
	"time"

	"driftdb/src/dberr"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout      = 15 * time.Second
	writeTimeout     = 30 * time.Second
	closeGracePeriod = 5 * time.Second
)

// builtinConn is the native handle the built-in factory keeps per socket.
type builtinConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (bc *builtinConn) get() *websocket.Conn {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.conn
}

func (bc *builtinConn) markClosed() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return false
	}
	bc.closed = true
	return true
}

var (
	builtinOnce    sync.Once
	builtinFactory *Factory
)

// BuiltinFactory returns the in-process gorilla/websocket transport. It is
// unframed: gorilla owns message framing and the close handshake. The
// factory is used when CreateWebSocket is given no explicit factory and no
// process-wide one is registered.
func BuiltinFactory() *Factory {
	builtinOnce.Do(func() {
		builtinFactory = &Factory{
			Framing:          FramingUnframed,
			Open:             builtinOpen,
			Write:            builtinWrite,
			CompletedReceive: builtinCompletedReceive,
			RequestClose:     builtinRequestClose,
			Dispose:          builtinDispose,
		}
	})
	return builtinFactory
}

func internalFactory() *Factory {
	return BuiltinFactory()
}

// builtinOpen dials in the background so Connect returns immediately. The
// HTTP response, open and close events all arrive through the socket's
// inbound methods.
func builtinOpen(s *Socket, addr *Address, options map[string]interface{}) error {
	bc := &builtinConn{}
	s.SetNativeHandle(bc)
	go func() {
		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		header := headersFromOptions(options)
		conn, resp, err := dialer.Dial(addr.String(), header)
		if resp != nil {
			s.GotHTTPResponse(resp.StatusCode, headerMap(resp.Header))
		}
		if err != nil {
			code := 0
			if resp != nil {
				code = resp.StatusCode
			}
			s.Closed(dberr.Wrap(err, dberr.NetworkDomain, code, "WebSocket dial failed"))
			return
		}
		bc.mu.Lock()
		bc.conn = conn
		bc.mu.Unlock()
		s.Opened()
		readLoop(s, bc, conn)
	}()
	return nil
}

// readLoop pumps inbound messages until the connection dies, then reports
// the terminal status.
func readLoop(s *Socket, bc *builtinConn, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !bc.markClosed() {
				return
			}
			conn.Close()
			s.Closed(closeErrorToStatus(err))
			return
		}
		s.Received(data)
	}
}

// closeErrorToStatus translates a gorilla read error. A peer close frame
// surfaces as a WebSocket-domain error carrying the peer's status code; a
// normal close maps to nil so the state machine sees a clean shutdown.
func closeErrorToStatus(err error) error {
	if ce, ok := err.(*websocket.CloseError); ok {
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return nil
		}
		return dberr.New(dberr.WebSocketDomain, ce.Code, ce.Text)
	}
	return dberr.Wrap(err, dberr.NetworkDomain, 0, "WebSocket read failed")
}

func builtinWrite(s *Socket, data []byte) {
	bc, _ := s.NativeHandle().(*builtinConn)
	if bc == nil {
		return
	}
	conn := bc.get()
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if bc.markClosed() {
			conn.Close()
			s.Closed(dberr.Wrap(err, dberr.NetworkDomain, 0, "WebSocket write failed"))
		}
		return
	}
	s.CompletedWrite(len(data))
}

// builtinCompletedReceive is a no-op: gorilla reads one message at a time,
// so the transport never buffers ahead of the consumer.
func builtinCompletedReceive(s *Socket, byteCount int) {}

// builtinRequestClose starts the close handshake. The read loop observes
// the peer's echo and reports the final status; if the peer never answers,
// the connection is dropped after a grace period.
func builtinRequestClose(s *Socket, status int, message string) {
	bc, _ := s.NativeHandle().(*builtinConn)
	if bc == nil {
		s.Closed(nil)
		return
	}
	conn := bc.get()
	if conn == nil {
		if bc.markClosed() {
			s.Closed(nil)
		}
		return
	}
	deadline := time.Now().Add(closeGracePeriod)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(status, message), deadline)
	time.AfterFunc(closeGracePeriod, func() {
		if bc.markClosed() {
			conn.Close()
			s.Closed(nil)
		}
	})
}

func builtinDispose(s *Socket) {
	bc, _ := s.NativeHandle().(*builtinConn)
	if bc == nil {
		return
	}
	if conn := bc.get(); conn != nil && bc.markClosed() {
		conn.Close()
	}
}

func headersFromOptions(options map[string]interface{}) http.Header {
	header := http.Header{}
	raw, ok := options[OptionHeaders].(map[string]interface{})
	if !ok {
		return header
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			header.Set(k, s)
		}
	}
	return header
}

func headerMap(h http.Header) map[string]interface{} {
	m := make(map[string]interface{}, len(h))
	for k := range h {
		m[k] = h.Get(k)
	}
	return m
}
