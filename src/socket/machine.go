package socket

import "sync"

// machineState tracks a connection through its life.
type machineState int

const (
	stateUnconnected machineState = iota
	stateConnecting
	stateOpen
	stateClosingLocal
	stateClosingRemote
	stateClosed
)

// Observer receives the events a socket's state machine emits. All
// callbacks for one socket are serialized.
type Observer interface {
	OnGotHTTPResponse(status int, headers map[string]interface{})
	OnConnected()
	OnReceived(data []byte)
	OnWriteCompleted(byteCount int)
	OnClosed(status CloseStatus)
}

// NopObserver ignores every event. Embed it to implement only part of
// Observer.
type NopObserver struct{}

func (NopObserver) OnGotHTTPResponse(int, map[string]interface{}) {}
func (NopObserver) OnConnected()                                  {}
func (NopObserver) OnReceived([]byte)                             {}
func (NopObserver) OnWriteCompleted(int)                          {}
func (NopObserver) OnClosed(CloseStatus)                          {}

// machine is the WebSocket connection state machine. It owns close
// handshake reconciliation: when both sides close, the locally requested
// status wins over a normal peer close.
type machine struct {
	mu       sync.Mutex
	state    machineState
	observer Observer

	httpStatus      int
	requestedStatus *CloseStatus
	delivered       bool
}

func newMachine(observer Observer) *machine {
	if observer == nil {
		observer = NopObserver{}
	}
	return &machine{observer: observer}
}

func (m *machine) setObserver(observer Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if observer == nil {
		observer = NopObserver{}
	}
	m.observer = observer
}

func (m *machine) connecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateUnconnected {
		m.state = stateConnecting
	}
}

func (m *machine) gotHTTPResponse(status int, headers map[string]interface{}) {
	m.mu.Lock()
	m.httpStatus = status
	observer := m.observer
	m.mu.Unlock()
	observer.OnGotHTTPResponse(status, headers)
}

// handshakeFailed reports whether the HTTP response refused the upgrade.
func (m *machine) handshakeFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.httpStatus >= 300
}

func (m *machine) opened() {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return
	}
	m.state = stateOpen
	observer := m.observer
	m.mu.Unlock()
	observer.OnConnected()
}

func (m *machine) received(data []byte) {
	m.mu.Lock()
	observer := m.observer
	open := m.state == stateOpen || m.state == stateClosingLocal
	m.mu.Unlock()
	if open {
		observer.OnReceived(data)
	}
}

func (m *machine) completedWrite(byteCount int) {
	m.mu.Lock()
	observer := m.observer
	m.mu.Unlock()
	observer.OnWriteCompleted(byteCount)
}

// requestedClose records a locally initiated close so that the final peer
// status can be reconciled against it.
func (m *machine) requestedClose(status CloseStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateClosed {
		return
	}
	m.requestedStatus = &status
	m.state = stateClosingLocal
}

// peerRequestedClose handles an inbound close request on an unframed
// transport. Returns the status the transport should echo back.
func (m *machine) peerRequestedClose(status CloseStatus) CloseStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateClosingLocal:
		// Simultaneous close; our request stands.
		return *m.requestedStatus
	case stateClosed:
		return status
	default:
		m.state = stateClosingRemote
		return status
	}
}

// closed transitions to the terminal state and delivers the reconciled
// status exactly once. A normal peer close loses to a pending local
// request so the caller sees the status it asked for.
func (m *machine) closed(status CloseStatus) {
	m.mu.Lock()
	if m.delivered {
		m.mu.Unlock()
		return
	}
	m.delivered = true
	m.state = stateClosed
	if m.requestedStatus != nil && status.IsNormal() {
		status = *m.requestedStatus
	}
	observer := m.observer
	m.mu.Unlock()
	observer.OnClosed(status)
}

func (m *machine) currentState() machineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
