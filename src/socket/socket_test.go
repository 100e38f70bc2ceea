package socket

import (
	"errors"
	"sync"
	"testing"

	"driftdb/src/dberr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unframedFactory() *Factory {
	return &Factory{
		Framing:          FramingUnframed,
		Write:            func(*Socket, []byte) {},
		CompletedReceive: func(*Socket, int) {},
		RequestClose:     func(*Socket, int, string) {},
	}
}

func framedFactory() *Factory {
	return &Factory{
		Framing:          FramingFramed,
		Write:            func(*Socket, []byte) {},
		CompletedReceive: func(*Socket, int) {},
		Close:            func(*Socket) {},
	}
}

func TestFactoryValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(f *Factory)
		framing Framing
		ok      bool
	}{
		{"unframed complete", func(f *Factory) {}, FramingUnframed, true},
		{"framed complete", func(f *Factory) {}, FramingFramed, true},
		{"missing write", func(f *Factory) { f.Write = nil }, FramingUnframed, false},
		{"missing completedReceive", func(f *Factory) { f.CompletedReceive = nil }, FramingFramed, false},
		{"unframed without requestClose", func(f *Factory) { f.RequestClose = nil }, FramingUnframed, false},
		{"unframed with close", func(f *Factory) { f.Close = func(*Socket) {} }, FramingUnframed, false},
		{"framed without close", func(f *Factory) { f.Close = nil }, FramingFramed, false},
		{"framed with requestClose", func(f *Factory) { f.RequestClose = func(*Socket, int, string) {} }, FramingFramed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var f *Factory
			if tc.framing == FramingUnframed {
				f = unframedFactory()
			} else {
				f = framedFactory()
			}
			tc.mutate(f)
			err := f.validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, dberr.IsCode(err, dberr.InvalidParameter))
			}
		})
	}

	var nilFactory *Factory
	require.Error(t, nilFactory.validate())

	bad := unframedFactory()
	bad.Framing = Framing(7)
	require.Error(t, bad.validate())
}

func TestRegisterFactoryOnlyOnce(t *testing.T) {
	factoryMu.Lock()
	prev := registeredFactory
	registeredFactory = nil
	factoryMu.Unlock()
	defer func() {
		factoryMu.Lock()
		registeredFactory = prev
		factoryMu.Unlock()
	}()

	// An invalid registration must not take the registration slot.
	invalid := unframedFactory()
	invalid.Write = nil
	require.Error(t, RegisterFactory(invalid))
	assert.Nil(t, currentFactory())

	first := unframedFactory()
	require.NoError(t, RegisterFactory(first))
	assert.Same(t, first, currentFactory())

	second := framedFactory()
	err := RegisterFactory(second)
	require.Error(t, err)
	assert.True(t, dberr.IsCode(err, dberr.InvalidParameter))
	assert.Same(t, first, currentFactory(), "a failed registration must not replace the factory")
}

func TestCloseStatusFromError(t *testing.T) {
	normal := closeStatusFromError(nil)
	assert.Equal(t, CloseWebSocket, normal.Reason)
	assert.Equal(t, CodeNormal, normal.Code)
	assert.True(t, normal.IsNormal())

	ws := closeStatusFromError(dberr.New(dberr.WebSocketDomain, 1008, "policy violation"))
	assert.Equal(t, CloseWebSocket, ws.Reason)
	assert.Equal(t, 1008, ws.Code)
	assert.False(t, ws.IsNormal())

	posix := closeStatusFromError(dberr.New(dberr.POSIXDomain, 104, "connection reset"))
	assert.Equal(t, ClosePOSIX, posix.Reason)
	assert.Equal(t, 104, posix.Code)
	assert.Equal(t, "POSIX error", posix.Reason.String())

	network := closeStatusFromError(dberr.New(dberr.NetworkDomain, 2, "dns failure"))
	assert.Equal(t, CloseNetwork, network.Reason)
	assert.Equal(t, "network error", network.Reason.String())

	plain := closeStatusFromError(errors.New("something odd"))
	assert.Equal(t, CloseUnknown, plain.Reason)
	assert.Equal(t, "something odd", plain.Message)
}

// closeRecorder captures the terminal status of a machine.
type closeRecorder struct {
	NopObserver
	mu       sync.Mutex
	statuses []CloseStatus
	received [][]byte
}

func (r *closeRecorder) OnClosed(status CloseStatus) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func (r *closeRecorder) OnReceived(data []byte) {
	r.mu.Lock()
	r.received = append(r.received, data)
	r.mu.Unlock()
}

func (r *closeRecorder) closedStatuses() []CloseStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CloseStatus(nil), r.statuses...)
}

func TestMachineLocalRequestWinsOverNormalPeerClose(t *testing.T) {
	rec := &closeRecorder{}
	m := newMachine(rec)
	m.connecting()
	m.opened()

	m.requestedClose(CloseStatus{Reason: CloseWebSocket, Code: 4001, Message: "going away on purpose"})
	m.closed(CloseStatus{Reason: CloseWebSocket, Code: CodeNormal})

	statuses := rec.closedStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 4001, statuses[0].Code)
	assert.Equal(t, "going away on purpose", statuses[0].Message)
}

func TestMachineAbnormalPeerCloseStands(t *testing.T) {
	rec := &closeRecorder{}
	m := newMachine(rec)
	m.opened()

	m.requestedClose(CloseStatus{Reason: CloseWebSocket, Code: CodeNormal})
	m.closed(CloseStatus{Reason: ClosePOSIX, Code: 104, Message: "connection reset"})

	statuses := rec.closedStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, ClosePOSIX, statuses[0].Reason, "an abnormal close must not be masked")
	assert.Equal(t, 104, statuses[0].Code)
}

func TestMachineDeliversCloseOnce(t *testing.T) {
	rec := &closeRecorder{}
	m := newMachine(rec)
	m.opened()

	m.closed(CloseStatus{Reason: CloseWebSocket, Code: CodeNormal})
	m.closed(CloseStatus{Reason: ClosePOSIX, Code: 104})

	assert.Len(t, rec.closedStatuses(), 1)
}

func TestMachineSimultaneousCloseEchoesLocalStatus(t *testing.T) {
	rec := &closeRecorder{}
	m := newMachine(rec)
	m.opened()

	local := CloseStatus{Reason: CloseWebSocket, Code: 4002, Message: "local"}
	m.requestedClose(local)

	echo := m.peerRequestedClose(CloseStatus{Reason: CloseWebSocket, Code: CodeNormal, Message: "peer"})
	assert.Equal(t, local, echo, "a simultaneous close echoes the local request")
}

func TestMachineIgnoresDataBeforeOpen(t *testing.T) {
	rec := &closeRecorder{}
	m := newMachine(rec)
	m.received([]byte("early"))
	assert.Empty(t, rec.received)

	m.opened()
	m.received([]byte("now"))
	require.Len(t, rec.received, 1)
	assert.Equal(t, []byte("now"), rec.received[0])
}

func TestPanicInCallbackClosesWith1011(t *testing.T) {
	var requested []int
	factory := unframedFactory()
	factory.RequestClose = func(_ *Socket, status int, _ string) {
		requested = append(requested, status)
	}

	s, err := FromNative(factory, nil, &Address{Scheme: "ws", Hostname: "peer", Port: 80, Path: "/"}, nil)
	require.NoError(t, err)

	rec := &panickyObserver{}
	s.SetObserver(rec)
	s.Opened()
	s.Received([]byte("boom"))

	statuses := rec.closedStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, CodeInternalError, statuses[0].Code)
	assert.Equal(t, "Internal exception", statuses[0].Message)
	require.Len(t, requested, 1)
	assert.Equal(t, CodeInternalError, requested[0])
}

type panickyObserver struct {
	closeRecorder
}

func (p *panickyObserver) OnReceived(data []byte) {
	panic("observer fault")
}

func TestCloseRequestedEchoesOnUnframed(t *testing.T) {
	type echoCall struct {
		status  int
		message string
	}
	var echoes []echoCall
	factory := unframedFactory()
	factory.RequestClose = func(_ *Socket, status int, message string) {
		echoes = append(echoes, echoCall{status, message})
	}

	s, err := FromNative(factory, nil, nil, nil)
	require.NoError(t, err)
	s.Opened()

	s.CloseRequested(CodeGoingAway, "shutting down")
	require.Len(t, echoes, 1)
	assert.Equal(t, CodeGoingAway, echoes[0].status)
	assert.Equal(t, "shutting down", echoes[0].message)
}

func TestCloseSocketOnlyValidWhenFramed(t *testing.T) {
	closed := 0
	factory := framedFactory()
	factory.Close = func(*Socket) { closed++ }

	s, err := FromNative(factory, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.CloseSocket())
	assert.Equal(t, 1, closed)

	unframed, err := FromNative(unframedFactory(), nil, nil, nil)
	require.NoError(t, err)
	err = unframed.CloseSocket()
	require.Error(t, err)
	assert.True(t, dberr.IsCode(err, dberr.InvalidParameter))
}

func TestCreateWebSocketUsesExplicitFactory(t *testing.T) {
	factory := unframedFactory()
	s, err := CreateWebSocket("ws://example.com:4984/db", nil, nil, factory, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, RoleClient, s.Role())
	assert.Equal(t, FramingUnframed, s.Framing())
	assert.Equal(t, "example.com", s.Address().Hostname)
	assert.EqualValues(t, 4984, s.Address().Port)

	invalid := unframedFactory()
	invalid.RequestClose = nil
	_, err = CreateWebSocket("ws://example.com/db", nil, nil, invalid, nil, nil)
	require.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("ws://host.example.com/db")
	require.NoError(t, err)
	assert.Equal(t, "ws", a.Scheme)
	assert.EqualValues(t, 80, a.Port)
	assert.Equal(t, "/db", a.Path)

	a, err = ParseAddress("wss://host.example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 443, a.Port)
	assert.Equal(t, "/", a.Path)

	a, err = ParseAddress("wss://host.example.com:4985/db")
	require.NoError(t, err)
	assert.EqualValues(t, 4985, a.Port)

	_, err = ParseAddress("http://host.example.com/db")
	require.Error(t, err)
	assert.True(t, dberr.IsCode(err, dberr.InvalidParameter))
}

func TestHandshakeFailureDetection(t *testing.T) {
	m := newMachine(nil)
	m.gotHTTPResponse(101, nil)
	assert.False(t, m.handshakeFailed())

	m2 := newMachine(nil)
	m2.gotHTTPResponse(401, nil)
	assert.True(t, m2.handshakeFailed())
}
