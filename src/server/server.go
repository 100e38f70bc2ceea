package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"driftdb/src/dberr"
	"driftdb/src/directors"
	"driftdb/src/settings"
	"driftdb/src/socket"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server is the WebSocket listener that exposes bundles to remote
// clients. Each accepted connection becomes a server-role socket driven
// through the transport factory.
type Server struct {
	Host        string
	Port        int
	AuthEnabled bool
	Running     bool

	bundleService    *directors.BundleService
	userService      *directors.UserService
	liveQueryService *directors.LiveQueryService

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	factory    *socket.Factory
	logger     *zap.SugaredLogger

	mu                sync.Mutex
	nextConnID        uint64
	activeConnections map[uint64]*session
	wg                sync.WaitGroup
}

// InitServer builds the server and its service layer.
func InitServer(config *settings.Arguments) (*Server, error) {
	var logger *zap.Logger
	var err error

	if config.Debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()
	zap.ReplaceGlobals(logger)

	bundleService := directors.NewBundleService(config, sugar)
	userService := directors.NewUserService(sugar)
	liveQueryService := directors.NewLiveQueryService(sugar)

	directors.InitServiceManager(bundleService, userService, liveQueryService, sugar)

	server := &Server{
		Host:              config.Host,
		Port:              config.Port,
		AuthEnabled:       config.AuthEnabled,
		bundleService:     bundleService,
		userService:       userService,
		liveQueryService:  liveQueryService,
		logger:            sugar,
		activeConnections: make(map[uint64]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	server.factory = server.buildFactory()
	return server, nil
}

// AddUser registers credentials for the listener's auth check.
func (s *Server) AddUser(username, password string) {
	if err := s.userService.AddUser(username, password); err != nil {
		s.logger.Errorf("Failed to add user %s: %v", username, err)
	}
}

// Start begins listening for incoming connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error starting server on %s: %w", addr, err)
	}
	s.listener = listener
	s.Running = true

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux}

	s.logger.Infof("driftdb server listening on %s", addr)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			if s.Running {
				s.logger.Errorw("Server stopped", "error", err)
			}
		}
	}()
	return nil
}

// Stop gracefully shuts down the server: live queries first, then the
// connections, then the open bundles.
func (s *Server) Stop() error {
	s.Running = false

	s.liveQueryService.StopAll()

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.activeConnections))
	for _, sess := range s.activeConnections {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close(socket.CodeGoingAway, "server shutting down")
	}

	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.wg.Wait()

	err := s.bundleService.CloseAll()

	s.logger.Info("Server shutdown complete")
	s.logger.Sync()
	return err
}

// listenerAuth wraps the user service's check so the inner callback sees
// the listener's identity, not the client's context.
func (s *Server) listenerAuth() socket.AuthCallback {
	listenerID := fmt.Sprintf("%s:%d", s.Host, s.Port)
	return socket.WrapAuthForListener(s.userService.AuthCallback, listenerID)
}

// handleUpgrade authenticates the HTTP request and hands the connection to
// a session.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.AuthEnabled {
		username, password, ok := r.BasicAuth()
		if !ok || !s.listenerAuth()(nil, username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="driftdb"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	addr := &socket.Address{
		Scheme:   "ws",
		Hostname: s.Host,
		Port:     uint16(s.Port),
		Path:     r.URL.Path,
	}
	handle := &serverConn{conn: conn}
	sock, err := socket.FromNative(s.factory, handle, addr, s.logger)
	if err != nil {
		s.logger.Errorw("Failed to wrap connection", "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.nextConnID++
	connID := s.nextConnID
	s.mu.Unlock()

	sess := newSession(s, connID, sock)
	sock.SetObserver(sess)

	s.mu.Lock()
	s.activeConnections[connID] = sess
	s.mu.Unlock()

	s.logger.Infof("New connection %d from %s", connID, r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sock.Opened()
		s.readPump(sock, handle)
		s.dropSession(connID)
	}()
}

// readPump delivers inbound frames to the socket until the connection
// dies.
func (s *Server) readPump(sock *socket.Socket, handle *serverConn) {
	for {
		_, data, err := handle.conn.ReadMessage()
		if err != nil {
			sock.Closed(readErrorOf(err))
			return
		}
		sock.Received(data)
	}
}

func (s *Server) dropSession(connID uint64) {
	s.mu.Lock()
	sess, ok := s.activeConnections[connID]
	if ok {
		delete(s.activeConnections, connID)
	}
	s.mu.Unlock()
	if ok {
		sess.teardown()
		s.logger.Infof("Connection %d closed", connID)
	}
}

// serverConn is the native handle behind each accepted socket.
type serverConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool
}

func (sc *serverConn) write(messageType int, data []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if sc.closed {
		return fmt.Errorf("connection already closed")
	}
	sc.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return sc.conn.WriteMessage(messageType, data)
}

func (sc *serverConn) shutdown() {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if !sc.closed {
		sc.closed = true
		sc.conn.Close()
	}
}

// buildFactory makes the unframed transport table backing accepted
// connections. gorilla owns framing and the close handshake.
func (s *Server) buildFactory() *socket.Factory {
	return &socket.Factory{
		Framing: socket.FramingUnframed,
		Context: fmt.Sprintf("%s:%d", s.Host, s.Port),
		Write: func(sock *socket.Socket, data []byte) {
			handle, _ := sock.NativeHandle().(*serverConn)
			if handle == nil {
				return
			}
			if err := handle.write(websocket.BinaryMessage, data); err != nil {
				s.logger.Warnf("Write on closed connection dropped: %v", err)
				return
			}
			sock.CompletedWrite(len(data))
		},
		CompletedReceive: func(sock *socket.Socket, byteCount int) {},
		RequestClose: func(sock *socket.Socket, status int, message string) {
			handle, _ := sock.NativeHandle().(*serverConn)
			if handle == nil {
				sock.Closed(nil)
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			handle.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(status, message), deadline)
			time.AfterFunc(5*time.Second, handle.shutdown)
		},
		Dispose: func(sock *socket.Socket) {
			handle, _ := sock.NativeHandle().(*serverConn)
			if handle != nil {
				handle.shutdown()
			}
		},
	}
}

// readErrorOf maps a gorilla read error to the transport error the socket
// layer expects. Clean closes surface as nil; a peer close frame keeps its
// status code.
func readErrorOf(err error) error {
	if ce, ok := err.(*websocket.CloseError); ok {
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return nil
		}
		return dberr.New(dberr.WebSocketDomain, ce.Code, ce.Text)
	}
	return dberr.Wrap(err, dberr.NetworkDomain, 0, "WebSocket read failed")
}
