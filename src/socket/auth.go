package socket

// Option keys recognized in the options map passed to CreateWebSocket.
const (
	// OptionHeaders carries extra HTTP headers for the upgrade request, as
	// a map[string]interface{} of string values.
	OptionHeaders = "headers"
	// OptionAuth carries an AuthCallback that validates credentials
	// presented during the handshake.
	OptionAuth = "auth"
)

// AuthCallback validates a username/password pair. The context is the
// factory's Context value, or whatever a listener substituted for it.
type AuthCallback func(context interface{}, username, password string) bool

// AuthFromOptions extracts the auth callback from a socket options map.
// Returns nil when none was supplied.
func AuthFromOptions(options map[string]interface{}) AuthCallback {
	if options == nil {
		return nil
	}
	switch cb := options[OptionAuth].(type) {
	case AuthCallback:
		return cb
	case func(context interface{}, username, password string) bool:
		return cb
	default:
		return nil
	}
}

// WrapAuthForListener adapts an auth callback for use by a listener. The
// listener's own context replaces whatever context the transport passes in,
// so the inner callback always sees the identity of the listener that
// accepted the connection rather than the client's.
func WrapAuthForListener(inner AuthCallback, listenerContext interface{}) AuthCallback {
	if inner == nil {
		return nil
	}
	return func(_ interface{}, username, password string) bool {
		return inner(listenerContext, username, password)
	}
}

// Authenticate runs the socket's configured auth callback against the
// given credentials. Sockets with no callback accept everyone.
func (s *Socket) Authenticate(username, password string) bool {
	cb := AuthFromOptions(s.options)
	if cb == nil {
		return true
	}
	var ctx interface{}
	if s.factory != nil {
		ctx = s.factory.Context
	}
	return cb(ctx, username, password)
}
