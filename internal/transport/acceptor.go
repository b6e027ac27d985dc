package transport

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

// Acceptor is an http.Handler that authenticates the agent key header and upgrades the
// request to a session connection
type Acceptor struct {
	authenticate func(key string) (name string, ok bool)
	deliver      func(name string, conn Conn)
	upgrader     websocket.Upgrader
	logger       *utils.Logger
}

// NewAcceptor creates an acceptor. authenticate maps a key to a peer name; deliver takes
// ownership of each accepted connection and may run the session before returning.
func NewAcceptor(authenticate func(key string) (string, bool), deliver func(name string, conn Conn)) *Acceptor {
	return &Acceptor{
		authenticate: authenticate,
		deliver:      deliver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
		},
		logger: utils.NewLogger("acceptor", utils.INFO),
	}
}

// ServeHTTP implements http.Handler
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(models.AgentKeyHeader)
	name, ok := a.authenticate(key)
	if key == "" || !ok {
		a.logger.Warn("Rejected connection from %s: invalid agent key", r.RemoteAddr)
		http.Error(w, "invalid agent key", http.StatusUnauthorized)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		a.logger.Warn("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	a.logger.Debug("Accepted connection from %s (%s)", name, r.RemoteAddr)
	a.deliver(name, NewWebSocketConn(ws))
}

// StaticKey returns an authenticate function accepting exactly one key
func StaticKey(name, key string) func(string) (string, bool) {
	return func(got string) (string, bool) {
		return name, key != "" && got == key
	}
}
