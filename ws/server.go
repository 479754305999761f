package ws

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/murmurchat/murmur/eventlog"
	"github.com/murmurchat/murmur/telemetry"
)

// Server upgrades authenticated requests into live delivery sessions.
type Server struct {
	auth     *Authenticator
	registry *Registry
	events   *eventlog.Log
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates the WebSocket endpoint handler.
func NewServer(auth *Authenticator, registry *Registry, events *eventlog.Log, opts Options) *Server {
	return &Server{
		auth:     auth,
		registry: registry,
		events:   events,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleConnect authenticates and upgrades a client connection. Auth
// failures reject with an HTTP status before any frame is exchanged.
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.Authenticate(r)
	if err != nil {
		telemetry.ConnectionsTotal.With("auth_failed").Inc()
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected connect")
		http.Error(w, "unauthorized", statusFor(err))
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.ConnectionsTotal.With("upgrade_failed").Inc()
		log.Debug().Err(err).Str("identity", string(id)).Msg("Upgrade failed")
		return
	}

	telemetry.ConnectionsTotal.With("ok").Inc()
	log.Info().Str("identity", string(id)).Msg("Session connected")

	conn := newConn(id, wsConn, s.events, s.registry, s.opts)
	conn.start()
}

func statusFor(err error) int {
	if errors.Is(err, ErrMissingParams) {
		return http.StatusBadRequest
	}
	return http.StatusUnauthorized
}
