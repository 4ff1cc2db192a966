// ABOUTME: WebSocket endpoint handling join, live push, and disconnect cleanup
// ABOUTME: Each accepted connection registers presence for exactly one identity

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campuschat/courier/internal/auth"
	"github.com/campuschat/courier/internal/metrics"
	"github.com/campuschat/courier/internal/presence"
)

// joinTimeout bounds how long a fresh connection may sit without joining.
const joinTimeout = 10 * time.Second

// StatusRecorder persists presence transitions so profile reads reflect
// who is currently connected. Implementations must tolerate identities
// that have never been seen before.
type StatusRecorder interface {
	RecordPresence(ctx context.Context, identity string, online bool, at time.Time) error
}

// Hub accepts websocket connections and manages their presence lifecycle.
type Hub struct {
	registry presence.Registry
	verifier auth.TokenVerifier // nil means identity field is trusted as-is
	upgrader websocket.Upgrader
	status   StatusRecorder // optional
	logger   *slog.Logger
}

// NewHub creates a hub over the given registry. verifier may be nil when no
// token secret is configured. allowedOrigins is the browser origin allowlist;
// empty allows same-origin only.
func NewHub(registry presence.Registry, verifier auth.TokenVerifier, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		registry: registry,
		verifier: verifier,
		logger:   logger.With("component", "hub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker builds the upgrade origin policy. Requests without an
// Origin header (CLI clients) are always allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla default: same-origin only
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConn(ws)
	defer conn.Close()

	identity, err := h.awaitJoin(conn)
	if err != nil {
		h.logger.Debug("join failed", "error", err)
		conn.Send(EventError, map[string]string{"error": "join failed"})
		return
	}

	h.registry.Register(identity, conn)
	h.updatePresenceGauge()
	h.recordPresence(identity, true)
	defer func() {
		h.registry.Unregister(conn)
		h.updatePresenceGauge()
		h.recordPresence(identity, false)
	}()

	h.readLoop(conn, identity)
}

// SetStatusRecorder wires persistence of online/offline transitions.
// Must be called before the hub starts serving.
func (h *Hub) SetStatusRecorder(rec StatusRecorder) {
	h.status = rec
}

func (h *Hub) recordPresence(identity string, online bool) {
	if h.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.status.RecordPresence(ctx, identity, online, time.Now().UTC()); err != nil {
		h.logger.Warn("failed to record presence transition",
			"identity", identity,
			"online", online,
			"error", err,
		)
	}
}

// awaitJoin reads the initial join event and resolves the identity it
// carries. With a verifier configured the token is mandatory; without one
// the identity field is accepted directly.
func (h *Hub) awaitJoin(conn *Conn) (string, error) {
	conn.ws.SetReadDeadline(time.Now().Add(joinTimeout))
	defer conn.ws.SetReadDeadline(time.Time{})

	env, err := conn.ReadEnvelope()
	if err != nil {
		return "", err
	}
	if env.Event != EventJoin {
		return "", errors.New("first event must be join")
	}

	var req JoinRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return "", errors.New("malformed join payload")
	}

	if h.verifier != nil {
		if req.Token == "" {
			return "", errors.New("token required")
		}
		return h.verifier.Verify(req.Token)
	}

	if req.Identity == "" {
		return "", errors.New("identity required")
	}
	return req.Identity, nil
}

// readLoop consumes client frames until the connection drops. Courier's
// protocol is push-heavy: the only client frame after join is an optional
// explicit disconnect; everything else arrives over HTTP.
func (h *Hub) readLoop(conn *Conn, identity string) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection dropped", "identity", identity, "error", err)
			}
			return
		}

		switch env.Event {
		case "disconnect":
			return
		default:
			h.logger.Debug("ignoring unexpected client event",
				"identity", identity,
				"event", env.Event,
			)
		}
	}
}

func (h *Hub) updatePresenceGauge() {
	if c, ok := h.registry.(interface{ Online() int }); ok {
		metrics.PresenceOnline.Set(float64(c.Online()))
	}
}
