// ABOUTME: Tracks which identity currently owns which live connection
// ABOUTME: Bidirectional map so unregister-by-connection is O(1)

package presence

import (
	"log/slog"
	"sync"
)

// Conn is a live client connection capable of receiving pushed events.
// Implementations must be pointer types so the registry can match them by
// value on unregister.
type Conn interface {
	Send(event string, data any) error
	Close() error
}

// Registry maps identities to their one live connection. It is constructed
// at server start and injected into every consumer; there is no package
// global.
type Registry interface {
	// Register binds a connection to an identity. At most one connection
	// per identity: a new registration for the same identity replaces the
	// previous mapping (last-registered wins). The replaced connection is
	// unmapped but not closed.
	Register(identity string, conn Conn)

	// Lookup returns the connection currently representing the identity.
	Lookup(identity string) (Conn, bool)

	// Unregister removes the registration holding this connection,
	// whichever identity it is keyed under. A connection whose mapping was
	// already replaced by a newer one is a no-op.
	Unregister(conn Conn)
}

// MemoryRegistry implements Registry with two mutex-guarded maps.
type MemoryRegistry struct {
	mu         sync.RWMutex
	byIdentity map[string]Conn
	byConn     map[Conn]string
	logger     *slog.Logger
}

// NewMemoryRegistry creates an empty registry. Pass nil logger for default.
func NewMemoryRegistry(logger *slog.Logger) *MemoryRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryRegistry{
		byIdentity: make(map[string]Conn),
		byConn:     make(map[Conn]string),
		logger:     logger.With("component", "presence"),
	}
}

// Register binds conn to identity, displacing any previous connection.
func (r *MemoryRegistry) Register(identity string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byIdentity[identity]; ok && old != conn {
		// Stale mapping from a previous session; drop the reverse entry so
		// the old connection's eventual Unregister is a no-op.
		delete(r.byConn, old)
		r.logger.Debug("replaced stale connection", "identity", identity)
	}

	r.byIdentity[identity] = conn
	r.byConn[conn] = identity

	r.logger.Info("identity joined",
		"identity", identity,
		"online", len(r.byIdentity),
	)
}

// Lookup returns the live connection for identity, if any.
func (r *MemoryRegistry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byIdentity[identity]
	return conn, ok
}

// Unregister removes the entry whose value is conn, regardless of key.
func (r *MemoryRegistry) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byConn[conn]
	if !ok {
		return
	}

	delete(r.byConn, conn)
	// Only clear the forward mapping if it still points at this connection;
	// a newer registration for the same identity must survive.
	if current, ok := r.byIdentity[identity]; ok && current == conn {
		delete(r.byIdentity, identity)
	}

	r.logger.Info("identity left",
		"identity", identity,
		"online", len(r.byIdentity),
	)
}

// Online returns the number of identities with a live connection.
func (r *MemoryRegistry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// Ensure MemoryRegistry implements Registry
var _ Registry = (*MemoryRegistry)(nil)
