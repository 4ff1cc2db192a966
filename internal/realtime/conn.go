// ABOUTME: Wraps a websocket connection with serialized writes and JSON envelopes
// ABOUTME: Implements presence.Conn so the registry and router can push to it

package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds a single push so one dead peer cannot stall the hub.
const writeTimeout = 10 * time.Second

// Event names on the realtime channel.
const (
	EventJoin           = "join"
	EventPrivateMessage = "private_message"
	EventError          = "error"
)

// Envelope is the wire frame for every realtime event, both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the client payload for the join event. When the server has
// a token verifier configured, Token is required and Identity is ignored.
type JoinRequest struct {
	Token    string `json:"token,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// PushPayload is the private_message envelope body, pushed server to
// recipient and mirrored by the client's incoming-sync acknowledgment.
type PushPayload struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Conn wraps a websocket connection. Writes are serialized with a mutex
// because gorilla/websocket permits at most one concurrent writer.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewConn wraps an upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send marshals data into an event envelope and writes it.
func (c *Conn) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		return fmt.Errorf("writing %s event: %w", event, err)
	}
	return nil
}

// ReadEnvelope blocks for the next client frame.
func (c *Conn) ReadEnvelope() (*Envelope, error) {
	var env Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Close closes the underlying websocket.
func (c *Conn) Close() error {
	return c.ws.Close()
}
