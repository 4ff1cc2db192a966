// ABOUTME: Client-side message model shared by the cache, API client, and engine.
// ABOUTME: Status here is the local lifecycle, a superset of the server's.

package client

import (
	"time"

	"github.com/campuschat/courier/internal/status"
)

// Message is one entry in the client's visible conversation list. The
// JSON tags double as the cache file format.
type Message struct {
	ID     string       `json:"id"`
	From   string       `json:"from"`
	To     string       `json:"to"`
	Text   string       `json:"message"`
	SentAt time.Time    `json:"timestamp"`
	Status status.Local `json:"status"`
}
