// ABOUTME: HTTP client for the courier server API.
// ABOUTME: Every call is context-bound with a per-request timeout.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/campuschat/courier/internal/status"
)

const defaultRequestTimeout = 10 * time.Second

// API talks to a courier server over HTTP.
type API struct {
	baseURL string
	httpc   *http.Client
}

// NewAPI creates a client for the server at baseURL. timeout bounds each
// request; zero selects the default.
func NewAPI(baseURL string, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type apiMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type sendResponse struct {
	Message struct {
		ID        string    `json:"id"`
		From      string    `json:"from"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
		Status    string    `json:"status"`
	} `json:"message"`
	DeliveredLive bool `json:"delivered_live"`
}

type historyResponse struct {
	Messages []struct {
		ID        string    `json:"id"`
		From      string    `json:"from"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
		Status    string    `json:"status"`
	} `json:"messages"`
}

// SendMessage persists msg on the server and returns the canonical record.
// Safe to retry with the same ID.
func (a *API) SendMessage(ctx context.Context, msg *Message) (*Message, error) {
	body := apiMessage{
		ID:        msg.ID,
		From:      msg.From,
		To:        msg.To,
		Message:   msg.Text,
		Timestamp: msg.SentAt,
	}

	var resp sendResponse
	if err := a.do(ctx, http.MethodPost, "/messages", body, &resp); err != nil {
		return nil, err
	}

	delivery, err := status.ParseDelivery(resp.Message.Status)
	if err != nil {
		delivery = status.DeliverySent
	}
	return &Message{
		ID:     resp.Message.ID,
		From:   resp.Message.From,
		To:     msg.To,
		Text:   resp.Message.Message,
		SentAt: resp.Message.Timestamp,
		Status: delivery.Local(),
	}, nil
}

// History fetches the server's ordered view of the conversation. Messages
// authored by peer come back marked received.
func (a *API) History(ctx context.Context, self, peer string) ([]Message, error) {
	var resp historyResponse
	path := fmt.Sprintf("/conversations/%s/%s", self, peer)
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		local := status.LocalReceived
		to := self
		if m.From == self {
			to = peer
			delivery, err := status.ParseDelivery(m.Status)
			if err != nil {
				delivery = status.DeliverySent
			}
			local = delivery.Local()
		}
		msgs = append(msgs, Message{
			ID:     m.ID,
			From:   m.From,
			To:     to,
			Text:   m.Message,
			SentAt: m.Timestamp,
			Status: local,
		})
	}
	return msgs, nil
}

// ClearConversation soft-deletes the conversation server-side.
func (a *API) ClearConversation(ctx context.Context, self, peer string) error {
	path := fmt.Sprintf("/conversations/%s/%s", self, peer)
	return a.do(ctx, http.MethodDelete, path, map[string]string{"deleted_by": self}, nil)
}

// AckIncoming reports a pushed message back over the incoming-sync path.
func (a *API) AckIncoming(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/messages/incoming", map[string]string{"id": id}, nil)
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server rejected %s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("server rejected %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
