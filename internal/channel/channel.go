// Package channel carries messages between workers and the service.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/fieldchat/internal/domain"
)

// ErrNotConnected is returned when no transport can reach the recipient.
var ErrNotConnected = errors.New("recipient not connected")

// Inbound is a message received from a worker.
type Inbound struct {
	MessageID  string    `json:"id"`
	From       string    `json:"from"`
	Channel    string    `json:"channel"`
	Text       string    `json:"text,omitempty"`
	MediaURL   string    `json:"media_url,omitempty"`
	MediaType  string    `json:"media_type,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Sender delivers a reply and returns the channel's message ID.
type Sender interface {
	Send(ctx context.Context, to string, reply domain.Reply) (string, error)
}

// InboundHandler consumes messages received over a live transport.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in Inbound)
}

// Multi prefers the live WebSocket connection of a recipient and falls back
// to the HTTP sender.
type Multi struct {
	Hub  *Hub
	HTTP Sender
}

// Send delivers reply over whichever transport reaches to.
func (m *Multi) Send(ctx context.Context, to string, reply domain.Reply) (string, error) {
	if m.Hub != nil && m.Hub.Connected(to) {
		return m.Hub.Send(ctx, to, reply)
	}
	if m.HTTP != nil {
		return m.HTTP.Send(ctx, to, reply)
	}
	return "", ErrNotConnected
}
