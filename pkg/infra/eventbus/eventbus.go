// Package eventbus carries commands and events between the agent service
// and its clients over subject-addressed publish/subscribe.
package eventbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrClosed     = errors.New("eventbus is closed")
	ErrNilHandler = errors.New("handler cannot be nil")
	ErrNoReply    = errors.New("message has no reply subject")
)

// Header keys carried on messages.
const (
	HeaderCorrelationID = "Agent-Correlation-Id"
	HeaderCausationID   = "Agent-Causation-Id"
	HeaderEventType     = "Agent-Event-Type"
	// HeaderSequence is the stored sequence of a lifecycle event.
	HeaderSequence = "Agent-Sequence"
)

// Message is one delivery on a subject.
type Message struct {
	Subject string
	Data    []byte
	// Reply is the subject a response should be published to, if any.
	Reply  string
	Header map[string]string

	respond func(ctx context.Context, data []byte) error
}

// Respond publishes data to the message's reply subject.
func (m *Message) Respond(ctx context.Context, data []byte) error {
	if m.Reply == "" || m.respond == nil {
		return ErrNoReply
	}
	return m.respond(ctx, data)
}

// GetHeader returns the header value for key, or "".
func (m *Message) GetHeader(key string) string {
	if m.Header == nil {
		return ""
	}
	return m.Header[key]
}

// Handler processes one message. Messages for one subscription are handled
// sequentially in delivery order.
type Handler func(ctx context.Context, msg *Message)

// Subscription is an active interest in a subject pattern.
type Subscription interface {
	Pattern() string
	Unsubscribe() error
}

// Publisher is the publishing half of a Bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishMsg(ctx context.Context, msg *Message) error
}

// Bus is a subject-addressed message transport.
type Bus interface {
	Publisher
	Subscribe(pattern string, handler Handler) (Subscription, error)
	// Request publishes data with a private reply subject and waits for the
	// first response.
	Request(ctx context.Context, subject string, data []byte) (*Message, error)
	Close() error
}

func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func newInbox() string { return fmt.Sprintf("_INBOX.%s", generateID()) }

func cloneHeader(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
