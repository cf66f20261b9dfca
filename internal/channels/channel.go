// Package channels defines the polymorphic channel abstraction and its
// common helpers (outgoing queue, env-file credential loading). Concrete
// adapters (whatsapp.go, slack.go, mail.go) each own one external
// connection and dispatch inbound events through the callbacks supplied at
// construction.
package channels

import (
	"context"
	"time"
)

// InboundMessage is what a channel hands to its onMessage callback. It is
// deliberately independent of the store package's Message type — channels
// know nothing about persistence, only about the wire shape of what they
// received.
type InboundMessage struct {
	ID           string
	ChatJID      string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    time.Time
	IsFromMe     bool
	IsBotMessage bool
}

// ChatMetadataFunc is invoked when a channel sees new or updated metadata
// for a chat (first message in a conversation, group name change, etc.).
type ChatMetadataFunc func(jid string, ts time.Time, name, channelTag string, isGroup bool)

// MessageFunc is invoked for every inbound message a channel receives,
// after it has been classified (bot-authored or not).
type MessageFunc func(jid string, msg InboundMessage)

// Channel is the capability set every adapter variant implements: socket
// channels, pub/sub channels with text-wrap translation, and poll-based
// channels alike.
type Channel interface {
	// Name identifies the channel, e.g. "whatsapp", "slack", "mail".
	Name() string

	// Connect establishes the external connection. It returns once the
	// channel is either connected or has given up after exhausting its
	// own retry policy for the initial attempt; ongoing reconnection
	// happens internally and is not observable through this call.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection, flushing the outgoing queue
	// where the underlying protocol allows a final best-effort send.
	Disconnect(ctx context.Context) error

	// IsConnected reports current connection status.
	IsConnected() bool

	// OwnsJID is this channel's dispatch predicate. It must be total
	// (return a value for any string) and must not overlap any other
	// channel's OwnsJID.
	OwnsJID(jid string) bool

	// SendMessage sends text to jid. If not connected, or if the
	// underlying send fails, the message is queued for delivery on the
	// next successful connect rather than returning an error to the
	// caller — see OutgoingQueue.
	SendMessage(ctx context.Context, jid, text string) error

	// SetTyping is best-effort; channels whose protocol has no typing
	// concept treat this as a no-op.
	SetTyping(ctx context.Context, jid string, on bool) error
}
