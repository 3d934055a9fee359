// Package bot wires chat platforms to the Gem Scout assistant: platform
// adapters feed inbound messages through an ordered router into command
// handlers and the conversation agent.
package bot

import (
	"context"
	"time"
)

// Adapter is the interface platform-specific implementations must satisfy.
// Each adapter handles connection management and message send/receive for
// a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// ChatType distinguishes one-on-one conversations from shared ones.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// InboundMessage represents a text message received from the chat platform.
// Mention and reply detection are platform-specific, so adapters resolve
// them before the message enters the router.
type InboundMessage struct {
	Platform    string   // e.g. "telegram", "discord"
	ChatID      string   // platform-specific chat/channel identifier
	ChatType    ChatType // private or group
	UserID      string   // platform-specific sender identifier
	UserName    string   // human-readable sender name
	MessageID   string   // platform message identifier
	Text        string   // raw message text
	MentionsBot bool     // the message explicitly @mentions the bot
	ReplyToBot  bool     // the message is a direct reply to the bot's own message
	Timestamp   time.Time
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChatID string
	Text   string
}

// Identity is the bot's own account on the platform.
type Identity struct {
	UserID   string
	Username string
}

// Identifier is an optional interface adapters implement to expose the
// bot's own identity after Connect. It enables self-message filtering and
// mention stripping.
type Identifier interface {
	Identity() Identity
}
