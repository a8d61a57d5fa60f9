package chat

import (
	"context"

	"github.com/acyhuang/chat-tree/pkg/exchange"
)

// StreamRequest carries everything the transport needs to produce the
// assistant side of one exchange.
type StreamRequest struct {
	ConversationID string
	// History holds the completed exchanges along the current path, root
	// first, excluding the exchange being generated.
	History []*exchange.ExchangeNode
	// UserContent is the user message of the exchange being generated.
	UserContent  string
	SystemPrompt string
}

// StreamHandler receives the semantic events of one exchange. For a single
// exchange the transport delivers, in order: zero or one ExchangeCreated,
// then any number of ContentFragment, then exactly one Done — unless
// StreamExchange returns an error first, or the context is cancelled.
//
// Fragments are assumed append-only and in arrival order; the handler applies
// them as they come. A transport that cannot guarantee ordering will produce
// visibly corrupted content.
//
// A non-nil error returned from any callback aborts the stream.
type StreamHandler interface {
	// ExchangeCreated reports the durable server-assigned id for the
	// exchange. Must be called at most once.
	ExchangeCreated(serverID exchange.ExchangeID) error
	// ContentFragment delivers one streamed piece of assistant text.
	ContentFragment(text string) error
	// Done finalizes the exchange. A non-nil finalContent is the server's
	// authoritative final text and replaces the accumulated fragments.
	Done(finalContent *string) error
}

// Transport generates one assistant reply as a stream of semantic events.
//
// StreamExchange blocks until the stream terminates. It returns nil after
// Done was delivered, the context error when cancelled, and any transport or
// upstream error otherwise.
type Transport interface {
	StreamExchange(ctx context.Context, req StreamRequest, h StreamHandler) error
}
