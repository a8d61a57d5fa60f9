package chat

import (
	"context"

	"github.com/acyhuang/chat-tree/pkg/exchange"
)

// Persister durably stores completed or interrupted exchanges.
//
// Calls are fire-and-forget from the engine's perspective: a persistence
// failure is logged and observed, but never rolls back local tree state or
// blocks the user-visible flow.
type Persister interface {
	SaveExchange(ctx context.Context, conversationID string, node *exchange.ExchangeNode) error
}

// NullPersister discards everything.
type NullPersister struct{}

func NewNullPersister() *NullPersister {
	return &NullPersister{}
}

func (n *NullPersister) SaveExchange(_ context.Context, _ string, _ *exchange.ExchangeNode) error {
	return nil
}

var _ Persister = (*NullPersister)(nil)

// TreeLoader fetches conversation state from an external store: either a
// full tree snapshot, or a root-to-node id path for a target exchange.
type TreeLoader interface {
	LoadTree(ctx context.Context, conversationID string) (*exchange.Tree, error)
	LoadPath(ctx context.Context, conversationID string, targetID exchange.ExchangeID) ([]exchange.ExchangeID, error)
}
