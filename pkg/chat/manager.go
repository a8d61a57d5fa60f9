package chat

// Package chat implements the conversation-facing side of the exchange tree:
// the optimistic streaming reconciler that keeps an in-flight generation
// consistent with the tree, and the Manager facade external callers use.
//
// Consumers observe state through immutable tree snapshots, a loading flag
// and a last-error field; they never mutate the tree directly.

import (
	"context"

	"github.com/acyhuang/chat-tree/pkg/exchange"
)

// Manager is the externally visible API for one conversation. It sequences
// calls into the reconciler, the path resolver and the tree store, and is the
// only component consumers use directly.
type Manager interface {
	ConversationID() string

	// Snapshot returns an immutable deep copy of the conversation tree.
	Snapshot() *exchange.Tree

	// SendMessage generates one exchange for the given user text, branching
	// from the tail of the current path unless WithParent overrides it. It
	// blocks until the exchange reaches a terminal state and returns the
	// resulting snapshot. Partial content survives interruption and failure.
	SendMessage(ctx context.Context, text string, options ...SendOption) (*exchange.Tree, error)

	// SwitchPath makes the root-to-target path the current one, resolving it
	// locally against the tree.
	SwitchPath(targetID exchange.ExchangeID) (*exchange.Tree, error)

	// SwitchPathRemote asks the tree-load collaborator for the path instead
	// of resolving it locally, validates it, and installs it.
	SwitchPathRemote(ctx context.Context, targetID exchange.ExchangeID) (*exchange.Tree, error)

	// LoadConversation fetches a tree snapshot from the tree-load
	// collaborator and adopts it wholesale, replacing local state.
	LoadConversation(ctx context.Context, conversationID string) (*exchange.Tree, error)

	// StopGeneration interrupts the in-flight exchange, if any.
	StopGeneration()

	// DeleteExchange removes an exchange and its whole subtree.
	DeleteExchange(id exchange.ExchangeID) (*exchange.Tree, error)

	// PathToExchange returns the root-to-target ids plus the exchanges on it.
	PathToExchange(id exchange.ExchangeID) ([]exchange.ExchangeID, []*exchange.ExchangeNode, error)

	// IsLoading reports whether a generation is in flight.
	IsLoading() bool

	// Err returns the last surfaced recoverable failure. It is cleared by
	// ClearError or by the next successful operation, never silently.
	Err() error
	ClearError()
}

// SendOption customizes a single SendMessage call.
type SendOption func(*SendRequest)

// WithParent branches from an explicit parent instead of the path tail.
func WithParent(parentID exchange.ExchangeID) SendOption {
	return func(req *SendRequest) {
		req.ParentID = parentID
		req.parentSet = true
	}
}

// WithSystemPrompt passes a system prompt to the transport for this send.
func WithSystemPrompt(prompt string) SendOption {
	return func(req *SendRequest) {
		req.SystemPrompt = prompt
	}
}
