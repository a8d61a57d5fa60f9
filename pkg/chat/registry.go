package chat

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry is an in-memory map of conversation id to Manager. The engine is
// deliberately memory-resident: everything here is lost when the process
// exits.
type Registry struct {
	mu            sync.Mutex
	conversations map[string]Manager
}

func NewRegistry() *Registry {
	return &Registry{
		conversations: make(map[string]Manager),
	}
}

// Add registers a manager under its conversation id.
func (r *Registry) Add(m Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[m.ConversationID()] = m
	log.Debug().Str("conversation_id", m.ConversationID()).Msg("registered conversation")
}

// Get returns the manager for a conversation id, if present.
func (r *Registry) Get(conversationID string) (Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, exists := r.conversations[conversationID]
	return m, exists
}

// Remove deletes a conversation. Returns whether it existed.
func (r *Registry) Remove(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conversations[conversationID]; !exists {
		return false
	}
	delete(r.conversations, conversationID)
	log.Debug().Str("conversation_id", conversationID).Msg("removed conversation")
	return true
}

// List returns all registered conversation ids.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]string, 0, len(r.conversations))
	for id := range r.conversations {
		ret = append(ret, id)
	}
	return ret
}

// Stats summarizes the registry contents.
type Stats struct {
	Conversations int `json:"total_conversations"`
	Exchanges     int `json:"total_exchanges"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := Stats{Conversations: len(r.conversations)}
	for _, m := range r.conversations {
		ret.Exchanges += m.Snapshot().Len()
	}
	return ret
}
