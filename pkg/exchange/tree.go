package exchange

import (
	"time"

	"github.com/google/uuid"
)

// Tree represents the conversation graph for one conversation.
//
// Exchanges are connected through their ParentID field; each exchange also
// carries the ordered ids of its children, kept mutually consistent with the
// parent pointers by the Store. CurrentPath is the root-to-node sequence of
// ids currently displayed as the active conversation context.
//
// A Tree starts empty (no root). It gains its root when the first parentless
// exchange is inserted.
type Tree struct {
	ID          string                   `json:"id"`
	Exchanges   map[ExchangeID]*ExchangeNode `json:"exchanges"`
	RootID      ExchangeID               `json:"rootID"`
	CurrentPath []ExchangeID             `json:"currentPath"`
	Metadata    map[string]interface{}   `json:"metadata"`
}

func NewTree() *Tree {
	return &Tree{
		ID:        uuid.NewString(),
		Exchanges: make(map[ExchangeID]*ExchangeNode),
		Metadata: map[string]interface{}{
			"createdAt": time.Now().Format(time.RFC3339),
		},
	}
}

// Get returns the exchange with the given id, if present.
func (t *Tree) Get(id ExchangeID) (*ExchangeNode, bool) {
	ret, exists := t.Exchanges[id]
	return ret, exists
}

// Len returns the number of exchanges in the tree.
func (t *Tree) Len() int {
	return len(t.Exchanges)
}

// IsEmpty reports whether the tree has no exchanges yet.
func (t *Tree) IsEmpty() bool {
	return len(t.Exchanges) == 0
}

// Clone returns a deep copy of the tree. Snapshots handed to consumers are
// always clones, so in-place mutation by a consumer cannot corrupt the
// canonical tree.
func (t *Tree) Clone() *Tree {
	ret := &Tree{
		ID:        t.ID,
		Exchanges: make(map[ExchangeID]*ExchangeNode, len(t.Exchanges)),
		RootID:    t.RootID,
	}
	for id, node := range t.Exchanges {
		ret.Exchanges[id] = node.Clone()
	}
	if t.CurrentPath != nil {
		ret.CurrentPath = make([]ExchangeID, len(t.CurrentPath))
		copy(ret.CurrentPath, t.CurrentPath)
	}
	if t.Metadata != nil {
		ret.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			ret.Metadata[k] = v
		}
	}
	return ret
}

// PathTail returns the last id on the current path, or NullID if the path is
// empty. Sending a message without an explicit parent branches from here.
func (t *Tree) PathTail() ExchangeID {
	if len(t.CurrentPath) == 0 {
		return NullID
	}
	return t.CurrentPath[len(t.CurrentPath)-1]
}
