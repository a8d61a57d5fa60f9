package exchange

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store is the sole mutator of a Tree.
//
// All mutations funnel through a single mutex-guarded apply path, so there is
// never a partially-applied operation visible to anyone: every operation
// validates its preconditions in full before touching the tree, and a failed
// operation leaves the tree exactly as it was. Consumers read through
// Snapshot, which hands out deep clones.
type Store struct {
	mu   sync.Mutex
	tree *Tree
}

// NewStore creates a store owning a fresh, empty tree.
func NewStore() *Store {
	return &Store{tree: NewTree()}
}

// NewStoreWithTree creates a store owning the given tree, e.g. a snapshot
// fetched from the tree-load collaborator. The store takes ownership; the
// caller must not keep mutating the tree afterwards.
func NewStoreWithTree(t *Tree) *Store {
	if t == nil {
		t = NewTree()
	}
	return &Store{tree: t}
}

// Snapshot returns a deep clone of the current tree. Consumers may hold on to
// it indefinitely; it will never change under them.
func (s *Store) Snapshot() *Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Clone()
}

// Adopt replaces the store's tree wholesale.
func (s *Store) Adopt(t *Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = t
	log.Debug().Str("conversation_id", t.ID).Int("exchange_count", t.Len()).Msg("adopted tree")
}

// TreeID returns the id of the underlying conversation tree.
func (s *Store) TreeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.ID
}

// Insert adds an exchange to the tree.
//
// A parentless exchange becomes the root; inserting a second one fails with
// DuplicateRootError. Otherwise the parent must exist, and the new id is
// appended to the parent's children in insertion order. The first root insert
// also initializes the current path.
func (s *Store) Insert(node *ExchangeNode) error {
	if node == nil {
		return errors.New("cannot insert nil exchange")
	}
	if node.ID.IsNull() {
		return errors.New("cannot insert exchange with empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tree.Exchanges[node.ID]; exists {
		return &IDCollisionError{ID: node.ID}
	}
	if node.ParentID.IsNull() {
		if !s.tree.RootID.IsNull() {
			return &DuplicateRootError{ExistingRootID: s.tree.RootID, RejectedID: node.ID}
		}
	} else {
		if _, exists := s.tree.Exchanges[node.ParentID]; !exists {
			return &UnknownParentError{ParentID: node.ParentID, ChildID: node.ID}
		}
	}

	s.tree.Exchanges[node.ID] = node
	if node.ParentID.IsNull() {
		s.tree.RootID = node.ID
		s.tree.CurrentPath = []ExchangeID{node.ID}
	} else {
		parent := s.tree.Exchanges[node.ParentID]
		parent.ChildrenIDs = append(parent.ChildrenIDs, node.ID)
	}

	log.Debug().
		Str("exchange_id", node.ID.String()).
		Str("parent_id", node.ParentID.String()).
		Int("exchange_count", s.tree.Len()).
		Msg("inserted exchange")
	return nil
}

// ReplaceID renames an exchange in place, rewriting every occurrence of the
// old id: the node's own id, its entry in the parent's children, the parent
// pointer of its children, the root id, and the current path.
//
// This is a rename over the id table, not a delete and reinsert, so in-flight
// references are updated atomically. Renaming an id to itself is a no-op.
func (s *Store) ReplaceID(oldID, newID ExchangeID) error {
	if oldID == newID {
		return nil
	}
	if newID.IsNull() {
		return errors.New("cannot rename exchange to empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.tree.Exchanges[oldID]
	if !exists {
		return &UnknownNodeError{ID: oldID}
	}
	if _, exists := s.tree.Exchanges[newID]; exists {
		return &IDCollisionError{ID: newID}
	}

	delete(s.tree.Exchanges, oldID)
	node.ID = newID
	s.tree.Exchanges[newID] = node

	if !node.ParentID.IsNull() {
		if parent, exists := s.tree.Exchanges[node.ParentID]; exists {
			for i, childID := range parent.ChildrenIDs {
				if childID == oldID {
					parent.ChildrenIDs[i] = newID
				}
			}
		}
	}
	for _, childID := range node.ChildrenIDs {
		if child, exists := s.tree.Exchanges[childID]; exists {
			child.ParentID = newID
		}
	}
	if s.tree.RootID == oldID {
		s.tree.RootID = newID
	}
	for i, pathID := range s.tree.CurrentPath {
		if pathID == oldID {
			s.tree.CurrentPath[i] = newID
		}
	}

	log.Debug().
		Str("old_id", oldID.String()).
		Str("new_id", newID.String()).
		Msg("renamed exchange")
	return nil
}

// AppendAssistantContent concatenates a streamed fragment onto the assistant
// content of the given exchange. Appending an empty fragment is a no-op.
//
// A fragment arriving after the exchange was marked complete is discarded:
// cancellation can race the transport, and a late fragment must not reopen
// the node.
func (s *Store) AppendAssistantContent(id ExchangeID, fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.tree.Exchanges[id]
	if !exists {
		return &UnknownNodeError{ID: id}
	}
	if fragment == "" {
		return nil
	}
	if node.IsComplete {
		log.Debug().
			Str("exchange_id", id.String()).
			Int("fragment_len", len(fragment)).
			Msg("discarding fragment for completed exchange")
		return nil
	}

	node.AssistantContent += fragment
	return nil
}

// MarkComplete finalizes the assistant side of an exchange: IsComplete is set
// and the loading flag cleared. If finalContent is non-nil it replaces the
// accumulated assistant content, letting the server's authoritative final
// text win over incrementally assembled fragments.
//
// Completion is idempotent per exchange: marking an already complete exchange
// is a no-op, so a duplicate or late terminal event cannot reopen the node or
// overwrite what an interruption preserved.
func (s *Store) MarkComplete(id ExchangeID, finalContent *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.tree.Exchanges[id]
	if !exists {
		return &UnknownNodeError{ID: id}
	}
	if node.IsComplete {
		log.Debug().Str("exchange_id", id.String()).Msg("exchange already complete, ignoring")
		return nil
	}

	node.IsComplete = true
	node.AssistantLoading = false
	if finalContent != nil {
		node.AssistantContent = *finalContent
	}
	if node.AssistantSummary == "" && node.AssistantContent != "" {
		node.AssistantSummary = Summarize(node.AssistantContent)
	}

	log.Debug().
		Str("exchange_id", id.String()).
		Int("assistant_len", len(node.AssistantContent)).
		Bool("final_content_override", finalContent != nil).
		Msg("marked exchange complete")
	return nil
}

// SetAssistantLoading updates the loading flag of an exchange without
// touching content or completion state. Used when a generation fails: nothing
// is being generated anymore, but the node is deliberately not rolled back.
func (s *Store) SetAssistantLoading(id ExchangeID, loading bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.tree.Exchanges[id]
	if !exists {
		return &UnknownNodeError{ID: id}
	}
	node.AssistantLoading = loading
	return nil
}

// Delete removes an exchange and its entire descendant subtree atomically.
// The parent's children list is fixed up, and if the removed subtree
// contained any exchange on the current path, the path is truncated to the
// nearest surviving ancestor.
func (s *Store) Delete(id ExchangeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.tree.Exchanges[id]
	if !exists {
		return &UnknownNodeError{ID: id}
	}

	if !node.ParentID.IsNull() {
		if parent, exists := s.tree.Exchanges[node.ParentID]; exists {
			children := parent.ChildrenIDs[:0]
			for _, childID := range parent.ChildrenIDs {
				if childID != id {
					children = append(children, childID)
				}
			}
			parent.ChildrenIDs = children
		}
	}

	removed := make(map[ExchangeID]bool)
	stack := []ExchangeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if removed[cur] {
			continue
		}
		removed[cur] = true
		if n, exists := s.tree.Exchanges[cur]; exists {
			stack = append(stack, n.ChildrenIDs...)
			delete(s.tree.Exchanges, cur)
		}
	}

	if s.tree.RootID == id {
		s.tree.RootID = NullID
	}
	for i, pathID := range s.tree.CurrentPath {
		if removed[pathID] {
			s.tree.CurrentPath = s.tree.CurrentPath[:i]
			break
		}
	}

	log.Debug().
		Str("exchange_id", id.String()).
		Int("removed_count", len(removed)).
		Int("exchange_count", s.tree.Len()).
		Msg("deleted exchange subtree")
	return nil
}

// SwitchPath resolves the root-to-target path and installs it as the current
// path. Switching to the same target twice yields the same path, and no
// exchange content or completion state is touched.
func (s *Store) SwitchPath(targetID ExchangeID) ([]ExchangeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := ResolvePath(s.tree, targetID)
	if err != nil {
		return nil, err
	}
	s.tree.CurrentPath = path

	ret := make([]ExchangeID, len(path))
	copy(ret, path)
	return ret, nil
}

// InstallPath validates an externally supplied root-to-node path and installs
// it as the current path.
func (s *Store) InstallPath(path []ExchangeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ValidatePath(s.tree, path); err != nil {
		return err
	}
	s.tree.CurrentPath = make([]ExchangeID, len(path))
	copy(s.tree.CurrentPath, path)
	return nil
}

// CurrentPath returns a copy of the current root-to-node path.
func (s *Store) CurrentPath() []ExchangeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]ExchangeID, len(s.tree.CurrentPath))
	copy(ret, s.tree.CurrentPath)
	return ret
}

// PathTail returns the last id on the current path, or NullID.
func (s *Store) PathTail() ExchangeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.PathTail()
}

// Get returns a clone of the exchange with the given id.
func (s *Store) Get(id ExchangeID) (*ExchangeNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, exists := s.tree.Exchanges[id]
	if !exists {
		return nil, false
	}
	return node.Clone(), true
}

// ChildrenOf returns the ordered child ids of the given exchange, or nil if
// the exchange is not in the tree.
func (s *Store) ChildrenOf(id ExchangeID) []ExchangeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, exists := s.tree.Exchanges[id]
	if !exists || len(node.ChildrenIDs) == 0 {
		return nil
	}
	ret := make([]ExchangeID, len(node.ChildrenIDs))
	copy(ret, node.ChildrenIDs)
	return ret
}

// Leaves returns clones of all exchanges without children.
func (s *Store) Leaves() []*ExchangeNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []*ExchangeNode
	for _, node := range s.tree.Exchanges {
		if len(node.ChildrenIDs) == 0 {
			ret = append(ret, node.Clone())
		}
	}
	return ret
}

// DepthOf returns the depth of an exchange; the root has depth 0.
func (s *Store) DepthOf(id ExchangeID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := ResolvePath(s.tree, id)
	if err != nil {
		return 0, err
	}
	return len(path) - 1, nil
}

// IsInPath reports whether the exchange is on the current path.
func (s *Store) IsInPath(id ExchangeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pathID := range s.tree.CurrentPath {
		if pathID == id {
			return true
		}
	}
	return false
}

// CanBranchFrom reports whether new children may be created under the given
// exchange: its assistant side must be complete and not loading.
func (s *Store) CanBranchFrom(id ExchangeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, exists := s.tree.Exchanges[id]
	if !exists {
		return false
	}
	return node.IsComplete && !node.AssistantLoading
}
