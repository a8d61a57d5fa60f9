package exchange

import (
	"fmt"
)

// ResolvePath computes the ordered root-to-target path by walking ParentID
// pointers backward from the target and reversing.
//
// The walk is capped at the number of exchanges in the tree: a parent chain
// that does not terminate at the root within that many steps means the tree
// is corrupt (a cycle, or a dangling parent pointer), and a CorruptTreeError
// is returned instead of looping forever.
//
// ResolvePath is a pure query. It never alters the tree.
func ResolvePath(t *Tree, targetID ExchangeID) ([]ExchangeID, error) {
	node, exists := t.Exchanges[targetID]
	if !exists {
		return nil, &UnknownNodeError{ID: targetID}
	}

	limit := len(t.Exchanges)
	path := make([]ExchangeID, 0, 8)
	steps := 0
	for cur := node; ; {
		path = append(path, cur.ID)
		if cur.ParentID.IsNull() {
			if cur.ID != t.RootID {
				return nil, &CorruptTreeError{
					StartID: targetID,
					Reason:  fmt.Sprintf("parent chain ends at %s, which is not the root %s", cur.ID, t.RootID),
				}
			}
			break
		}
		steps++
		if steps >= limit {
			return nil, &CorruptTreeError{
				StartID: targetID,
				Reason:  fmt.Sprintf("parent chain did not reach the root within %d steps", limit),
			}
		}
		parent, exists := t.Exchanges[cur.ParentID]
		if !exists {
			return nil, &CorruptTreeError{
				StartID: targetID,
				Reason:  fmt.Sprintf("exchange %s points at missing parent %s", cur.ID, cur.ParentID),
			}
		}
		cur = parent
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// ValidatePath checks a path supplied by an external source (e.g. the
// tree-load collaborator) against the tree: it must start at the root and
// each consecutive pair must satisfy the parent/child relation. An empty path
// is only valid for an empty tree.
func ValidatePath(t *Tree, path []ExchangeID) error {
	if len(path) == 0 {
		if !t.IsEmpty() {
			return &InvalidPathError{Reason: "empty path for a non-empty tree"}
		}
		return nil
	}
	if path[0] != t.RootID {
		return &InvalidPathError{Reason: fmt.Sprintf("path starts at %s, root is %s", path[0], t.RootID)}
	}
	prev := NullID
	for _, id := range path {
		node, exists := t.Exchanges[id]
		if !exists {
			return &UnknownNodeError{ID: id}
		}
		if node.ParentID != prev {
			return &InvalidPathError{
				Reason: fmt.Sprintf("exchange %s has parent %s, path expects %s", id, node.ParentID, prev),
			}
		}
		prev = id
	}
	return nil
}
