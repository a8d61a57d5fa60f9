package exchange

import "fmt"

// Structural tree violations indicate a programming error in the caller.
// They are returned immediately and never swallowed; the offending operation
// leaves the tree untouched.

// DuplicateRootError is returned when inserting a parentless exchange into a
// tree that already has a root.
type DuplicateRootError struct {
	ExistingRootID ExchangeID
	RejectedID     ExchangeID
}

func (e *DuplicateRootError) Error() string {
	return fmt.Sprintf("tree already has root %s, cannot insert second root %s", e.ExistingRootID, e.RejectedID)
}

// UnknownParentError is returned when inserting an exchange whose parent is
// not in the tree.
type UnknownParentError struct {
	ParentID ExchangeID
	ChildID  ExchangeID
}

func (e *UnknownParentError) Error() string {
	return fmt.Sprintf("parent %s of exchange %s not found in tree", e.ParentID, e.ChildID)
}

// UnknownNodeError is returned when an operation references an exchange id
// that is not in the tree.
type UnknownNodeError struct {
	ID ExchangeID
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("exchange %s not found in tree", e.ID)
}

// IDCollisionError is returned when an insert or rename would give two
// exchanges the same id.
type IDCollisionError struct {
	ID ExchangeID
}

func (e *IDCollisionError) Error() string {
	return fmt.Sprintf("exchange id %s already present in tree", e.ID)
}

// CorruptTreeError signals a broken parent chain: a cycle, or a parent
// pointer to a node that does not exist. This is a defensive invariant check,
// not an expected runtime path.
type CorruptTreeError struct {
	StartID ExchangeID
	Reason  string
}

func (e *CorruptTreeError) Error() string {
	return fmt.Sprintf("corrupt tree walking up from %s: %s", e.StartID, e.Reason)
}

// InvalidPathError is returned when an externally supplied path does not
// describe a root-to-node chain in the tree.
type InvalidPathError struct {
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path: %s", e.Reason)
}
