package exchange

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExchangeID identifies a single exchange within a tree. IDs are opaque
// strings: the server assigns the durable value, while nodes created
// optimistically on the client carry a provisional id until the server
// confirms one (see ReplaceID on the Store).
type ExchangeID string

// NullID is the zero ExchangeID. It is used as the parent of the root
// exchange, the same way a null parent pointer would be.
var NullID ExchangeID = ""

func (id ExchangeID) String() string {
	return string(id)
}

// IsNull reports whether the id is the null sentinel.
func (id ExchangeID) IsNull() bool {
	return id == NullID
}

const provisionalPrefix = "prov-"

// NewProvisionalID returns a locally-unique temporary id for an exchange
// that has not been confirmed by the server yet.
func NewProvisionalID() ExchangeID {
	return ExchangeID(provisionalPrefix + uuid.NewString())
}

// IsProvisional reports whether the id was generated locally by
// NewProvisionalID rather than assigned by the server.
func (id ExchangeID) IsProvisional() bool {
	return strings.HasPrefix(string(id), provisionalPrefix)
}

// ExchangeNode is one user turn paired with its (possibly absent) assistant
// reply. It is the atomic unit of the conversation tree: branching creates
// multiple children of the same parent exchange.
type ExchangeNode struct {
	ID               ExchangeID             `json:"id"`
	UserContent      string                 `json:"userContent"`
	UserSummary      string                 `json:"userSummary"`
	AssistantContent string                 `json:"assistantContent"`
	AssistantSummary string                 `json:"assistantSummary,omitempty"`
	AssistantLoading bool                   `json:"assistantLoading"`
	IsComplete       bool                   `json:"isComplete"`
	ParentID         ExchangeID             `json:"parentID"`
	ChildrenIDs      []ExchangeID           `json:"childrenIDs"`
	Metadata         map[string]interface{} `json:"metadata"`
}

type ExchangeOption func(*ExchangeNode)

func WithID(id ExchangeID) ExchangeOption {
	return func(e *ExchangeNode) {
		e.ID = id
	}
}

func WithParentID(parentID ExchangeID) ExchangeOption {
	return func(e *ExchangeNode) {
		e.ParentID = parentID
	}
}

func WithUserSummary(summary string) ExchangeOption {
	return func(e *ExchangeNode) {
		e.UserSummary = summary
	}
}

func WithMetadata(metadata map[string]interface{}) ExchangeOption {
	return func(e *ExchangeNode) {
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
}

func WithTimestamp(t time.Time) ExchangeOption {
	return func(e *ExchangeNode) {
		e.Metadata["timestamp"] = t.Format(time.RFC3339)
	}
}

// NewExchange creates an exchange for the given user message. The id defaults
// to a provisional one, the user summary is derived from the content when not
// supplied, and a creation timestamp is recorded in the metadata.
func NewExchange(userContent string, options ...ExchangeOption) *ExchangeNode {
	ret := &ExchangeNode{
		ID:          NewProvisionalID(),
		UserContent: userContent,
		Metadata:    map[string]interface{}{},
	}

	for _, option := range options {
		option(ret)
	}

	if _, ok := ret.Metadata["timestamp"]; !ok {
		ret.Metadata["timestamp"] = time.Now().Format(time.RFC3339)
	}
	if ret.UserSummary == "" {
		ret.UserSummary = Summarize(ret.UserContent)
	}

	return ret
}

const summaryRuneLimit = 50

// Summarize derives a short display label from a message: the first 50 runes,
// with an ellipsis when the message is longer.
func Summarize(content string) string {
	runes := []rune(content)
	if len(runes) <= summaryRuneLimit {
		return content
	}
	return string(runes[:summaryRuneLimit]) + "..."
}

// Clone returns a deep copy of the node. Children ids and metadata are
// copied so the clone shares no mutable state with the original.
func (e *ExchangeNode) Clone() *ExchangeNode {
	ret := *e
	if e.ChildrenIDs != nil {
		ret.ChildrenIDs = make([]ExchangeID, len(e.ChildrenIDs))
		copy(ret.ChildrenIDs, e.ChildrenIDs)
	}
	if e.Metadata != nil {
		ret.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			ret.Metadata[k] = v
		}
	}
	return &ret
}
