package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/acyhuang/chat-tree/pkg/events"
	"github.com/acyhuang/chat-tree/pkg/exchange"
)

var (
	// ErrBranchFromIncomplete is returned when a send targets a parent whose
	// assistant side has not finished yet. Branching requires a finished
	// exchange; the guard lives here, the store stays permissive.
	ErrBranchFromIncomplete = errors.New("cannot branch from an incomplete exchange")
	// ErrNoLoader is returned by operations that need the tree-load
	// collaborator when none was configured.
	ErrNoLoader = errors.New("no tree loader configured")
)

// ManagerImpl is the default Manager implementation: one store, one
// reconciler, one conversation.
type ManagerImpl struct {
	store      *exchange.Store
	reconciler *Reconciler
	loader     TreeLoader

	mu      sync.Mutex
	lastErr error
}

var _ Manager = (*ManagerImpl)(nil)

type ManagerOption func(*managerConfig)

type managerConfig struct {
	tree      *exchange.Tree
	persister Persister
	publisher *events.PublisherManager
	sinks     []events.EventSink
	loader    TreeLoader
}

// WithTree starts the manager from an existing tree instead of an empty one.
func WithTree(t *exchange.Tree) ManagerOption {
	return func(c *managerConfig) {
		c.tree = t
	}
}

func WithManagerPersister(p Persister) ManagerOption {
	return func(c *managerConfig) {
		c.persister = p
	}
}

func WithManagerPublisher(pm *events.PublisherManager) ManagerOption {
	return func(c *managerConfig) {
		c.publisher = pm
	}
}

func WithManagerSink(sink events.EventSink) ManagerOption {
	return func(c *managerConfig) {
		c.sinks = append(c.sinks, sink)
	}
}

func WithManagerLoader(l TreeLoader) ManagerOption {
	return func(c *managerConfig) {
		c.loader = l
	}
}

// NewManager creates a manager for a new, empty conversation.
func NewManager(transport Transport, options ...ManagerOption) *ManagerImpl {
	cfg := &managerConfig{
		persister: NewNullPersister(),
	}
	for _, option := range options {
		option(cfg)
	}

	var store *exchange.Store
	if cfg.tree != nil {
		store = exchange.NewStoreWithTree(cfg.tree)
	} else {
		store = exchange.NewStore()
	}

	reconcilerOptions := []ReconcilerOption{WithPersister(cfg.persister)}
	if cfg.publisher != nil {
		reconcilerOptions = append(reconcilerOptions, WithPublisher(cfg.publisher))
	}
	for _, sink := range cfg.sinks {
		reconcilerOptions = append(reconcilerOptions, WithSink(sink))
	}

	return &ManagerImpl{
		store:      store,
		reconciler: NewReconciler(store, transport, reconcilerOptions...),
		loader:     cfg.loader,
	}
}

// CreateConversation initializes a new conversation, optionally sending a
// seed message through it before returning.
func CreateConversation(ctx context.Context, seedMessage string, transport Transport, options ...ManagerOption) (*ManagerImpl, error) {
	m := NewManager(transport, options...)
	if seedMessage != "" {
		if _, err := m.SendMessage(ctx, seedMessage); err != nil {
			return m, err
		}
	}
	return m, nil
}

func (m *ManagerImpl) ConversationID() string {
	return m.store.TreeID()
}

func (m *ManagerImpl) Snapshot() *exchange.Tree {
	return m.store.Snapshot()
}

func (m *ManagerImpl) SendMessage(ctx context.Context, text string, options ...SendOption) (*exchange.Tree, error) {
	req := SendRequest{UserContent: text}
	for _, option := range options {
		option(&req)
	}
	if !req.parentSet {
		req.ParentID = m.store.PathTail()
	}

	if !req.ParentID.IsNull() {
		parent, exists := m.store.Get(req.ParentID)
		if !exists {
			return m.store.Snapshot(), &exchange.UnknownNodeError{ID: req.ParentID}
		}
		if !parent.IsComplete || parent.AssistantLoading {
			return m.store.Snapshot(), ErrBranchFromIncomplete
		}
	}

	handle, err := m.reconciler.StartExchange(ctx, req)
	if err != nil {
		return m.store.Snapshot(), err
	}

	if err := handle.Wait(); err != nil {
		m.setErr(err)
		return m.store.Snapshot(), err
	}

	m.clearErr()
	return m.store.Snapshot(), nil
}

func (m *ManagerImpl) SwitchPath(targetID exchange.ExchangeID) (*exchange.Tree, error) {
	if _, err := m.store.SwitchPath(targetID); err != nil {
		return m.store.Snapshot(), err
	}
	return m.store.Snapshot(), nil
}

func (m *ManagerImpl) SwitchPathRemote(ctx context.Context, targetID exchange.ExchangeID) (*exchange.Tree, error) {
	if m.loader == nil {
		return m.store.Snapshot(), ErrNoLoader
	}
	path, err := m.loader.LoadPath(ctx, m.ConversationID(), targetID)
	if err != nil {
		m.setErr(err)
		return m.store.Snapshot(), errors.Wrap(err, "failed to load path")
	}
	if err := m.store.InstallPath(path); err != nil {
		return m.store.Snapshot(), err
	}
	m.clearErr()
	return m.store.Snapshot(), nil
}

func (m *ManagerImpl) LoadConversation(ctx context.Context, conversationID string) (*exchange.Tree, error) {
	if m.loader == nil {
		return m.store.Snapshot(), ErrNoLoader
	}
	if m.reconciler.InFlight() {
		return m.store.Snapshot(), ErrGenerationActive
	}
	tree, err := m.loader.LoadTree(ctx, conversationID)
	if err != nil {
		m.setErr(err)
		return m.store.Snapshot(), errors.Wrap(err, "failed to load conversation")
	}
	m.store.Adopt(tree)
	m.clearErr()
	log.Info().Str("conversation_id", conversationID).Int("exchange_count", tree.Len()).Msg("loaded conversation")
	return m.store.Snapshot(), nil
}

// StopGeneration interrupts the in-flight exchange; it is a no-op when
// nothing is being generated.
func (m *ManagerImpl) StopGeneration() {
	err := m.reconciler.Interrupt()
	if err != nil && !errors.Is(err, ErrNoActiveGeneration) {
		m.setErr(err)
	}
}

func (m *ManagerImpl) DeleteExchange(id exchange.ExchangeID) (*exchange.Tree, error) {
	if err := m.store.Delete(id); err != nil {
		return m.store.Snapshot(), err
	}
	return m.store.Snapshot(), nil
}

func (m *ManagerImpl) PathToExchange(id exchange.ExchangeID) ([]exchange.ExchangeID, []*exchange.ExchangeNode, error) {
	tree := m.store.Snapshot()
	path, err := exchange.ResolvePath(tree, id)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]*exchange.ExchangeNode, 0, len(path))
	for _, pathID := range path {
		if node, exists := tree.Get(pathID); exists {
			nodes = append(nodes, node)
		}
	}
	return path, nodes, nil
}

func (m *ManagerImpl) IsLoading() bool {
	return m.reconciler.InFlight()
}

func (m *ManagerImpl) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *ManagerImpl) ClearError() {
	m.clearErr()
}

func (m *ManagerImpl) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *ManagerImpl) clearErr() {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
}
