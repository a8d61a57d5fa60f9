package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/acyhuang/chat-tree/pkg/exchange"
)

// sequencedTransport completes every stream immediately with a fresh server
// id and a canned reply.
type sequencedTransport struct {
	mu sync.Mutex
	n  int
}

var _ Transport = (*sequencedTransport)(nil)

func (s *sequencedTransport) StreamExchange(ctx context.Context, req StreamRequest, h StreamHandler) error {
	s.mu.Lock()
	s.n++
	serverID := exchange.ExchangeID(fmt.Sprintf("srv-%d", s.n))
	s.mu.Unlock()

	if err := h.ExchangeCreated(serverID); err != nil {
		return err
	}
	if err := h.ContentFragment("reply to " + req.UserContent); err != nil {
		return err
	}
	return h.Done(nil)
}

type fakeLoader struct {
	loadTree func(ctx context.Context, conversationID string) (*exchange.Tree, error)
	loadPath func(ctx context.Context, conversationID string, targetID exchange.ExchangeID) ([]exchange.ExchangeID, error)
}

var _ TreeLoader = (*fakeLoader)(nil)

func (f *fakeLoader) LoadTree(ctx context.Context, conversationID string) (*exchange.Tree, error) {
	return f.loadTree(ctx, conversationID)
}

func (f *fakeLoader) LoadPath(ctx context.Context, conversationID string, targetID exchange.ExchangeID) ([]exchange.ExchangeID, error) {
	return f.loadPath(ctx, conversationID, targetID)
}

// branchedTree builds root A with completed children B and C, current path
// [A, C].
func branchedTree(t *testing.T) *exchange.Tree {
	t.Helper()
	s := exchange.NewStore()
	seedCompleted(t, s, "A", exchange.NullID, "first question", "answer a")
	seedCompleted(t, s, "B", "A", "branch b", "answer b")
	seedCompleted(t, s, "C", "A", "branch c", "answer c")
	_, err := s.SwitchPath("C")
	require.NoError(t, err)
	return s.Snapshot()
}

func TestSwitchPathSelectsBranch(t *testing.T) {
	m := NewManager(&sequencedTransport{}, WithTree(branchedTree(t)))

	tree, err := m.SwitchPath("B")
	require.NoError(t, err)
	require.Equal(t, []exchange.ExchangeID{"A", "B"}, tree.CurrentPath)

	// a failed switch leaves the path alone
	_, err = m.SwitchPath("missing")
	var unknownErr *exchange.UnknownNodeError
	require.ErrorAs(t, err, &unknownErr)
	require.Equal(t, []exchange.ExchangeID{"A", "B"}, m.Snapshot().CurrentPath)
}

func TestSendMessageDefaultsToPathTail(t *testing.T) {
	m := NewManager(&sequencedTransport{}, WithTree(branchedTree(t)))

	tree, err := m.SendMessage(context.Background(), "continue here")
	require.NoError(t, err)

	c, _ := tree.Get("C")
	require.Equal(t, []exchange.ExchangeID{"srv-1"}, c.ChildrenIDs)
	require.Equal(t, []exchange.ExchangeID{"A", "C", "srv-1"}, tree.CurrentPath)

	node, _ := tree.Get("srv-1")
	require.Equal(t, "continue here", node.UserContent)
	require.Equal(t, "reply to continue here", node.AssistantContent)
	require.True(t, node.IsComplete)
	require.Nil(t, m.Err())
}

func TestSendMessageWithParentBranches(t *testing.T) {
	m := NewManager(&sequencedTransport{}, WithTree(branchedTree(t)))

	tree, err := m.SendMessage(context.Background(), "third branch", WithParent("A"))
	require.NoError(t, err)

	a, _ := tree.Get("A")
	require.Equal(t, []exchange.ExchangeID{"B", "C", "srv-1"}, a.ChildrenIDs)
	require.Equal(t, []exchange.ExchangeID{"A", "srv-1"}, tree.CurrentPath)
}

func TestSendMessageBranchGuards(t *testing.T) {
	tree := branchedTree(t)
	store := exchange.NewStoreWithTree(tree)
	pending := exchange.NewExchange("still generating", exchange.WithID("P"), exchange.WithParentID("C"))
	pending.AssistantLoading = true
	require.NoError(t, store.Insert(pending))
	m := NewManager(&sequencedTransport{}, WithTree(store.Snapshot()))

	_, err := m.SendMessage(context.Background(), "too early", WithParent("P"))
	require.ErrorIs(t, err, ErrBranchFromIncomplete)

	_, err = m.SendMessage(context.Background(), "nowhere", WithParent("missing"))
	var unknownErr *exchange.UnknownNodeError
	require.ErrorAs(t, err, &unknownErr)

	// neither attempt created a node
	require.Equal(t, 4, m.Snapshot().Len())
}

func TestSendMessageExplicitRoot(t *testing.T) {
	m := NewManager(&sequencedTransport{})

	tree, err := m.SendMessage(context.Background(), "first", WithParent(exchange.NullID))
	require.NoError(t, err)
	require.Equal(t, exchange.ExchangeID("srv-1"), tree.RootID)

	// the tree already has a root; an explicit null parent now collides
	_, err = m.SendMessage(context.Background(), "usurper", WithParent(exchange.NullID))
	var dupErr *exchange.DuplicateRootError
	require.ErrorAs(t, err, &dupErr)
}

func TestSendMessageFailureSurfacesError(t *testing.T) {
	boom := errors.New("transport down")
	ft := &fakeTransport{}
	ft.run = func(ctx context.Context, req StreamRequest, h StreamHandler) error {
		return boom
	}
	m := NewManager(ft)

	tree, err := m.SendMessage(context.Background(), "doomed")
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, m.Err(), boom)

	// the failed provisional node is kept, visible and no longer loading
	failedID := tree.RootID
	require.True(t, failedID.IsProvisional())
	node, exists := tree.Get(failedID)
	require.True(t, exists)
	require.False(t, node.IsComplete)
	require.False(t, node.AssistantLoading)

	// after clearing the failed turn a retry goes through and resets the error
	_, err = m.DeleteExchange(failedID)
	require.NoError(t, err)
	ft.run = func(ctx context.Context, req StreamRequest, h StreamHandler) error {
		if err := h.ExchangeCreated("srv-1"); err != nil {
			return err
		}
		return h.Done(nil)
	}
	_, err = m.SendMessage(context.Background(), "retry")
	require.NoError(t, err)
	require.Nil(t, m.Err())
}

func TestClearError(t *testing.T) {
	ft := &fakeTransport{run: func(ctx context.Context, req StreamRequest, h StreamHandler) error {
		return errors.New("boom")
	}}
	m := NewManager(ft)

	_, err := m.SendMessage(context.Background(), "doomed")
	require.Error(t, err)
	require.Error(t, m.Err())

	m.ClearError()
	require.Nil(t, m.Err())
}

func TestStopGenerationInterruptsSend(t *testing.T) {
	fragmentSent := make(chan struct{})
	ft := &fakeTransport{run: func(ctx context.Context, req StreamRequest, h StreamHandler) error {
		if err := h.ExchangeCreated("srv-1"); err != nil {
			return err
		}
		if err := h.ContentFragment("par"); err != nil {
			return err
		}
		close(fragmentSent)
		<-ctx.Done()
		return ctx.Err()
	}}
	m := NewManager(ft)

	go func() {
		<-fragmentSent
		m.StopGeneration()
	}()

	tree, err := m.SendMessage(context.Background(), "interrupt me")
	require.NoError(t, err)

	node, exists := tree.Get("srv-1")
	require.True(t, exists)
	require.Equal(t, "par", node.AssistantContent)
	require.True(t, node.IsComplete)
	require.Nil(t, m.Err())
}

func TestStopGenerationIsNoopWhenIdle(t *testing.T) {
	m := NewManager(&sequencedTransport{})
	m.StopGeneration()
	require.Nil(t, m.Err())
	require.False(t, m.IsLoading())
}

func TestIsLoadingDuringGeneration(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ft := &fakeTransport{run: func(ctx context.Context, req StreamRequest, h StreamHandler) error {
		close(started)
		<-release
		if err := h.ExchangeCreated("srv-1"); err != nil {
			return err
		}
		return h.Done(nil)
	}}
	m := NewManager(ft)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.SendMessage(context.Background(), "slow")
		require.NoError(t, err)
	}()
	<-started
	require.True(t, m.IsLoading())
	close(release)
	<-done
	require.False(t, m.IsLoading())
}

func TestLoadConversation(t *testing.T) {
	loaded := branchedTree(t)
	loader := &fakeLoader{
		loadTree: func(_ context.Context, conversationID string) (*exchange.Tree, error) {
			require.Equal(t, loaded.ID, conversationID)
			return loaded, nil
		},
	}
	m := NewManager(&sequencedTransport{}, WithManagerLoader(loader))

	tree, err := m.LoadConversation(context.Background(), loaded.ID)
	require.NoError(t, err)
	require.Equal(t, loaded.ID, m.ConversationID())
	require.Equal(t, 3, tree.Len())
	require.Equal(t, []exchange.ExchangeID{"A", "C"}, tree.CurrentPath)
}

func TestLoadConversationWithoutLoader(t *testing.T) {
	m := NewManager(&sequencedTransport{})
	_, err := m.LoadConversation(context.Background(), "any")
	require.ErrorIs(t, err, ErrNoLoader)
}

func TestLoadConversationFailureSurfacesError(t *testing.T) {
	boom := errors.New("backend unavailable")
	loader := &fakeLoader{
		loadTree: func(_ context.Context, _ string) (*exchange.Tree, error) {
			return nil, boom
		},
	}
	m := NewManager(&sequencedTransport{}, WithManagerLoader(loader))

	_, err := m.LoadConversation(context.Background(), "any")
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, m.Err(), boom)
}

func TestLoadConversationBlockedWhileGenerating(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ft := &fakeTransport{run: func(ctx context.Context, req StreamRequest, h StreamHandler) error {
		close(started)
		<-release
		if err := h.ExchangeCreated("srv-1"); err != nil {
			return err
		}
		return h.Done(nil)
	}}
	loader := &fakeLoader{
		loadTree: func(_ context.Context, _ string) (*exchange.Tree, error) {
			return branchedTree(t), nil
		},
	}
	m := NewManager(ft, WithManagerLoader(loader))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.SendMessage(context.Background(), "busy")
		require.NoError(t, err)
	}()
	<-started

	_, err := m.LoadConversation(context.Background(), "other")
	require.ErrorIs(t, err, ErrGenerationActive)

	close(release)
	<-done
}

func TestSwitchPathRemote(t *testing.T) {
	loader := &fakeLoader{
		loadPath: func(_ context.Context, _ string, targetID exchange.ExchangeID) ([]exchange.ExchangeID, error) {
			require.Equal(t, exchange.ExchangeID("B"), targetID)
			return []exchange.ExchangeID{"A", "B"}, nil
		},
	}
	m := NewManager(&sequencedTransport{}, WithTree(branchedTree(t)), WithManagerLoader(loader))

	tree, err := m.SwitchPathRemote(context.Background(), "B")
	require.NoError(t, err)
	require.Equal(t, []exchange.ExchangeID{"A", "B"}, tree.CurrentPath)
}

func TestSwitchPathRemoteRejectsInvalidPath(t *testing.T) {
	loader := &fakeLoader{
		loadPath: func(_ context.Context, _ string, _ exchange.ExchangeID) ([]exchange.ExchangeID, error) {
			return []exchange.ExchangeID{"B"}, nil
		},
	}
	m := NewManager(&sequencedTransport{}, WithTree(branchedTree(t)), WithManagerLoader(loader))

	_, err := m.SwitchPathRemote(context.Background(), "B")
	var invalidErr *exchange.InvalidPathError
	require.ErrorAs(t, err, &invalidErr)
	require.Equal(t, []exchange.ExchangeID{"A", "C"}, m.Snapshot().CurrentPath)
}

func TestDeleteExchangeTruncatesPath(t *testing.T) {
	m := NewManager(&sequencedTransport{}, WithTree(branchedTree(t)))

	tree, err := m.DeleteExchange("C")
	require.NoError(t, err)
	require.Equal(t, 2, tree.Len())
	require.Equal(t, []exchange.ExchangeID{"A"}, tree.CurrentPath)
}

func TestPathToExchange(t *testing.T) {
	m := NewManager(&sequencedTransport{}, WithTree(branchedTree(t)))

	path, nodes, err := m.PathToExchange("B")
	require.NoError(t, err)
	require.Equal(t, []exchange.ExchangeID{"A", "B"}, path)
	require.Len(t, nodes, 2)
	require.Equal(t, "first question", nodes[0].UserContent)
	require.Equal(t, "branch b", nodes[1].UserContent)

	_, _, err = m.PathToExchange("missing")
	var unknownErr *exchange.UnknownNodeError
	require.ErrorAs(t, err, &unknownErr)
}

func TestCreateConversationSendsSeed(t *testing.T) {
	m, err := CreateConversation(context.Background(), "hello", &sequencedTransport{})
	require.NoError(t, err)
	require.Equal(t, 1, m.Snapshot().Len())

	empty, err := CreateConversation(context.Background(), "", &sequencedTransport{})
	require.NoError(t, err)
	require.True(t, empty.Snapshot().IsEmpty())
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	m1, err := CreateConversation(context.Background(), "one", &sequencedTransport{})
	require.NoError(t, err)
	m2 := NewManager(&sequencedTransport{}, WithTree(branchedTree(t)))
	registry.Add(m1)
	registry.Add(m2)

	got, exists := registry.Get(m1.ConversationID())
	require.True(t, exists)
	require.Equal(t, m1.ConversationID(), got.ConversationID())
	require.Len(t, registry.List(), 2)

	stats := registry.Stats()
	require.Equal(t, 2, stats.Conversations)
	require.Equal(t, 4, stats.Exchanges)

	require.True(t, registry.Remove(m1.ConversationID()))
	require.False(t, registry.Remove(m1.ConversationID()))
	_, exists = registry.Get(m1.ConversationID())
	require.False(t, exists)
}
