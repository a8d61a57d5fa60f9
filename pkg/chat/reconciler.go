package chat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/acyhuang/chat-tree/pkg/events"
	"github.com/acyhuang/chat-tree/pkg/exchange"
)

// StreamState is the lifecycle state of one in-flight exchange.
type StreamState string

const (
	StreamStateIdle               StreamState = "idle"
	StreamStateProvisionalCreated StreamState = "provisional-created"
	StreamStateServerIDAssigned   StreamState = "server-id-assigned"
	StreamStateStreaming          StreamState = "streaming"
	StreamStateCompleted          StreamState = "completed"
	StreamStateInterrupted        StreamState = "interrupted"
	StreamStateFailed             StreamState = "failed"
)

// IsTerminal reports whether the state is one of the three terminal ones.
func (s StreamState) IsTerminal() bool {
	switch s {
	case StreamStateCompleted, StreamStateInterrupted, StreamStateFailed:
		return true
	case StreamStateIdle, StreamStateProvisionalCreated, StreamStateServerIDAssigned, StreamStateStreaming:
		return false
	}
	return false
}

var (
	ErrGenerationActive    = errors.New("a generation is already in flight for this conversation")
	ErrNoActiveGeneration  = errors.New("no generation in flight")
	ErrDuplicateServerID   = errors.New("server id already confirmed for this exchange")
	ErrStreamNotTerminated = errors.New("transport closed the stream without done or error")
)

// ExchangeHandle represents one in-flight exchange. It is waitable; the
// exchange id it reports moves from the provisional id to the server-assigned
// one once the upstream confirms it.
type ExchangeHandle struct {
	done chan struct{}

	mu         sync.Mutex
	exchangeID exchange.ExchangeID
	state      StreamState
	err        error
}

func newExchangeHandle(id exchange.ExchangeID) *ExchangeHandle {
	return &ExchangeHandle{
		done:       make(chan struct{}),
		exchangeID: id,
		state:      StreamStateProvisionalCreated,
	}
}

// ExchangeID returns the current id of the exchange being generated.
func (h *ExchangeHandle) ExchangeID() exchange.ExchangeID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exchangeID
}

// State returns the current lifecycle state.
func (h *ExchangeHandle) State() StreamState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsRunning reports whether the exchange has not reached a terminal state.
func (h *ExchangeHandle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the exchange reaches a terminal state. It returns nil for
// Completed and Interrupted (partial content is preserved, not an error) and
// the surfaced error for Failed.
func (h *ExchangeHandle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *ExchangeHandle) set(id exchange.ExchangeID, state StreamState) {
	h.mu.Lock()
	h.exchangeID = id
	h.state = state
	h.mu.Unlock()
}

func (h *ExchangeHandle) finish(state StreamState, err error) {
	h.mu.Lock()
	h.state = state
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// inflight is the single in-flight-exchange record. Holding the current
// exchange id, state and cancel function here (tagged per exchange) makes
// at-most-one-in-flight an explicit invariant of the Reconciler instead of a
// property of shared globals.
type inflight struct {
	handle          *ExchangeHandle
	exchangeID      exchange.ExchangeID
	state           StreamState
	serverConfirmed bool
	cancel          context.CancelFunc
	meta            events.EventMetadata
}

// Reconciler manages the lifecycle of one in-flight exchange against the
// store: it creates the provisional node, renames it once the server id is
// known, applies content fragments in arrival order, and finalizes the node
// on completion, interruption or failure.
//
// At most one exchange may be in a non-terminal state at a time; starting a
// second one fails with ErrGenerationActive.
type Reconciler struct {
	store     *exchange.Store
	transport Transport
	persister Persister
	publisher *events.PublisherManager
	sinks     []events.EventSink

	persistTimeout time.Duration

	mu sync.Mutex
	fl *inflight
}

type ReconcilerOption func(*Reconciler)

func WithPersister(p Persister) ReconcilerOption {
	return func(r *Reconciler) {
		r.persister = p
	}
}

func WithPublisher(pm *events.PublisherManager) ReconcilerOption {
	return func(r *Reconciler) {
		r.publisher = pm
	}
}

// WithSink registers an additional event sink; every stream event goes to all
// sinks as well as the publisher.
func WithSink(sink events.EventSink) ReconcilerOption {
	return func(r *Reconciler) {
		r.sinks = append(r.sinks, sink)
	}
}

func WithPersistTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.persistTimeout = d
	}
}

func NewReconciler(store *exchange.Store, transport Transport, options ...ReconcilerOption) *Reconciler {
	ret := &Reconciler{
		store:          store,
		transport:      transport,
		persister:      NewNullPersister(),
		persistTimeout: 5 * time.Second,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// InFlight reports whether an exchange is currently in a non-terminal state.
func (r *Reconciler) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fl != nil
}

// publish distributes an event to the publisher and every registered sink.
// Event distribution is observability, not state: failures are logged and
// never propagate into the stream lifecycle.
func (r *Reconciler) publish(ev events.Event) {
	r.publisher.PublishBlind(ev)
	for _, sink := range r.sinks {
		if err := sink.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("failed to publish event to sink")
		}
	}
}

// SendRequest describes one user turn to generate.
type SendRequest struct {
	UserContent  string
	SystemPrompt string
	// ParentID is the exchange to branch from; NullID creates the root.
	ParentID exchange.ExchangeID

	// parentSet distinguishes an explicit parent (even the null one) from
	// the default of branching at the current path tail.
	parentSet bool
}

// StartExchange drives the Send transition: it inserts a provisional node
// with assistantLoading set, extends the current path to it so consumers see
// the pending turn immediately, and starts the transport stream. It returns a
// waitable handle without blocking on the network.
func (r *Reconciler) StartExchange(ctx context.Context, req SendRequest) (*ExchangeHandle, error) {
	r.mu.Lock()
	if r.fl != nil {
		r.mu.Unlock()
		return nil, ErrGenerationActive
	}

	node := exchange.NewExchange(req.UserContent, exchange.WithParentID(req.ParentID))
	node.AssistantLoading = true
	if err := r.store.Insert(node); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if _, err := r.store.SwitchPath(node.ID); err != nil {
		r.mu.Unlock()
		return nil, errors.Wrap(err, "failed to extend current path to provisional exchange")
	}
	history := r.historyBefore(node.ID)

	runCtx, cancel := context.WithCancel(ctx)
	fl := &inflight{
		handle:     newExchangeHandle(node.ID),
		exchangeID: node.ID,
		state:      StreamStateProvisionalCreated,
		cancel:     cancel,
		meta: events.EventMetadata{
			ConversationID: r.store.TreeID(),
			ExchangeID:     node.ID.String(),
		},
	}
	r.fl = fl
	startEvent := events.NewStartEvent(fl.meta)
	r.mu.Unlock()

	r.publish(startEvent)
	log.Debug().
		Str("exchange_id", node.ID.String()).
		Str("parent_id", req.ParentID.String()).
		Msg("started exchange generation")

	streamReq := StreamRequest{
		ConversationID: r.store.TreeID(),
		History:        history,
		UserContent:    req.UserContent,
		SystemPrompt:   req.SystemPrompt,
	}
	go func() {
		err := r.transport.StreamExchange(runCtx, streamReq, &streamRun{r: r, fl: fl})
		cancel()
		r.finishStream(fl, err)
	}()

	return fl.handle, nil
}

// Interrupt cancels the in-flight exchange, preserving whatever partial
// content has accumulated: the node is forced complete, the interrupted
// exchange is handed to the persister, and the transport is torn down.
func (r *Reconciler) Interrupt() error {
	r.mu.Lock()
	fl := r.fl
	if fl == nil || fl.state.IsTerminal() {
		r.mu.Unlock()
		return ErrNoActiveGeneration
	}

	fl.state = StreamStateInterrupted
	if err := r.store.MarkComplete(fl.exchangeID, nil); err != nil {
		// the node vanished under us; structural errors are never swallowed
		r.mu.Unlock()
		return err
	}
	node, _ := r.store.Get(fl.exchangeID)
	fl.cancel()
	interruptEvent := events.NewInterruptEvent(fl.meta, node.AssistantContent)
	r.mu.Unlock()

	r.publish(interruptEvent)
	log.Info().
		Str("exchange_id", node.ID.String()).
		Int("partial_len", len(node.AssistantContent)).
		Msg("interrupted exchange generation")
	r.persistAsync(node)
	return nil
}

// streamRun binds transport callbacks to the inflight record they belong to,
// so a stale callback from a torn-down stream can never touch a later
// exchange.
type streamRun struct {
	r  *Reconciler
	fl *inflight
}

var _ StreamHandler = (*streamRun)(nil)

func (run *streamRun) ExchangeCreated(serverID exchange.ExchangeID) error {
	return run.r.onExchangeCreated(run.fl, serverID)
}

func (run *streamRun) ContentFragment(text string) error {
	return run.r.onContentFragment(run.fl, text)
}

func (run *streamRun) Done(finalContent *string) error {
	return run.r.onDone(run.fl, finalContent)
}

func (r *Reconciler) onExchangeCreated(fl *inflight, serverID exchange.ExchangeID) error {
	r.mu.Lock()
	if r.fl != fl || fl.state.IsTerminal() {
		r.mu.Unlock()
		log.Debug().Str("server_id", serverID.String()).Msg("discarding server id for terminated exchange")
		return nil
	}
	if fl.serverConfirmed {
		r.mu.Unlock()
		log.Error().
			Str("exchange_id", fl.exchangeID.String()).
			Str("server_id", serverID.String()).
			Msg("protocol violation: second server id confirmation for the same exchange")
		return ErrDuplicateServerID
	}
	if err := r.store.ReplaceID(fl.exchangeID, serverID); err != nil {
		r.mu.Unlock()
		return err
	}
	provisionalID := fl.exchangeID
	fl.exchangeID = serverID
	fl.serverConfirmed = true
	fl.state = StreamStateServerIDAssigned
	fl.meta.ExchangeID = serverID.String()
	fl.handle.set(serverID, StreamStateServerIDAssigned)
	createdEvent := events.NewExchangeCreatedEvent(fl.meta, serverID.String())
	r.mu.Unlock()

	r.publish(createdEvent)
	log.Debug().
		Str("provisional_id", provisionalID.String()).
		Str("server_id", serverID.String()).
		Msg("confirmed server exchange id")
	return nil
}

func (r *Reconciler) onContentFragment(fl *inflight, text string) error {
	r.mu.Lock()
	if r.fl != fl || fl.state.IsTerminal() {
		r.mu.Unlock()
		log.Debug().Int("fragment_len", len(text)).Msg("discarding fragment for terminated exchange")
		return nil
	}
	if err := r.store.AppendAssistantContent(fl.exchangeID, text); err != nil {
		r.mu.Unlock()
		return err
	}
	fl.state = StreamStateStreaming
	fl.handle.set(fl.exchangeID, StreamStateStreaming)
	node, _ := r.store.Get(fl.exchangeID)
	partialEvent := events.NewPartialCompletionEvent(fl.meta, text, node.AssistantContent)
	r.mu.Unlock()

	r.publish(partialEvent)
	return nil
}

func (r *Reconciler) onDone(fl *inflight, finalContent *string) error {
	r.mu.Lock()
	if r.fl != fl || fl.state.IsTerminal() {
		// duplicate or late done; completion is idempotent per exchange
		r.mu.Unlock()
		log.Debug().Msg("discarding done for terminated exchange")
		return nil
	}
	if err := r.store.MarkComplete(fl.exchangeID, finalContent); err != nil {
		r.mu.Unlock()
		return err
	}
	fl.state = StreamStateCompleted
	node, _ := r.store.Get(fl.exchangeID)
	finalEvent := events.NewFinalEvent(fl.meta, node.AssistantContent)
	r.mu.Unlock()

	r.publish(finalEvent)
	log.Debug().
		Str("exchange_id", node.ID.String()).
		Int("assistant_len", len(node.AssistantContent)).
		Msg("completed exchange generation")
	r.persistAsync(node)
	return nil
}

// finishStream settles the handle after the transport returned. Failures
// never roll back the provisional or confirmed node: the user keeps whatever
// partial assistant text exists.
func (r *Reconciler) finishStream(fl *inflight, err error) {
	r.mu.Lock()
	var finalErr error
	var errorEvent events.Event
	switch {
	case fl.state == StreamStateCompleted || fl.state == StreamStateInterrupted:
		// terminal transition already applied by a callback or Interrupt
	case err != nil:
		fl.state = StreamStateFailed
		finalErr = err
		errorEvent = events.NewErrorEvent(fl.meta, err)
	default:
		fl.state = StreamStateFailed
		finalErr = ErrStreamNotTerminated
		errorEvent = events.NewErrorEvent(fl.meta, finalErr)
	}
	if fl.state == StreamStateFailed {
		// the node stays visible; only the loading flag is cleared since
		// nothing is being generated anymore
		if err := r.store.SetAssistantLoading(fl.exchangeID, false); err != nil {
			log.Warn().Err(err).Str("exchange_id", fl.exchangeID.String()).Msg("failed to clear loading flag")
		}
	}
	if r.fl == fl {
		r.fl = nil
	}
	state := fl.state
	r.mu.Unlock()

	if errorEvent != nil {
		r.publish(errorEvent)
		log.Warn().Err(finalErr).Str("exchange_id", fl.exchangeID.String()).Msg("exchange generation failed")
	}
	fl.handle.finish(state, finalErr)
}

// persistAsync hands a finalized exchange to the persistence collaborator
// without blocking the caller. Failures are logged, never propagated.
func (r *Reconciler) persistAsync(node *exchange.ExchangeNode) {
	if r.persister == nil || node == nil {
		return
	}
	conversationID := r.store.TreeID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		defer cancel()
		if err := r.persister.SaveExchange(ctx, conversationID, node); err != nil {
			log.Warn().
				Err(err).
				Str("conversation_id", conversationID).
				Str("exchange_id", node.ID.String()).
				Msg("failed to persist exchange")
		}
	}()
}

// historyBefore returns the exchanges along the current path, root first,
// excluding the given one (the exchange being generated).
func (r *Reconciler) historyBefore(id exchange.ExchangeID) []*exchange.ExchangeNode {
	path := r.store.CurrentPath()
	var ret []*exchange.ExchangeNode
	for _, pathID := range path {
		if pathID == id {
			break
		}
		if node, exists := r.store.Get(pathID); exists {
			ret = append(ret, node)
		}
	}
	return ret
}
