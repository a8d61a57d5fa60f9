package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// ChatEventHandler is implemented by consumers (UIs) that want typed
// dispatch of the stream events flowing through a router topic.
type ChatEventHandler interface {
	HandleStart(ctx context.Context, e *EventStart) error
	HandleExchangeCreated(ctx context.Context, e *EventExchangeCreated) error
	HandlePartialCompletion(ctx context.Context, e *EventPartialCompletion) error
	HandleFinal(ctx context.Context, e *EventFinal) error
	HandleError(ctx context.Context, e *EventError) error
	HandleInterrupt(ctx context.Context, e *EventInterrupt) error
}

// EventRouter wires an in-process gochannel pub/sub with a watermill router.
// The reconciler publishes into it (via a WatermillSink subscribed on the
// PublisherManager), consumers register handlers on topics.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

func (e *EventRouter) Close() error {
	err := e.Publisher.Close()
	if err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
		// not returning just yet
	}
	err = e.router.Close()
	if err != nil {
		log.Error().Err(err).Msg("failed to close router")
	}
	return nil
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// AddChatEventHandler registers a handler that parses events from the topic
// and dispatches them to the typed ChatEventHandler methods.
func (e *EventRouter) AddChatEventHandler(name string, topic string, handler ChatEventHandler) {
	e.AddHandler(name, topic, createChatDispatchHandler(handler))
}

func createChatDispatchHandler(handler ChatEventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ev, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Msg("failed to parse stream event")
			// one bad message must not kill the handler
			return nil
		}

		msgCtx := msg.Context()
		var handlerErr error
		switch ev := ev.(type) {
		case *EventStart:
			handlerErr = handler.HandleStart(msgCtx, ev)
		case *EventExchangeCreated:
			handlerErr = handler.HandleExchangeCreated(msgCtx, ev)
		case *EventPartialCompletion:
			handlerErr = handler.HandlePartialCompletion(msgCtx, ev)
		case *EventFinal:
			handlerErr = handler.HandleFinal(msgCtx, ev)
		case *EventError:
			handlerErr = handler.HandleError(msgCtx, ev)
		case *EventInterrupt:
			handlerErr = handler.HandleInterrupt(msgCtx, ev)
		default:
			log.Warn().Str("event_type", string(ev.Type())).Msg("unhandled stream event type")
		}

		if handlerErr != nil {
			log.Error().Err(handlerErr).Str("event_type", string(ev.Type())).Msg("error processing stream event")
			return handlerErr
		}
		return nil
	}
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}
