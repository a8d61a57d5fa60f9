package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart is emitted when a generation begins, right after the
	// provisional exchange was created.
	EventTypeStart EventType = "start"
	// EventTypeExchangeCreated carries the server-assigned id that replaces
	// the provisional one.
	EventTypeExchangeCreated EventType = "exchange-created"
	// EventTypePartialCompletion carries one streamed content fragment plus
	// the accumulated completion so far.
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"
	EventTypeInterrupt         EventType = "interrupt"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON the event was deserialized from (see NewEventFromJson)
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

// EventExchangeCreated reports the durable exchange id assigned upstream.
// The metadata still carries the provisional id the event applies to.
type EventExchangeCreated struct {
	EventImpl
	ServerID string `json:"server_id"`
}

func NewExchangeCreatedEvent(metadata EventMetadata, serverID string) *EventExchangeCreated {
	return &EventExchangeCreated{
		EventImpl: EventImpl{Type_: EventTypeExchangeCreated, Metadata_: metadata},
		ServerID:  serverID,
	}
}

var _ Event = &EventExchangeCreated{}

// EventPartialCompletion is the event type for one streamed text fragment.
type EventPartialCompletion struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the complete assistant text accumulated so far.
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

// EventInterrupt reports a user cancellation; Text is the partial assistant
// content preserved on the interrupted exchange.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventInterrupt{}

// NewEventFromJson decodes an event that went through a message bus back into
// its typed form, dispatching on the "type" field.
func NewEventFromJson(b []byte) (Event, error) {
	var impl EventImpl
	if err := json.Unmarshal(b, &impl); err != nil {
		return nil, err
	}
	impl.payload = b

	decode := func(target interface{}) error {
		return json.Unmarshal(b, target)
	}

	switch impl.Type_ {
	case EventTypeStart:
		ret := &EventStart{}
		if err := decode(ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	case EventTypeExchangeCreated:
		ret := &EventExchangeCreated{}
		if err := decode(ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	case EventTypePartialCompletion:
		ret := &EventPartialCompletion{}
		if err := decode(ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	case EventTypeFinal:
		ret := &EventFinal{}
		if err := decode(ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	case EventTypeError:
		ret := &EventError{}
		if err := decode(ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	case EventTypeInterrupt:
		ret := &EventInterrupt{}
		if err := decode(ret); err != nil {
			return nil, err
		}
		ret.payload = b
		return ret, nil
	}

	return nil, errors.Errorf("unknown event type %q", impl.Type_)
}
