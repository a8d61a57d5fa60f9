package events

import "github.com/rs/zerolog"

// EventMetadata identifies which conversation and exchange a stream event
// belongs to. Events for a provisional exchange carry the provisional id
// until the server confirms the durable one.
type EventMetadata struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ExchangeID     string `json:"exchange_id,omitempty"`
	Model          string `json:"model,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.ExchangeID != "" {
		e.Str("exchange_id", em.ExchangeID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
}
