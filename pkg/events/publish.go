package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// PublisherManager distributes stream events to a set of watermill
// Publishers. A publisher is "subscribed" under a topic; every published
// event is fanned out to all publishers on the topic they were subscribed
// with.
//
// The manager stamps each outgoing message with a sequence number in the
// order Publish handled it, so subscribers can detect reordering on busses
// that do not guarantee it.
type PublisherManager struct {
	Publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		Publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Publishers[topic] = append(s.Publishers[topic], pub)
}

// Publish serializes the event to JSON and distributes it to all publishers
// across all topics.
func (s *PublisherManager) Publish(event Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", s.sequenceNumber))
	msg.Metadata.Set("event_type", string(event.Type()))
	s.sequenceNumber++

	for topic, pubs := range s.Publishers {
		for _, pub := range pubs {
			err = pub.Publish(topic, msg)
			if err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
			}
		}
	}

	return nil
}

// PublishBlind publishes and only logs failures. Event distribution is
// observability, not state: a failed publish must never affect the tree.
func (s *PublisherManager) PublishBlind(event Event) {
	if s == nil {
		return
	}
	err := s.Publish(event)
	if err != nil {
		log.Warn().Err(err).Msg("failed to publish event")
	}
}
