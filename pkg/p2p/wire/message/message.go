package message

import (
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/topics"
)

// Message is the envelope circulated on the internal event bus. The payload
// is one of the typed events below, asserted by topic.
type Message struct {
	topic   topics.Topic
	payload interface{}
}

// New wraps a payload for publication on a topic.
func New(topic topics.Topic, payload interface{}) Message {
	return Message{topic: topic, payload: payload}
}

// Topic the message was published on.
func (m Message) Topic() topics.Topic {
	return m.topic
}

// Payload returns the wrapped event.
func (m Message) Payload() interface{} {
	return m.payload
}
