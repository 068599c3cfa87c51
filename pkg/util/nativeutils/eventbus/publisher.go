package eventbus

import (
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/message"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/topics"
)

// Publisher publishes serialized messages on a specific topic.
type Publisher interface {
	Publish(topics.Topic, message.Message)
}

// Publish executes callback defined for a topic.
func (bus *EventBus) Publish(topic topics.Topic, msg message.Message) {
	logEB.WithField("topic", topic).Traceln("publishing")
	bus.listeners.Notify(msg)
}
