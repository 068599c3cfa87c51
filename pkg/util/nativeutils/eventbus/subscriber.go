package eventbus

import (
	lg "github.com/sirupsen/logrus"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/topics"
)

// Subscriber subscribes a listener to Event notifications on a specific topic.
type Subscriber interface {
	Subscribe(topic topics.Topic, listener Listener) uint32
	Unsubscribe(topics.Topic, uint32)
}

// Subscribe subscribes to a topic with a listener.
func (bus *EventBus) Subscribe(topic topics.Topic, listener Listener) uint32 {
	return bus.listeners.Store(topic, listener)
}

// Unsubscribe removes the listener registered on a topic under the given id.
func (bus *EventBus) Unsubscribe(topic topics.Topic, id uint32) {
	found := bus.listeners.Delete(topic, id)

	logEB.WithFields(lg.Fields{
		"found": found,
		"topic": topic,
	}).Traceln("unsubscribing")
}
