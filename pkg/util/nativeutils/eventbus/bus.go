package eventbus

import (
	"sync"

	lg "github.com/sirupsen/logrus"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/message"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/topics"
)

var logEB = lg.WithField("process", "eventbus")

// Broker is both a Publisher and a Subscriber.
type Broker interface {
	Subscriber
	Publisher
}

// EventBus is the internal broadcast bus. Components publish typed events on
// a topic; any number of listeners receive them.
type EventBus struct {
	listeners *listenerStore
}

// New returns an EventBus with no listeners attached.
func New() *EventBus {
	return &EventBus{listeners: newListenerStore()}
}

// listenerStore is a multimap from topic to registered listeners.
type listenerStore struct {
	lock    sync.RWMutex
	nextID  uint32
	entries map[topics.Topic]map[uint32]Listener
}

func newListenerStore() *listenerStore {
	return &listenerStore{entries: make(map[topics.Topic]map[uint32]Listener)}
}

func (l *listenerStore) Store(topic topics.Topic, listener Listener) uint32 {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.nextID++
	if _, ok := l.entries[topic]; !ok {
		l.entries[topic] = make(map[uint32]Listener)
	}
	l.entries[topic][l.nextID] = listener
	return l.nextID
}

func (l *listenerStore) Delete(topic topics.Topic, id uint32) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	listener, ok := l.entries[topic][id]
	if !ok {
		return false
	}

	listener.Close()
	delete(l.entries[topic], id)
	return true
}

func (l *listenerStore) Notify(msg message.Message) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for id, listener := range l.entries[msg.Topic()] {
		if err := listener.Notify(msg); err != nil {
			logEB.WithError(err).WithFields(lg.Fields{
				"topic": msg.Topic(),
				"id":    id,
			}).Warnln("listener not notified")
		}
	}
}
