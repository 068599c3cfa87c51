package eventbus

import (
	"github.com/pkg/errors"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/message"
)

// Listener publishes a queue of events to a component.
type Listener interface {
	// Notify a listener of a new message.
	Notify(message.Message) error
	// Close the listener.
	Close()
}

// ChanListener delivers events over a channel; the send never blocks, a full
// channel drops the event.
type ChanListener struct {
	msgChan chan<- message.Message
}

// NewChanListener wraps a channel into a Listener.
func NewChanListener(msgChan chan<- message.Message) *ChanListener {
	return &ChanListener{msgChan}
}

// Notify sends the message to the listener's channel, or reports a full queue.
func (c *ChanListener) Notify(msg message.Message) error {
	select {
	case c.msgChan <- msg:
	default:
		return errors.New("listener queue full")
	}
	return nil
}

// Close has no resources to release for a channel listener; the channel is
// owned by the subscriber.
func (c *ChanListener) Close() {}

// CallbackListener runs a callback synchronously on the publisher's
// goroutine. Callbacks must be fast and must not publish back into the bus.
type CallbackListener struct {
	callback func(message.Message)
}

// NewCallbackListener wraps a callback into a Listener.
func NewCallbackListener(callback func(message.Message)) *CallbackListener {
	return &CallbackListener{callback}
}

// Notify invokes the callback.
func (c *CallbackListener) Notify(msg message.Message) error {
	c.callback(msg)
	return nil
}

// Close is a no-op.
func (c *CallbackListener) Close() {}
