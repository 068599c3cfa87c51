package eventbus

import (
	"testing"

	assert "github.com/stretchr/testify/require"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/message"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/topics"
)

func TestChanListenerReceives(t *testing.T) {
	assert := assert.New(t)
	bus := New()

	msgChan := make(chan message.Message, 1)
	id := bus.Subscribe(topics.HandshakeStatus, NewChanListener(msgChan))

	bus.Publish(topics.HandshakeStatus, message.New(topics.HandshakeStatus, "hello"))
	got := <-msgChan
	assert.Equal("hello", got.Payload())

	// Other topics do not leak in.
	bus.Publish(topics.OrderStateChange, message.New(topics.OrderStateChange, "other"))
	assert.Empty(msgChan)

	// After unsubscribing nothing is delivered.
	bus.Unsubscribe(topics.HandshakeStatus, id)
	bus.Publish(topics.HandshakeStatus, message.New(topics.HandshakeStatus, "gone"))
	assert.Empty(msgChan)
}

func TestChanListenerDropsWhenFull(t *testing.T) {
	assert := assert.New(t)

	msgChan := make(chan message.Message, 1)
	listener := NewChanListener(msgChan)

	assert.NoError(listener.Notify(message.New(topics.HandshakeStatus, 1)))
	assert.Error(listener.Notify(message.New(topics.HandshakeStatus, 2)))
}

func TestCallbackListener(t *testing.T) {
	assert := assert.New(t)
	bus := New()

	var got []interface{}
	bus.Subscribe(topics.WalletUpdate, NewCallbackListener(func(m message.Message) {
		got = append(got, m.Payload())
	}))

	bus.Publish(topics.WalletUpdate, message.New(topics.WalletUpdate, 1))
	bus.Publish(topics.WalletUpdate, message.New(topics.WalletUpdate, 2))
	assert.Equal([]interface{}{1, 2}, got)
}
