package rpcbus

import (
	"context"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

func TestCallRoundTrip(t *testing.T) {
	assert := assert.New(t)
	bus := New()

	reqChan := make(chan Request, 1)
	assert.NoError(bus.Register(GetOrderBook, reqChan))

	go func() {
		r := <-reqChan
		r.RespChan <- Response{Resp: "snapshot"}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := bus.Call(ctx, GetOrderBook, NewRequest(nil))
	assert.NoError(err)
	assert.Equal("snapshot", resp)
}

func TestCallUnregisteredMethod(t *testing.T) {
	assert := assert.New(t)
	bus := New()

	_, err := bus.Call(context.Background(), GetWallet, NewRequest(nil))
	assert.ErrorIs(err, ErrMethodNotExists)
}

func TestRegisterTwice(t *testing.T) {
	assert := assert.New(t)
	bus := New()

	reqChan := make(chan Request, 1)
	assert.NoError(bus.Register(GetTopology, reqChan))
	assert.ErrorIs(bus.Register(GetTopology, reqChan), ErrMethodExists)
}

func TestCallTimesOut(t *testing.T) {
	assert := assert.New(t)
	bus := New()

	// The responder never answers.
	reqChan := make(chan Request, 1)
	assert.NoError(bus.Register(GetActiveHandshakes, reqChan))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := bus.Call(ctx, GetActiveHandshakes, NewRequest(nil))
	assert.ErrorIs(err, ErrRequestTimeout)
}
