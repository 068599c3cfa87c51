package rpcbus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrMethodExists is returned on registering an already registered method.
	ErrMethodExists = errors.New("method exists already")
	// ErrMethodNotExists is returned on calling an unregistered method.
	ErrMethodNotExists = errors.New("method not registered")
	// ErrRequestTimeout is returned when a call deadline expires.
	ErrRequestTimeout = errors.New("request timeout-ed")
)

// Method names the read-model queries answerable over the bus.
type Method uint8

const (
	// GetOrderBook returns a snapshot of every known order.
	GetOrderBook Method = iota
	// GetWallet returns a wallet snapshot by ID.
	GetWallet
	// GetActiveHandshakes returns the in-flight handshake records.
	GetActiveHandshakes
	// GetTopology returns the known cluster and peer layout.
	GetTopology
)

// Request is sent to the component owning a method. Params carries the query
// argument; the response is delivered on RespChan.
type Request struct {
	Params   interface{}
	RespChan chan Response
}

// NewRequest builds a request with a 1-deep response channel so responders
// never block.
func NewRequest(params interface{}) Request {
	return Request{Params: params, RespChan: make(chan Response, 1)}
}

// Response to a request, either a result or an error.
type Response struct {
	Resp interface{}
	Err  error
}

// RPCBus is a request/response bus between components. A component registers
// the methods it answers; callers block until a response or deadline.
type RPCBus struct {
	lock     sync.RWMutex
	registry map[Method]chan<- Request
}

// New returns an RPCBus with an empty method registry.
func New() *RPCBus {
	return &RPCBus{registry: make(map[Method]chan<- Request)}
}

// Register a method owner. The owner reads requests from reqChan.
func (bus *RPCBus) Register(m Method, reqChan chan<- Request) error {
	bus.lock.Lock()
	defer bus.lock.Unlock()

	if reqChan == nil {
		return errors.New("nil request channel")
	}
	if _, ok := bus.registry[m]; ok {
		return ErrMethodExists
	}

	bus.registry[m] = reqChan
	return nil
}

// Call a method and wait for the response within the context deadline.
func (bus *RPCBus) Call(ctx context.Context, m Method, req Request) (interface{}, error) {
	bus.lock.RLock()
	reqChan, ok := bus.registry[m]
	bus.lock.RUnlock()

	if !ok {
		return nil, ErrMethodNotExists
	}

	select {
	case reqChan <- req:
	case <-ctx.Done():
		return nil, ErrRequestTimeout
	}

	select {
	case resp := <-req.RespChan:
		return resp.Resp, resp.Err
	case <-ctx.Done():
		return nil, ErrRequestTimeout
	}
}
