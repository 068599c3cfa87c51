package handshake

import (
	"time"

	"github.com/umbra-exchange/umbra-relay/pkg/util/nativeutils/rpcbus"
)

// Manager owns the handshake subsystem: the executor, its scheduler, and the
// read-model registration. Construct once, Run once, Quit on teardown.
type Manager struct {
	Executor  *Executor
	Scheduler *Scheduler

	activeChan chan rpcbus.Request
}

// NewManager wires an executor and scheduler from the given config and
// registers the active-handshake query on the rpc bus.
func NewManager(cfg ExecutorConfig, rpcBus *rpcbus.RPCBus, interval time.Duration) (*Manager, error) {
	executor := NewExecutor(cfg)

	m := &Manager{
		Executor:   executor,
		Scheduler:  NewScheduler(cfg.Book, executor.JobQueue(), interval),
		activeChan: make(chan rpcbus.Request, 1),
	}

	if rpcBus != nil {
		if err := rpcBus.Register(rpcbus.GetActiveHandshakes, m.activeChan); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Run starts the executor loop, the scheduler, and the read-model responder.
func (m *Manager) Run() {
	go m.Executor.Run()
	go m.Scheduler.Run()
	go m.answerQueries()
}

// Quit tears the subsystem down; the scheduler first so no new work arrives.
func (m *Manager) Quit() {
	m.Scheduler.Quit()
	m.Executor.Quit()
}

func (m *Manager) answerQueries() {
	for {
		select {
		case r := <-m.activeChan:
			r.RespChan <- rpcbus.Response{Resp: m.Executor.States().Active()}
		case <-m.Executor.quitChan:
			return
		}
	}
}
