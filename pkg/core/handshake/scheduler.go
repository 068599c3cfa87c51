package handshake

import (
	"time"

	"github.com/umbra-exchange/umbra-relay/pkg/core/orderbook"
)

// Scheduler periodically proposes handshakes: each tick it draws a remote
// verified order uniformly at random and enqueues a PerformHandshake job.
// The local counterpart is chosen inside the executor, where the cache is
// consulted atomically.
type Scheduler struct {
	book     *orderbook.Book
	jobChan  chan<- Job
	interval time.Duration
	quitChan chan struct{}
}

// NewScheduler builds a scheduler feeding the given job queue.
func NewScheduler(book *orderbook.Book, jobChan chan<- Job, interval time.Duration) *Scheduler {
	if interval == 0 {
		interval = SchedulerInterval
	}
	return &Scheduler{
		book:     book,
		jobChan:  jobChan,
		interval: interval,
		quitChan: make(chan struct{}),
	}
}

// Run ticks until cancelled. Pending work is not drained on shutdown.
func (s *Scheduler) Run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.quitChan:
			log.Infoln("scheduler cancelled, winding down")
			return
		}
	}
}

// Quit stops the scheduler.
func (s *Scheduler) Quit() {
	close(s.quitChan)
}

func (s *Scheduler) tick() {
	peerOrder, ok := s.book.RandomNonlocalVerified()
	if !ok {
		return
	}

	select {
	case s.jobChan <- PerformHandshake{PeerOrder: peerOrder}:
	case <-s.quitChan:
	}
}
