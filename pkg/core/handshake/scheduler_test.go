package handshake

import (
	"testing"

	"github.com/google/uuid"
	assert "github.com/stretchr/testify/require"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/core/orderbook"
)

// TestSchedulerFairness draws 1000 ticks over 100 remote verified orders and
// checks the selection is uniform within tolerance.
func TestSchedulerFairness(t *testing.T) {
	assert := assert.New(t)

	book := orderbook.New(nil)
	remote := make([]order.ID, 100)
	for i := range remote {
		o := order.NewNetworkOrder(uuid.New(), order.Nullifier{byte(i)}, "cluster-b", false)
		book.Add(o)
		assert.NoError(book.AttachProof(o.ID, &order.ValidCommitmentsBundle{
			Statement: order.ValidCommitmentsStatement{Nullifier: o.MatchNullifier},
			Proof:     []byte{1},
		}))
		remote[i] = o.ID
	}

	jobs := make(chan Job, 1024)
	s := NewScheduler(book, jobs, SchedulerInterval)

	const ticks = 1000
	for i := 0; i < ticks; i++ {
		s.tick()
	}

	counts := make(map[order.ID]int)
	for i := 0; i < ticks; i++ {
		job := (<-jobs).(PerformHandshake)
		counts[job.PeerOrder]++
	}

	// Expected 10 picks per order; allow a generous statistical band and
	// require broad coverage.
	assert.GreaterOrEqual(len(counts), 90)
	for id, count := range counts {
		assert.LessOrEqualf(count, 35, "order %s picked %d times", id, count)
	}
}

func TestSchedulerSkipsEmptyBook(t *testing.T) {
	assert := assert.New(t)

	book := orderbook.New(nil)
	jobs := make(chan Job, 1)
	s := NewScheduler(book, jobs, SchedulerInterval)

	s.tick()
	assert.Empty(jobs)
}
