package manager

import (
	"fmt"

	"github.com/drewcsillag/notecove/pkg/metrics"
)

// serialQueue is a logical single-consumer executor. Everything a note
// writes to disk flows through its queue, so the (write, vector-clock
// advance, in-memory apply) triple of one update is atomic with
// respect to every other update on the same note. Without this,
// concurrent writes resolving out of order would punch gaps into the
// per-instance sequence and loaders would reject the tail.
type serialQueue struct {
	jobs chan queuedJob
	stop chan struct{}

	mu     chan struct{} // 1-token mutex guarding closed
	closed bool
}

type queuedJob struct {
	fn   func() error
	done chan error
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		jobs: make(chan queuedJob, 256),
		stop: make(chan struct{}),
		mu:   make(chan struct{}, 1),
	}
	go q.run()
	return q
}

func (q *serialQueue) run() {
	for {
		select {
		case j := <-q.jobs:
			j.done <- j.fn()
			metrics.QueueDepth.Dec()
		case <-q.stop:
			// Fail anything that slipped in before close won the lock.
			for {
				select {
				case j := <-q.jobs:
					j.done <- fmt.Errorf("write queue closed")
					metrics.QueueDepth.Dec()
				default:
					return
				}
			}
		}
	}
}

// Do runs fn on the queue and waits for its result. Jobs run in
// strict enqueue order.
func (q *serialQueue) Do(fn func() error) error {
	q.mu <- struct{}{}
	if q.closed {
		<-q.mu
		return fmt.Errorf("write queue closed")
	}
	j := queuedJob{fn: fn, done: make(chan error, 1)}
	metrics.QueueDepth.Inc()
	q.jobs <- j
	<-q.mu
	return <-j.done
}

// Close stops the queue. Pending jobs fail; the runner exits.
func (q *serialQueue) Close() {
	q.mu <- struct{}{}
	if !q.closed {
		q.closed = true
		close(q.stop)
	}
	<-q.mu
}
