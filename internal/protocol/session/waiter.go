package session

import (
	"context"
	"time"

	"github.com/eapache/queue"
)

type waitResult struct {
	rtt time.Duration
	err error
}

// waiter is a one-shot register for the reply to a PING or SERVER_HELLO.
type waiter struct {
	sentAt time.Time
	ch     chan waitResult
}

func newWaiter(sentAt time.Time) *waiter {
	return &waiter{sentAt: sentAt, ch: make(chan waitResult, 1)}
}

// resolve never blocks; a waiter is resolved at most once.
func (w *waiter) resolve(rtt time.Duration, err error) {
	select {
	case w.ch <- waitResult{rtt: rtt, err: err}:
	default:
	}
}

func (w *waiter) wait(ctx context.Context) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-w.ch:
		return res.rtt, res.err
	}
}

// pingQueue pairs PONGs with outstanding PINGs in send order. Cancelled
// waiters keep their slot so a late PONG is not credited to a newer PING.
type pingQueue struct {
	q *queue.Queue
}

func newPingQueue() *pingQueue {
	return &pingQueue{q: queue.New()}
}

func (p *pingQueue) push(w *waiter) {
	p.q.Add(w)
}

func (p *pingQueue) pop() (*waiter, bool) {
	if p.q.Length() == 0 {
		return nil, false
	}
	return p.q.Remove().(*waiter), true
}

func (p *pingQueue) len() int {
	return p.q.Length()
}

// drain resolves every queued waiter with err.
func (p *pingQueue) drain(err error) {
	for {
		w, ok := p.pop()
		if !ok {
			return
		}
		w.resolve(0, err)
	}
}
