package session

import (
	"container/list"
	"context"
	"sync"
)

// opQueue is a mutex that grants ownership in arrival order. A waiter whose
// context ends leaves the queue without taking the lock.
type opQueue struct {
	mu      sync.Mutex
	held    bool
	waiters list.List // of chan struct{}
}

func (q *opQueue) Lock(ctx context.Context) error {
	q.mu.Lock()
	if !q.held && q.waiters.Len() == 0 {
		q.held = true
		q.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	el := q.waiters.PushBack(ready)
	q.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		select {
		case <-ready:
			// Ownership was handed over while we were giving up; pass it on.
			q.mu.Unlock()
			q.Unlock()
		default:
			q.waiters.Remove(el)
			q.mu.Unlock()
		}
		return ctx.Err()
	}
}

// Unlock hands the lock to the oldest waiter, if any.
func (q *opQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front := q.waiters.Front(); front != nil {
		q.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if !q.held {
		panic("session: unlock of unlocked opQueue")
	}
	q.held = false
}
