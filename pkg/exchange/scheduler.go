package exchange

import (
	"container/heap"
	"sync"
	"time"
)

type scheduledItem struct {
	deadline time.Time
	tx       *Transaction
}

// deadlineHeap is a min-heap of scheduled items ordered by deadline.
type deadlineHeap []scheduledItem

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(scheduledItem)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = scheduledItem{}
	*h = old[:n-1]
	return item
}

// Scheduler drives retransmission deadlines. Deadlines live in a min-heap
// drained by one goroutine that sleeps on a single timer until the earliest
// one. Entries are never removed eagerly: a completed or rescheduled
// transaction is recognised as stale when its deadline fires.
type Scheduler struct {
	fire func(tx *Transaction, deadline time.Time)

	mu    sync.Mutex
	items deadlineHeap

	wake    chan struct{}
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewScheduler starts a scheduler that calls fire for each due deadline.
// fire runs on the scheduler goroutine and must not block.
func NewScheduler(fire func(tx *Transaction, deadline time.Time)) *Scheduler {
	s := &Scheduler{
		fire:    fire,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Schedule arranges for fire(tx, deadline) to be called at deadline.
func (s *Scheduler) Schedule(tx *Transaction, deadline time.Time) {
	s.mu.Lock()
	heap.Push(&s.items, scheduledItem{deadline: deadline, tx: tx})
	earliest := s.items[0].tx == tx && s.items[0].deadline.Equal(deadline)
	s.mu.Unlock()

	if earliest {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of scheduled deadlines, including stale ones.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close stops the scheduler goroutine. Pending deadlines are discarded.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		close(s.closeCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := s.popDue(time.Now())
		for _, item := range due {
			s.fire(item.tx, item.deadline)
		}
		if len(due) > 0 {
			continue
		}

		if wait > 0 {
			timer.Reset(wait)
		}

		select {
		case <-s.closeCh:
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// popDue removes every item due at now. It returns the time until the next
// deadline, or zero if the heap is empty.
func (s *Scheduler) popDue(now time.Time) ([]scheduledItem, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []scheduledItem
	for len(s.items) > 0 && !s.items[0].deadline.After(now) {
		due = append(due, heap.Pop(&s.items).(scheduledItem))
	}
	if len(s.items) == 0 {
		return due, 0
	}
	return due, s.items[0].deadline.Sub(now)
}
