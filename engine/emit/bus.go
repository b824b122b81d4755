package emit

import (
	"sync"
)

// Bus is an in-process pub/sub fan-out for job events.
//
// Subscribers register for the events of a single job (or all jobs) and
// receive them on a channel. Delivery is best-effort and asynchronous: each
// subscription owns a goroutine that drains a private queue, so a slow
// subscriber never blocks the emitter, and a single subscriber observes
// events in emission order.
//
// The Bus implements Emitter so it can be composed with other emitters via
// Multi.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

type subscription struct {
	jobID string // empty = all jobs
	ch    chan Event
	done  chan struct{}

	mu       sync.Mutex
	queue    []Event
	wake     chan struct{}
	stopOnce sync.Once
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers a subscriber for events of the given job. An empty
// jobID subscribes to every job. The returned cancel function releases the
// subscription and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(jobID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	sub := &subscription{
		jobID: jobID,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.drain()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
	return sub.ch, cancel
}

// Emit implements Emitter. The event is appended to every matching
// subscriber's queue; the caller never blocks.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.jobID == "" || sub.jobID == event.JobID {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(event)
	}
}

// Close stops all subscriptions. Subsequent Emit calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (s *subscription) enqueue(event Event) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain moves queued events onto the subscriber channel, preserving order.
func (s *subscription) drain() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- event:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
