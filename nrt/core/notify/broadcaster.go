package notify

import (
	"sync"
)

// Broadcaster fans values out to subscribers. Publish never blocks; each
// subscriber sees every value in publish order, with no coalescing.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	next   uint64
	closed bool
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: map[uint64]*subscriber[T]{}}
}

type subscriber[T any] struct {
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	out   chan T
	done  chan struct{}
	once  sync.Once
}

// Subscribe returns the delivery channel and a cancel func. The channel is
// closed after cancel or Close.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()
	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.push(v)
	}
}

func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[uint64]*subscriber[T]{}
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() { s.once.Do(func() { close(s.done) }) }

func (s *subscriber[T]) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, v := range batch {
			select {
			case s.out <- v:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
