package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	lim        *rate.Limiter
	lastAccess time.Time
}

// Store hands out one message limiter per client id. Entries idle for longer
// than ttl are swept by a janitor goroutine.
//   - Allow: takes one token from the client's bucket
//   - Forget: drops a client when its connection closes
//   - SetRate: swaps the rate for every current and future client
//   - Close: stops the janitor
type Store struct {
	mu      sync.RWMutex
	items   map[string]*entry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	tick    time.Duration
	stopCh  chan struct{}
	stopped bool
	now     func() time.Time
}

// NewStore limits each client to perSec messages with the given burst.
// perSec <= 0 disables limiting. ttl <= 0 defaults to 10 minutes.
func NewStore(perSec float64, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	tick := ttl / 4
	if tick < time.Second {
		tick = time.Second
	}
	s := &Store{
		items:  make(map[string]*entry),
		ttl:    ttl,
		tick:   tick,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	s.setLocked(perSec, burst)
	go s.janitor()
	return s
}

/******** public API ********/

// Allow reports whether the client may send one more message now.
func (s *Store) Allow(id string) bool {
	if s == nil {
		return true
	}
	now := s.now()

	s.mu.RLock()
	limit, burst := s.limit, s.burst
	e := s.items[id]
	s.mu.RUnlock()
	if limit <= 0 {
		return true
	}

	if e == nil {
		s.mu.Lock()
		// another goroutine may have created it in between
		if e = s.items[id]; e == nil {
			e = &entry{lim: rate.NewLimiter(limit, burst)}
			s.items[id] = e
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	e.lastAccess = now
	s.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// SetRate rebuilds every limiter when the rate changes; equal values are a no-op.
func (s *Store) SetRate(perSec float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate.Limit(perSec) == s.limit && burst == s.burst {
		return
	}
	s.setLocked(perSec, burst)
	for id := range s.items {
		delete(s.items, id)
	}
}

func (s *Store) Forget(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()
}

/******** internal ********/

func (s *Store) setLocked(perSec float64, burst int) {
	if perSec <= 0 {
		s.limit, s.burst = 0, 0
		return
	}
	if burst <= 0 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	s.limit, s.burst = rate.Limit(perSec), burst
}

func (s *Store) janitor() {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep() {
	expireBefore := s.now().Add(-s.ttl)

	s.mu.Lock()
	for id, e := range s.items {
		if e.lastAccess.Before(expireBefore) {
			delete(s.items, id)
		}
	}
	s.mu.Unlock()
}
