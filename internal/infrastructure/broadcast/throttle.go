package broadcast

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttleGate coalesces emissions to at most one per window with a
// trailing-edge flush: when emissions are suppressed inside a window, the
// latest one is delivered after the window closes instead of being dropped.
type throttleGate struct {
	limiter *rate.Limiter
	window  time.Duration

	mu      sync.Mutex
	pending func()
	timer   *time.Timer
}

func newThrottleGate(window time.Duration) *throttleGate {
	return &throttleGate{
		limiter: rate.NewLimiter(rate.Every(window), 1),
		window:  window,
	}
}

// Emit runs send immediately when the window allows it. Otherwise the send
// replaces any pending one and a flush is armed for the end of the window.
// Returns true when the send ran immediately.
func (g *throttleGate) Emit(send func()) bool {
	g.mu.Lock()
	if g.limiter.Allow() {
		g.mu.Unlock()
		send()
		return true
	}
	g.pending = send
	if g.timer == nil {
		g.timer = time.AfterFunc(g.window, g.flush)
	}
	g.mu.Unlock()
	return false
}

func (g *throttleGate) flush() {
	g.mu.Lock()
	send := g.pending
	g.pending = nil
	g.timer = nil
	if send != nil {
		// Consume the regenerated token so a burst right after the flush is
		// still coalesced.
		g.limiter.Allow()
	}
	g.mu.Unlock()

	if send != nil {
		send()
	}
}

func (g *throttleGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.pending = nil
}

// gateStore holds throttle gates keyed by string. Keys are scoped by room
// id so the whole set for a room can be released when the room is deleted.
type gateStore struct {
	mu     sync.Mutex
	gates  map[string]*throttleGate
	window time.Duration
}

func newGateStore(window time.Duration) *gateStore {
	return &gateStore{
		gates:  make(map[string]*throttleGate),
		window: window,
	}
}

func (s *gateStore) get(key string) *throttleGate {
	s.mu.Lock()
	defer s.mu.Unlock()

	gate, exists := s.gates[key]
	if !exists {
		gate = newThrottleGate(s.window)
		s.gates[key] = gate
	}
	return gate
}

func (s *gateStore) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gate, exists := s.gates[key]; exists {
		gate.Stop()
		delete(s.gates, key)
	}
}

func (s *gateStore) forgetPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, gate := range s.gates {
		if strings.HasPrefix(key, prefix) {
			gate.Stop()
			delete(s.gates, key)
		}
	}
}

// limiterStore holds plain token-bucket limiters keyed by string.
type limiterStore struct {
	mu    sync.Mutex
	rate  rate.Limit
	burst int

	limiters map[string]*rate.Limiter
}

func newLimiterStore(r rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		rate:     r,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *limiterStore) allow(key string) bool {
	s.mu.Lock()
	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burst)
		s.limiters[key] = limiter
	}
	s.mu.Unlock()

	return limiter.Allow()
}

func (s *limiterStore) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.limiters, key)
}

func (s *limiterStore) forgetPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.limiters {
		if strings.HasPrefix(key, prefix) {
			delete(s.limiters, key)
		}
	}
}

func (s *limiterStore) forgetSuffix(suffix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.limiters {
		if strings.HasSuffix(key, suffix) {
			delete(s.limiters, key)
		}
	}
}
