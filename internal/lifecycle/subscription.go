// Package lifecycle provides disposable handles for timers and listeners.
package lifecycle

import "sync"

// Subscription is a handle to a registered timer or listener. Release is
// safe to call more than once; only the first call has an effect.
type Subscription interface {
	Release()
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

// NewSubscription wraps fn so it runs at most once.
func NewSubscription(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

func (s *funcSubscription) Release() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// Group collects subscriptions owned by one component and releases them
// together, most recent first.
type Group struct {
	mu       sync.Mutex
	subs     []Subscription
	released bool
}

// Add registers s. If the group was already released, s is released
// immediately.
func (g *Group) Add(s Subscription) {
	if s == nil {
		return
	}
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		s.Release()
		return
	}
	g.subs = append(g.subs, s)
	g.mu.Unlock()
}

func (g *Group) Release() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.released = true
	g.mu.Unlock()

	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Release()
	}
}
