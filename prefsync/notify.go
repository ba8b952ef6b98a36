package prefsync

import (
	"sync"

	"go.uber.org/zap"
)

// Notifier fans preference changes out to in-process subscribers:
// visualizer controls, status widgets, anything that re-renders when the
// preference set changes.
type Notifier struct {
	log *zap.Logger

	mu   sync.Mutex
	next int
	subs []subscription
}

type subscription struct {
	id int
	fn func(PreferenceSet)
}

// NewNotifier builds an empty registry.
func NewNotifier(log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{log: log, next: 1}
}

// Subscribe registers fn and returns a handle for Unsubscribe. Callbacks
// run synchronously, in subscription order, on the publishing goroutine.
func (n *Notifier) Subscribe(fn func(PreferenceSet)) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs = append(n.subs, subscription{id: id, fn: fn})
	return id
}

// Unsubscribe removes the subscription with the given handle.
func (n *Notifier) Unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return
		}
	}
}

// Publish invokes every subscriber with its own copy of the current set.
// A panicking subscriber is isolated and logged; the rest still run.
func (n *Notifier) Publish(prefs PreferenceSet) {
	n.mu.Lock()
	subs := make([]subscription, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, s := range subs {
		n.invoke(s, prefs.Clone())
	}
}

func (n *Notifier) invoke(s subscription, prefs PreferenceSet) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Warn("preference subscriber panicked",
				zap.Int("subscriber", s.id),
				zap.Any("panic", r))
		}
	}()
	s.fn(prefs)
}
