package app

import (
	"context"
	"sort"
	"sync"
	"time"
)

type TransitionKind string

const (
	BecameValid   TransitionKind = "became_valid"
	BecameInvalid TransitionKind = "became_invalid"
)

// Transition is emitted once per change of the credential's validity.
type Transition struct {
	Kind TransitionKind
	At   time.Time
}

// Handler observes transitions. It runs on the monitor's goroutine, so long work
// must be handed off.
type Handler func(ctx context.Context, t Transition)

// Bus fans transitions out to subscribers. Publish returns after every subscriber has
// been called.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]namedHandler
}

type namedHandler struct {
	name string
	fn   Handler
}

func NewBus() *Bus {
	return &Bus{subs: map[int]namedHandler{}}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(name string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = namedHandler{name: name, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish calls every subscriber in subscription order.
func (b *Bus) Publish(ctx context.Context, t Transition) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id].fn)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, t)
	}
}

// Subscribers lists subscriber names, mostly for diagnostics.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, b.subs[id].name)
	}
	return names
}
