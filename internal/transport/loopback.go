package transport

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// Loopback is an in-process transport. Publish delivers synchronously to
// every matching subscriber and returns their joined errors.
type Loopback struct {
	mu     sync.RWMutex
	subs   map[int]loopSub
	nextID int
	closed bool
}

type loopSub struct {
	filter string
	h      Handler
}

// NewLoopback returns an empty Loopback.
func NewLoopback() *Loopback {
	return &Loopback{subs: map[int]loopSub{}}
}

func (l *Loopback) Publish(ctx context.Context, topic string, payload []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	ids := make([]int, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var hs []Handler
	for _, id := range ids {
		if s := l.subs[id]; Match(s.filter, topic) {
			hs = append(hs, s.h)
		}
	}
	l.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		m := Message{Topic: topic, Payload: slices.Clone(payload)}
		if err := h(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers h and blocks until ctx is done or the loopback closes.
func (l *Loopback) Subscribe(ctx context.Context, filter string, h Handler) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = loopSub{filter: filter, h: h}
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
	return nil
}

// Subscribers returns the number of registered subscriptions.
func (l *Loopback) Subscribers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Close rejects further publishes and subscriptions.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
