// ABOUTME: Thread-safe TTL window of inbound message IDs, scoped per client
// ABOUTME: Stops engine redeliveries from being broadcast twice as message events

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize bounds the window when New is given a non-positive size.
const DefaultMaxSize = 10000

// key identifies one message delivered to one client. Two clients may
// legitimately see the same message ID (a group chat both accounts are in).
type key struct {
	scope string
	id    string
}

type seenEntry struct {
	at   time.Time
	elem *list.Element
}

// Window remembers which (scope, message ID) pairs were observed within the
// last TTL. Oldest entries are evicted first once MaxSize is reached.
type Window struct {
	mu      sync.Mutex
	entries map[key]*seenEntry
	order   *list.List // of key, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a Window and starts a sweeper that drops expired entries
// every ttl (at least once a second, at most once a minute).
func New(ttl time.Duration, maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	w := &Window{
		entries: make(map[key]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.sweep(sweepInterval(ttl))
	return w
}

func sweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl < time.Second:
		return time.Second
	case ttl > time.Minute:
		return time.Minute
	default:
		return ttl
	}
}

// Observe records id under scope and reports whether it was already
// observed inside the TTL. An empty id is never treated as a duplicate.
func (w *Window) Observe(scope, id string) (duplicate bool) {
	if id == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	k := key{scope: scope, id: id}
	now := w.now()

	if e, ok := w.entries[k]; ok {
		if now.Sub(e.at) < w.ttl {
			return true
		}
		// Expired: refresh in place
		e.at = now
		w.order.MoveToBack(e.elem)
		return false
	}

	for len(w.entries) >= w.maxSize {
		w.evictOldestLocked()
	}

	w.entries[k] = &seenEntry{at: now, elem: w.order.PushBack(k)}
	return false
}

// Forget drops every entry recorded under scope. Called when a client
// session is retired so a new incarnation starts with a clean window.
func (w *Window) Forget(scope string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for e := w.order.Front(); e != nil; {
		next := e.Next()
		k, _ := e.Value.(key)
		if k.scope == scope {
			w.order.Remove(e)
			delete(w.entries, k)
			removed++
		}
		e = next
	}
	return removed
}

// Len returns the number of tracked entries, expired ones included until
// the next sweep.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	k, _ := front.Value.(key)
	w.order.Remove(front)
	delete(w.entries, k)
}

func (w *Window) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.purgeExpired()
		case <-w.done:
			return
		}
	}
}

// purgeExpired walks from the oldest entry and stops at the first live one.
func (w *Window) purgeExpired() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	purged := 0
	for e := w.order.Front(); e != nil; {
		k, _ := e.Value.(key)
		entry := w.entries[k]
		if now.Sub(entry.at) < w.ttl {
			break
		}
		next := e.Next()
		w.order.Remove(e)
		delete(w.entries, k)
		purged++
		e = next
	}
	return purged
}

// Close stops the sweeper. It is safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
