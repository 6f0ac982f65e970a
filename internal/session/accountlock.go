// ABOUTME: Per-account locks that order presence writes across client mailboxes
// ABOUTME: Entries are reference counted and dropped once nobody holds or waits on them

package session

import "sync"

type accountLock struct {
	mu   sync.Mutex
	refs int
}

// accountLocks serializes presence work for one account. Mailboxes of
// different clients run in parallel, so a client going offline and another
// client taking over the same account would otherwise interleave their
// ownership check with the other's write.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*accountLock)}
}

// lock blocks until accountID is free and returns the matching unlock.
func (a *accountLocks) lock(accountID string) (unlock func()) {
	a.mu.Lock()
	l, ok := a.locks[accountID]
	if !ok {
		l = &accountLock{}
		a.locks[accountID] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, accountID)
		}
		a.mu.Unlock()
	}
}

// held returns the number of accounts with a holder or waiter.
func (a *accountLocks) held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
