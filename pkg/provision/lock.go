package provision

import "sync"

// uidLocks serialises runs per tag. Entries are dropped when unused.
type uidLocks struct {
	mu    sync.Mutex
	locks map[[7]byte]*uidLock
}

type uidLock struct {
	mu   sync.Mutex
	refs int
}

func (l *uidLocks) lock(uid [7]byte) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[[7]byte]*uidLock{}
	}
	e := l.locks[uid]
	if e == nil {
		e = &uidLock{}
		l.locks[uid] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, uid)
		}
		l.mu.Unlock()
	}
}
