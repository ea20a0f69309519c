package saga

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockTable serializes work per key. Entries are reference counted and
// removed when the last holder releases them.
type lockTable struct {
	locks *xsync.MapOf[string, *keyLock]
}

func newLockTable() *lockTable {
	return &lockTable{locks: xsync.NewMapOf[string, *keyLock]()}
}

// lock blocks until key is held and returns the release function.
func (t *lockTable) lock(key string) func() {
	l, _ := t.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		t.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
			if !loaded {
				return old, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

// size returns the number of keys currently held or waited on.
func (t *lockTable) size() int {
	return t.locks.Size()
}

func stepKey(sagaInstanceID, eventName string) string {
	return sagaInstanceID + "\x00" + eventName
}
