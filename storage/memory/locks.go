package memory

import (
	"sync"
	"time"

	"github.com/calserv/scheduling/storage"
)

// lockTable implements per-row advisory locks. Each key is held by at
// most one transaction; waiters block on a channel closed at release.
type lockTable struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]chan struct{})}
}

// acquire takes the lock for key. Non-blocking mode fails fast with
// ErrAlreadyLocked; blocking mode waits until release or the deadline.
func (lt *lockTable) acquire(key string, block bool, deadline time.Time) error {
	for {
		lt.mu.Lock()
		ch, taken := lt.held[key]
		if !taken {
			lt.held[key] = make(chan struct{})
			lt.mu.Unlock()
			return nil
		}
		lt.mu.Unlock()

		if !block {
			return storage.ErrAlreadyLocked
		}
		if deadline.IsZero() {
			<-ch
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return storage.ErrAlreadyFinished
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return storage.ErrAlreadyFinished
		}
	}
}

func (lt *lockTable) release(key string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if ch, ok := lt.held[key]; ok {
		close(ch)
		delete(lt.held, key)
	}
}
