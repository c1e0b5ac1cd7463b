package store

import (
	"fmt"
	"sort"
	"sync"

	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
)

// keyLocks hands out one mutex per key. Commits take the locks of every table
// name they swap, so two commits never replace the same table at once.
type keyLocks struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the lock for a key, creating one if needed.
func (k *keyLocks) get(key string) *sync.Mutex {
	k.mu.RLock()
	if lock, exists := k.locks[key]; exists {
		k.mu.RUnlock()
		return lock
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()

	// Double-check after acquiring write lock
	if lock, exists := k.locks[key]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	k.locks[key] = lock
	return lock
}

// tryLockAll acquires every key or none. A key already held by another
// commit is reported as a commit conflict.
func (k *keyLocks) tryLockAll(keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held []*sync.Mutex
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}

	for i, key := range sorted {
		if i > 0 && sorted[i-1] == key {
			continue
		}
		lock := k.get(key)
		if !lock.TryLock() {
			release()
			return nil, syncerrors.NewCommitError(syncerrors.CodeCommitConflict,
				fmt.Sprintf("%s is being replaced by another commit", key), nil)
		}
		held = append(held, lock)
	}
	return release, nil
}
