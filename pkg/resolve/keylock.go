package resolve

import (
	"sort"
	"sync"
)

// keyedLock serializes the lookup-decide-write sequence per identifier
// key. Keys are sorted and deduplicated before acquisition so two facts
// holding overlapping identifier sets cannot deadlock.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyedLockEntry
}

type keyedLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*keyedLockEntry)}
}

// lock acquires every key in sorted order and returns the release
// function. Locking no keys is valid and returns a no-op release.
func (k *keyedLock) lock(keys []string) func() {
	if len(keys) == 0 {
		return func() {}
	}

	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			sorted = append(sorted, key)
		}
	}
	sort.Strings(sorted)

	entries := make([]*keyedLockEntry, 0, len(sorted))
	for _, key := range sorted {
		k.mu.Lock()
		entry, ok := k.locks[key]
		if !ok {
			entry = &keyedLockEntry{}
			k.locks[key] = entry
		}
		entry.refs++
		k.mu.Unlock()

		entry.mu.Lock()
		entries = append(entries, entry)
	}

	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()

			k.mu.Lock()
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(k.locks, sorted[i])
			}
			k.mu.Unlock()
		}
	}
}
