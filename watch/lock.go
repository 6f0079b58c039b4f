package watch

import (
	"sync"

	"gforms-notifier/pkg/formwatch"
)

// keyedMutex serializes work per watch key. Entries are dropped once unused.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[formwatch.Key]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key formwatch.Key) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[formwatch.Key]*keyedEntry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
