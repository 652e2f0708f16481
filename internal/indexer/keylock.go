package indexer

import "sync"

// keyLock serializes work per key. Entries are dropped once no
// goroutine holds or waits for them.
type keyLock[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock[K comparable]() *keyLock[K] {
	return &keyLock[K]{locks: make(map[K]*keyEntry)}
}

// lock blocks until key is free and returns the matching unlock.
func (k *keyLock[K]) lock(key K) func() {
	k.mu.Lock()

	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{}
		k.locks[key] = e
	}

	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--

		if e.refs == 0 {
			delete(k.locks, key)
		}

		k.mu.Unlock()
	}
}

func (k *keyLock[K]) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.locks)
}
