package chat

import "sync"

// keyedMutex serializes all work for one connection id: orchestrator event
// handlers, timer callbacks, and pacer emission steps all lock the
// connection's key before touching session state. Cross-connection work
// never contends. Entries are reference-counted so abandoned connection ids
// do not accumulate.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedMutexEntry
}

type keyedMutexEntry struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedMutexEntry)}
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedMutexEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	k.mu.Unlock()

	e.Unlock()

	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}
