package locker

import "sync"

// Keyed hands out one mutex per key so that unrelated keys never contend.
// Entries are dropped once nobody holds or waits on them.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sync.Mutex
	ref int
}

func NewKeyed() *Keyed {
	return &Keyed{
		locks: make(map[string]*entry),
	}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*entry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.ref++
	k.mu.Unlock()

	e.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.Unlock()

			k.mu.Lock()
			e.ref--
			if e.ref == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
