package session

import "sync"

// listenerSet keeps callbacks in registration order and hands out a
// remover for each.
type listenerSet[F any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listenerEntry[F]
}

type listenerEntry[F any] struct {
	id uint64
	fn F
}

func (l *listenerSet[F]) add(fn F) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listenerEntry[F]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listenerSet[F]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// snapshot returns the callbacks so they can run without holding the lock.
func (l *listenerSet[F]) snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()

	fns := make([]F, len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}
