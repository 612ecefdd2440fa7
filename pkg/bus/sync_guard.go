package bus

import (
	"reflect"
	"sync"
)

// perListenerMutexes hands out a *sync.Mutex per listener identity for
// handlers marked Synchronized, serializing invocations of that handler
// on a given listener instance across threads while leaving other
// listeners and other handlers free to run concurrently (spec.md §4.2,
// §9 "Synchronized handlers").
type perListenerMutexes struct {
	mu    sync.Mutex
	locks map[uintptr]*sync.Mutex
}

func newPerListenerMutexes() *perListenerMutexes {
	return &perListenerMutexes{locks: make(map[uintptr]*sync.Mutex)}
}

func (p *perListenerMutexes) lockFor(listener any) *sync.Mutex {
	ident := identityOf(listener)

	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.locks[ident]; ok {
		return m
	}
	m := &sync.Mutex{}
	p.locks[ident] = m
	return m
}

// forget drops the per-listener mutex once its listener is unsubscribed,
// so the map doesn't grow unbounded across subscribe/unsubscribe churn.
func (p *perListenerMutexes) forget(listener any) {
	ident := identityOf(listener)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.locks, ident)
}

func identityOf(listener any) uintptr {
	return uintptr(reflect.ValueOf(listener).UnsafePointer())
}
