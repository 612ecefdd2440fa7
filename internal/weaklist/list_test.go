package weaklist

import (
	"reflect"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

type probe struct {
	id int
}

func TestList_AddAndWalkVisitsAllLiveListeners(t *testing.T) {
	l := New()
	a := &probe{id: 1}
	b := &probe{id: 2}
	l.Add(a)
	l.Add(b)

	seen := map[int]bool{}
	visited := l.Walk(func(v reflect.Value) {
		p := v.Interface().(*probe)
		seen[p.id] = true
	})

	if visited != 2 {
		t.Fatalf("visited = %d, want 2", visited)
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected both listeners visited, got %v", seen)
	}

	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestList_AddIsIdempotentForSameIdentity(t *testing.T) {
	l := New()
	a := &probe{id: 1}
	l.Add(a)
	l.Add(a)

	visited := l.Walk(func(reflect.Value) {})
	if visited != 1 {
		t.Fatalf("visited = %d, want 1 (duplicate Add must be a no-op)", visited)
	}
	runtime.KeepAlive(a)
}

func TestList_RemoveDetachesListener(t *testing.T) {
	l := New()
	a := &probe{id: 1}
	b := &probe{id: 2}
	l.Add(a)
	l.Add(b)

	l.Remove(a)

	visited := l.Walk(func(v reflect.Value) {
		p := v.Interface().(*probe)
		if p.id == 1 {
			t.Fatalf("removed listener still visited")
		}
	})
	if visited != 1 {
		t.Fatalf("visited = %d, want 1", visited)
	}
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestList_OrphanReclamationAfterGC(t *testing.T) {
	l := New()
	var count atomic.Int32

	add := func() {
		p := &probe{id: 99}
		l.Add(p)
	}
	add()

	visited := l.Walk(func(reflect.Value) { count.Add(1) })
	if visited != 1 {
		t.Fatalf("visited before GC = %d, want 1", visited)
	}

	runtime.GC()
	runtime.GC()
	time.Sleep(50 * time.Millisecond)

	visited = l.Walk(func(reflect.Value) {})
	if visited != 0 {
		t.Fatalf("visited after GC = %d, want 0 (listener should have been collected)", visited)
	}
}
