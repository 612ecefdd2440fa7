// Package weaklist implements the per-subscription intrusive singly
// linked list of weakly held listener instances described in spec.md
// §4.2: add, remove, and lazy orphan reclamation during traversal, with
// all structural mutation serialized by a single writer lock.
//
// Weak references are realized with the standard library's weak.Pointer
// (Go 1.24+), paired with a runtime.AddCleanup registration so a
// cleared node is detected without ever having to dereference a
// possibly-collected pointer: the cleanup callback flips an atomic flag
// the instant the GC reclaims the referent. Listener values must be
// pointers (the common case for handler receivers); the pointed-to type
// is retained alongside the weak handle so a live node can be
// reconstructed as its original typed *T via reflect.NewAt.
package weaklist

import (
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"
)

// node is one entry in the list. Nodes are never relinked once removed
// (spec.md §4.2: "removal only detaches a node; it is never re-linked
// elsewhere").
type node struct {
	ptr     weak.Pointer[byte]
	typ     reflect.Type // pointer type, e.g. *MyListener
	ident   uintptr      // address captured at insertion, for identity comparisons
	cleared atomic.Bool
	next    atomic.Pointer[node]
}

// List is the weak listener list owned by one Subscription.
type List struct {
	writeMu sync.Mutex // serializes add/remove/orphan-reclamation
	head    atomic.Pointer[node]
}

// New creates an empty list.
func New() *List {
	return &List{}
}

// Add inserts listener at the head of the list. listener must be a
// pointer value. Idempotent: if listener (by pointer identity) is
// already present and live, this is a no-op (spec.md §4.2: "the same
// listener instance may appear only once per subscription").
func (l *List) Add(listener any) {
	rv := reflect.ValueOf(listener)
	addr := rv.UnsafePointer()
	ident := uintptr(addr)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for n := l.head.Load(); n != nil; n = n.next.Load() {
		if !n.cleared.Load() && n.ident == ident {
			return
		}
	}

	bytePtr := (*byte)(addr)
	n := &node{ident: ident, typ: rv.Type()}
	n.ptr = weak.Make(bytePtr)
	runtime.AddCleanup(bytePtr, markCleared, n)
	n.next.Store(l.head.Load())
	l.head.Store(n)
}

// Remove unlinks the first live node whose referent is listener by
// pointer identity. No-op if not present.
func (l *List) Remove(listener any) {
	ident := uintptr(reflect.ValueOf(listener).UnsafePointer())

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var prev *node
	for n := l.head.Load(); n != nil; n = n.next.Load() {
		if !n.cleared.Load() && n.ident == ident {
			l.unlink(prev, n)
			return
		}
		prev = n
	}
}

// Walk traverses the list from head, calling fn for each live listener
// reconstructed as its original pointer type. A node whose referent has
// been collected is unlinked under the write lock before traversal
// continues (spec.md §4.2's lazy orphan reclamation). Walk returns the
// number of live listeners visited.
func (l *List) Walk(fn func(listener reflect.Value)) int {
	visited := 0
	var prev *node
	n := l.head.Load()
	for n != nil {
		next := n.next.Load()
		if n.cleared.Load() {
			l.reclaim(prev, n)
			n = next
			continue
		}
		raw := n.ptr.Value()
		if raw == nil {
			// Pointer already cleared but the cleanup callback hasn't
			// run yet; treat it the same as cleared so publish never
			// invokes a dead referent.
			l.reclaim(prev, n)
			n = next
			continue
		}
		listener := reflect.NewAt(n.typ.Elem(), unsafe.Pointer(raw))
		fn(listener)
		visited++
		prev = n
		n = next
	}
	return visited
}

func (l *List) reclaim(prev, n *node) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.unlink(prev, n)
}

// unlink detaches n, assuming writeMu is held. prev is the caller's
// last-known predecessor; if the structure moved on since the caller
// observed prev (a concurrent Add/Remove), unlink re-walks from head to
// find n's actual predecessor.
func (l *List) unlink(prev, n *node) {
	if prev == nil {
		if l.head.Load() == n {
			l.head.Store(n.next.Load())
			return
		}
	} else if prev.next.Load() == n {
		prev.next.Store(n.next.Load())
		return
	}

	p := l.head.Load()
	if p == n {
		l.head.Store(n.next.Load())
		return
	}
	for p != nil {
		if p.next.Load() == n {
			p.next.Store(n.next.Load())
			return
		}
		p = p.next.Load()
	}
}

func markCleared(n *node) {
	n.cleared.Store(true)
}
