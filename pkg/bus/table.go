package bus

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/odvcencio/signalbus/internal/handler"
	"github.com/odvcencio/signalbus/internal/typeset"
)

// table is the SubscriptionTable of spec.md §3/§4.3: an atomically
// published, copy-on-write map of arity-1 subscriptions plus a
// copy-on-write trie for arity ≥ 2, protected for writes by a single
// writer lock per table (one table per Bus). Readers load the atomic
// snapshots without ever taking that lock.
type table struct {
	writeMu sync.Mutex // single-writer lock: subscribe, unsubscribe (orphan reclamation takes each weak list's own lock)

	bySingle atomic.Pointer[map[reflect.Type][]*subscription]
	byMulti  atomic.Pointer[multiNode]

	varArgPossible atomic.Bool

	nonListeners        sync.Map // reflect.Type -> struct{}
	subsByListenerType  sync.Map // reflect.Type -> []*subscription

	reader *handler.MetadataReader
	types  *typeset.Cache
}

func newTable(reader *handler.MetadataReader, types *typeset.Cache) *table {
	t := &table{reader: reader, types: types}
	empty := make(map[reflect.Type][]*subscription)
	t.bySingle.Store(&empty)
	t.byMulti.Store(&multiNode{})
	return t
}

// subscribe implements spec.md §4.3's subscribe operation.
func (t *table) subscribe(listener any) {
	listenerType := reflect.TypeOf(listener)

	if _, known := t.nonListeners.Load(listenerType); known {
		return
	}

	if existing, ok := t.subsByListenerType.Load(listenerType); ok {
		for _, sub := range existing.([]*subscription) {
			sub.addListener(listener)
		}
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// Re-check under the lock: a concurrent subscribe of the same
	// listener type may have won the race since the lock-free check
	// above.
	if existing, ok := t.subsByListenerType.Load(listenerType); ok {
		for _, sub := range existing.([]*subscription) {
			sub.addListener(listener)
		}
		return
	}

	descriptors := t.reader.Describe(listenerType)
	if len(descriptors) == 0 {
		t.nonListeners.Store(listenerType, struct{}{})
		return
	}

	subs := make([]*subscription, len(descriptors))
	for i, desc := range descriptors {
		sub := newSubscription(desc)
		sub.addListener(listener)
		subs[i] = sub

		t.publishIntoBuckets(sub)

		if desc.Variadic {
			t.varArgPossible.Store(true)
		}
	}

	t.subsByListenerType.Store(listenerType, subs)
}

// publishIntoBuckets places sub into bySingle or byMulti depending on
// its arity, replacing the relevant snapshot rather than mutating it in
// place (spec.md §4.3).
func (t *table) publishIntoBuckets(sub *subscription) {
	params := sub.desc.ParamTypes
	if len(params) == 1 {
		t.appendSingle(params[0], sub)
		return
	}
	t.insertMulti(params, sub)
}

func (t *table) appendSingle(key reflect.Type, sub *subscription) {
	old := *t.bySingle.Load()
	next := make(map[reflect.Type][]*subscription, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = append(append([]*subscription{}, next[key]...), sub)
	t.bySingle.Store(&next)
}

func (t *table) insertMulti(key []reflect.Type, sub *subscription) {
	root := t.byMulti.Load()
	next := root.withInserted(key, sub)
	t.byMulti.Store(next)
}

// unsubscribe implements spec.md §4.3's unsubscribe operation.
// Subscriptions themselves are never deleted from the table — they may
// become empty and are reused on re-subscribe.
func (t *table) unsubscribe(listener any) {
	listenerType := reflect.TypeOf(listener)

	existing, ok := t.subsByListenerType.Load(listenerType)
	if !ok {
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for _, sub := range existing.([]*subscription) {
		sub.removeListener(listener)
	}
}

// getExact returns the subscriptions registered for the exact parameter
// type sequence key.
func (t *table) getExact(key []reflect.Type) []*subscription {
	if len(key) == 1 {
		m := *t.bySingle.Load()
		return m[key[0]]
	}
	return t.byMulti.Load().lookup(key)
}

// getSuper returns arity-1 subscriptions whose descriptor accepts
// subtypes and whose declared parameter type is a registered supertype
// of concreteType, in declared supertype order, deduplicated by
// identity (spec.md §4.3).
func (t *table) getSuper(concreteType reflect.Type) []*subscription {
	supers := t.types.SuperTypes(concreteType)
	if len(supers) == 0 {
		return nil
	}

	m := *t.bySingle.Load()
	seen := make(map[*subscription]bool)
	var out []*subscription
	for _, s := range supers {
		for _, sub := range m[s] {
			if !sub.desc.AcceptsSubtypes || seen[sub] {
				continue
			}
			seen[sub] = true
			out = append(out, sub)
		}
	}
	return out
}

// getVarArg returns variadic subscriptions whose element type is
// elemType, for an N-arity scalar publish of values of that type
// (spec.md §4.3's VarArgMatcher). Variadic handlers are stored in
// bySingle keyed by their slice parameter type ([]T), since a variadic
// Go method has arity 1 from reflect's perspective.
func (t *table) getVarArg(elemType reflect.Type) []*subscription {
	if !t.varArgPossible.Load() {
		return nil
	}
	m := *t.bySingle.Load()
	var out []*subscription
	for _, sub := range m[reflect.SliceOf(elemType)] {
		if sub.desc.Variadic {
			out = append(out, sub)
		}
	}
	return out
}
