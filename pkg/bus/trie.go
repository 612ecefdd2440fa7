package bus

import "reflect"

// multiNode is one node of the copy-on-write trie that holds arity ≥ 2
// subscriptions, keyed by their full parameter-type sequence in
// declaration order (spec.md §3's byMulti, and §9's resolved Open
// Question: the unsubscribe/subscribe key is always the full sequence,
// never transposed). Nodes are immutable once published; a write clones
// only the path from root to the modified leaf, sharing every sibling
// subtree by reference (spec.md §9's snapshot-sharing guidance).
type multiNode struct {
	children map[reflect.Type]*multiNode
	subs     []*subscription
}

// withInserted returns a new trie root with sub appended at the leaf
// identified by key, sharing all subtrees not on the path to that leaf.
func (n *multiNode) withInserted(key []reflect.Type, sub *subscription) *multiNode {
	if n == nil {
		n = &multiNode{}
	}

	clone := &multiNode{
		children: cloneChildren(n.children),
		subs:     n.subs,
	}

	if len(key) == 0 {
		clone.subs = append(append([]*subscription{}, n.subs...), sub)
		return clone
	}

	head, rest := key[0], key[1:]
	child := clone.children[head]
	clone.children[head] = child.withInserted(rest, sub)
	return clone
}

// lookup returns the subscriptions stored at the leaf identified by
// key, or nil if the path doesn't exist.
func (n *multiNode) lookup(key []reflect.Type) []*subscription {
	cur := n
	for _, k := range key {
		if cur == nil {
			return nil
		}
		cur = cur.children[k]
	}
	if cur == nil {
		return nil
	}
	return cur.subs
}

func cloneChildren(m map[reflect.Type]*multiNode) map[reflect.Type]*multiNode {
	next := make(map[reflect.Type]*multiNode, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	return next
}
