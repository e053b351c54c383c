// Package trie implements the prefix tree backing code, name and pinyin
// lookups. Terms fan in: several records may share one term, so terminal
// nodes hold key lists and prefix search collects the whole subtree.
package trie

import "sort"

type node struct {
	children map[rune]*node
	keys     []string // record keys whose indexed term ends at this node
}

func newNode() *node {
	return &node{children: make(map[rune]*node)}
}

// Trie maps lower-cased character sequences to record keys.
type Trie struct {
	root    *node
	nodes   int
	entries int
}

// New creates an empty Trie.
func New() *Trie {
	return &Trie{root: newNode()}
}

// Insert adds recordKey under term. Cost is O(len(term)).
func (t *Trie) Insert(term, recordKey string) {
	if term == "" || recordKey == "" {
		return
	}
	n := t.root
	for _, r := range term {
		child, ok := n.children[r]
		if !ok {
			child = newNode()
			n.children[r] = child
			t.nodes++
		}
		n = child
	}
	n.keys = append(n.keys, recordKey)
	t.entries++
}

// walk descends to the node for prefix, or nil when no term starts with it.
func (t *Trie) walk(prefix string) *node {
	n := t.root
	for _, r := range prefix {
		child, ok := n.children[r]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// SearchPrefix returns every record key stored under prefix, deduplicated.
// Cost is O(len(prefix) + results).
func (t *Trie) SearchPrefix(prefix string) []string {
	return t.Collect(prefix, -1)
}

// Collect walks to prefix and gathers up to limit distinct record keys from
// the subtree. limit < 0 means unbounded. Traversal order is deterministic:
// children are visited in rune order.
func (t *Trie) Collect(prefix string, limit int) []string {
	n := t.walk(prefix)
	if n == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	var visit func(n *node) bool
	visit = func(n *node) bool {
		for _, key := range n.keys {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
			if limit >= 0 && len(out) >= limit {
				return false
			}
		}
		runes := make([]rune, 0, len(n.children))
		for r := range n.children {
			runes = append(runes, r)
		}
		sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
		for _, r := range runes {
			if !visit(n.children[r]) {
				return false
			}
		}
		return true
	}
	visit(n)
	return out
}

// Contains reports whether any indexed term starts with prefix.
func (t *Trie) Contains(prefix string) bool {
	return t.walk(prefix) != nil
}

// NodeCount returns the number of allocated nodes, excluding the root.
func (t *Trie) NodeCount() int { return t.nodes }

// EntryCount returns the number of inserted term/key pairs.
func (t *Trie) EntryCount() int { return t.entries }
