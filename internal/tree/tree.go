// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tree holds the externally visible hierarchy of typed items. The
// nodes live in a flat arena addressed by NodeID; interior nodes never
// carry a value and leaves never carry children.
package tree

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// NodeID identifies a node inside its Tree.
type NodeID int

// InvalidID is returned by lookups that find nothing.
const InvalidID NodeID = -1

// Root is the id of every Tree's root node.
const Root NodeID = 0

// Handler observes value changes on a node.
type Handler func(id NodeID, value Value)

// Watcher observes value changes anywhere in the tree.
type Watcher func(path string, value Value)

// WriteHandler accepts an external write on a leaf. Returning an error
// rejects the write; the stored value is untouched either way - the owner
// publishes the accepted value once the device confirms it.
type WriteHandler func(value Value) error

// Meta is the presentation metadata of a leaf.
type Meta struct {
	Unit        string
	Precision   int
	Min         *float64
	Max         *float64
	Description string
}

type node struct {
	name     string
	parent   NodeID
	children []NodeID

	value      Value
	kind       Kind // pinned on first valid store
	defaultVal Value
	meta       Meta

	handlers []Handler
	onWrite  WriteHandler
}

// Tree is the arena of nodes. All methods are safe for concurrent use.
type Tree struct {
	mu       sync.Mutex
	nodes    []node
	byPath   map[string]NodeID
	watchers []Watcher
}

// New creates a tree holding only the root node.
func New() *Tree {
	t := &Tree{byPath: make(map[string]NodeID)}
	t.nodes = append(t.nodes, node{name: "", parent: InvalidID})
	t.byPath[""] = Root
	return t
}

// GetOrCreate walks path ("/" separated, leading slash optional) from the
// root, creating missing nodes on the way, and returns the final node.
func (t *Tree) GetOrCreate(path string) NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreate(path)
}

func (t *Tree) getOrCreate(path string) NodeID {
	path = strings.Trim(path, "/")
	if id, ok := t.byPath[path]; ok {
		return id
	}
	cur := Root
	if path == "" {
		return cur
	}
	var walked []string
	for _, name := range strings.Split(path, "/") {
		walked = append(walked, name)
		key := strings.Join(walked, "/")
		if id, ok := t.byPath[key]; ok {
			cur = id
			continue
		}
		if t.nodes[cur].value.IsValid() {
			slog.Error("refusing to add child below a value leaf", "path", key)
			return InvalidID
		}
		id := NodeID(len(t.nodes))
		t.nodes = append(t.nodes, node{name: name, parent: cur})
		t.nodes[cur].children = append(t.nodes[cur].children, id)
		t.byPath[key] = id
		cur = id
	}
	return cur
}

// Lookup returns the node at path, or InvalidID.
func (t *Tree) Lookup(path string) NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byPath[strings.Trim(path, "/")]; ok {
		return id
	}
	return InvalidID
}

// Path returns the "/"-separated path of a node from the root.
func (t *Tree) Path(id NodeID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return "/" + t.path(id)
}

func (t *Tree) path(id NodeID) string {
	if !t.valid(id) || id == Root {
		return ""
	}
	var parts []string
	for id != Root {
		parts = append([]string{t.nodes[id].name}, parts...)
		id = t.nodes[id].parent
	}
	return strings.Join(parts, "/")
}

// Children returns the ordered child list of a node.
func (t *Tree) Children(id NodeID) []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return nil
	}
	out := make([]NodeID, len(t.nodes[id].children))
	copy(out, t.nodes[id].children)
	return out
}

// Name returns the node's own name component.
func (t *Tree) Name(id NodeID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return ""
	}
	return t.nodes[id].name
}

func (t *Tree) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(t.nodes)
}

// SetValue stores a value on a leaf and notifies observers when it
// changed. The first valid store pins the leaf's kind; later stores of a
// different kind are rejected to keep readers type-stable.
func (t *Tree) SetValue(id NodeID, v Value) bool {
	t.mu.Lock()
	if !t.valid(id) {
		t.mu.Unlock()
		return false
	}
	n := &t.nodes[id]
	if len(n.children) > 0 {
		path := "/" + t.path(id)
		t.mu.Unlock()
		slog.Error("refusing to set value on interior node", "path", path)
		return false
	}
	if v.IsValid() {
		if n.kind == KindInvalid {
			n.kind = v.Kind()
		} else if n.kind != v.Kind() {
			have := n.kind
			path := "/" + t.path(id)
			t.mu.Unlock()
			slog.Error("value kind mismatch", "path", path,
				"have", have.String(), "got", v.Kind().String())
			return false
		}
	}
	if n.value.Equal(v) {
		t.mu.Unlock()
		return false
	}
	n.value = v
	handlers := append([]Handler(nil), n.handlers...)
	watchers := append([]Watcher(nil), t.watchers...)
	path := "/" + t.path(id)
	t.mu.Unlock()

	for _, h := range handlers {
		h(id, v)
	}
	for _, w := range watchers {
		w(path, v)
	}
	return true
}

// Invalidate clears the leaf's value (the leaf itself is retained), and
// notifies observers if it held a valid value.
func (t *Tree) Invalidate(id NodeID) {
	t.mu.Lock()
	if !t.valid(id) || !t.nodes[id].value.IsValid() {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.SetValue(id, Invalid())
}

// InvalidateSubtree clears every leaf value below (and including) id.
func (t *Tree) InvalidateSubtree(id NodeID) {
	for _, child := range t.Children(id) {
		t.InvalidateSubtree(child)
	}
	t.Invalidate(id)
}

// Value returns the current value of a node.
func (t *Tree) Value(id NodeID) Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return Invalid()
	}
	return t.nodes[id].value
}

// Text renders the node's value with its precision and unit.
func (t *Tree) Text(id NodeID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return ""
	}
	n := t.nodes[id]
	s := n.value.Format(n.meta.Precision)
	if s == "" || n.meta.Unit == "" {
		return s
	}
	return s + n.meta.Unit
}

// SetMeta attaches presentation metadata to a leaf.
func (t *Tree) SetMeta(id NodeID, m Meta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.valid(id) {
		t.nodes[id].meta = m
	}
}

// Min returns the leaf's minimum, if declared.
func (t *Tree) Min(id NodeID) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) || t.nodes[id].meta.Min == nil {
		return 0, false
	}
	return *t.nodes[id].meta.Min, true
}

// Max returns the leaf's maximum, if declared.
func (t *Tree) Max(id NodeID) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) || t.nodes[id].meta.Max == nil {
		return 0, false
	}
	return *t.nodes[id].meta.Max, true
}

// Description returns the leaf's description.
func (t *Tree) Description(id NodeID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return ""
	}
	return t.nodes[id].meta.Description
}

// SetDefault stores the leaf's default value.
func (t *Tree) SetDefault(id NodeID, v Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.valid(id) {
		t.nodes[id].defaultVal = v
	}
}

// Default returns the leaf's default value.
func (t *Tree) Default(id NodeID) Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return Invalid()
	}
	return t.nodes[id].defaultVal
}

// Subscribe registers a change handler on one node. Handlers run after the
// value is stored, in registration order, from a snapshot taken at emit
// time so reentrant subscription changes are safe.
func (t *Tree) Subscribe(id NodeID, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.valid(id) {
		t.nodes[id].handlers = append(t.nodes[id].handlers, h)
	}
}

// Watch registers a tree-wide change observer.
func (t *Tree) Watch(w Watcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watchers = append(t.watchers, w)
}

// SetWriteHandler routes external writes on a leaf to its owner.
func (t *Tree) SetWriteHandler(id NodeID, h WriteHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.valid(id) {
		t.nodes[id].onWrite = h
	}
}

// WriteValue is the external write entry point. A leaf with a write
// handler forwards the intent to its owner; a plain leaf stores the value
// directly (settings behave this way).
func (t *Tree) WriteValue(id NodeID, v Value) error {
	t.mu.Lock()
	if !t.valid(id) {
		t.mu.Unlock()
		return fmt.Errorf("tree: no such node %d", id)
	}
	h := t.nodes[id].onWrite
	t.mu.Unlock()

	if h != nil {
		return h(v)
	}
	if !t.SetValue(id, v) && !t.Value(id).Equal(v) {
		return fmt.Errorf("tree: write rejected on %s", t.Path(id))
	}
	return nil
}
