// Package sysctl implements the observer-only system control/statistics
// tree spec.md §6 names as a collaborator interface: a hierarchy of
// named Attribute nodes, each backed by a Get callback rather than a
// stored value, so a read always reflects live subsystem state. Grounded
// on original_source/lib/sysctl.c's sysobj/sysset tree (objects know
// their parent and children; sysset_find_obj walks a "/"-separated path;
// sysobj_show_attr/sysobj_store_attr dispatch to a named attribute's
// show/store function), simplified to a single Tree type addressed by
// path strings instead of a sysobj/sysset object pair, since nothing in
// this build needs the kobject-style refcounting the original's comment
// block says it deliberately omits.
package sysctl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flightsw/leoncore/internal/kerr"
)

// Value is the scalar type an Attribute reads or, for the narrow
// writable subset, accepts. The tree itself is agnostic to what
// underlying type a subsystem stores here (uint32 counters, string
// identifiers, bool flags); it only moves the value through.
type Value any

// Attribute is one leaf of the tree: a name, a Get callback invoked on
// every read (sysobj_show_attr's show()), and an optional Set callback
// for the narrow writable subset (sysobj_store_attr's store(), nil for
// every attribute spec.md doesn't explicitly mark writable).
type Attribute struct {
	Name string
	Get  func() Value
	Set  func(Value) error
}

// Writable reports whether Store may be called against this attribute.
func (a Attribute) Writable() bool { return a.Set != nil }

// node is one group in the tree (a sysobj acting as a parent, or a
// sysset in the original's terms): named children groups plus named leaf
// attributes.
type node struct {
	children map[string]*node
	attrs    map[string]Attribute
}

func newNode() *node {
	return &node{children: make(map[string]*node), attrs: make(map[string]Attribute)}
}

// Tree is the root of the sysctl hierarchy. The zero value is not
// usable; use New.
type Tree struct {
	root *node
}

// New builds an empty Tree.
func New() *Tree {
	return &Tree{root: newNode()}
}

// splitPath breaks a "/"-separated path into its group segments and the
// final attribute name, rejecting empty segments.
func splitPath(path string) (groups []string, leaf string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, p := range parts {
		if p == "" {
			return nil, "", fmt.Errorf("sysctl: %w: empty path segment in %q", kerr.ErrInvalidArg, path)
		}
	}
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("sysctl: %w: empty path", kerr.ErrInvalidArg)
	}
	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

func (t *Tree) groupFor(groups []string, create bool) (*node, error) {
	n := t.root
	for _, g := range groups {
		child, ok := n.children[g]
		if !ok {
			if !create {
				return nil, fmt.Errorf("sysctl: %w: group %q", kerr.ErrNotFound, g)
			}
			child = newNode()
			n.children[g] = child
		}
		n = child
	}
	return n, nil
}

// Register adds attr under the group path (e.g. "mm" or "sched/cpu0"),
// creating intermediate groups as needed. An attribute already
// registered at that exact path is replaced, matching sysobj_add's
// unconditional assignment.
func (t *Tree) Register(groupPath string, attr Attribute) error {
	if attr.Name == "" {
		return fmt.Errorf("sysctl: %w: attribute name must not be empty", kerr.ErrInvalidArg)
	}
	if attr.Get == nil {
		return fmt.Errorf("sysctl: %w: attribute %q has no Get", kerr.ErrInvalidArg, attr.Name)
	}
	groupPath = strings.Trim(groupPath, "/")
	var groups []string
	if groupPath != "" {
		groups = strings.Split(groupPath, "/")
		for _, g := range groups {
			if g == "" {
				return fmt.Errorf("sysctl: %w: empty group segment in %q", kerr.ErrInvalidArg, groupPath)
			}
		}
	}
	n, err := t.groupFor(groups, true)
	if err != nil {
		return err
	}
	n.attrs[attr.Name] = attr
	return nil
}

// Get reads the attribute at path (e.g. "mm/alloc_fail"), invoking its
// Get callback.
func (t *Tree) Get(path string) (Value, error) {
	groups, leaf, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	n, err := t.groupFor(groups, false)
	if err != nil {
		return nil, err
	}
	attr, ok := n.attrs[leaf]
	if !ok {
		return nil, fmt.Errorf("sysctl: %w: attribute %q", kerr.ErrNotFound, path)
	}
	return attr.Get(), nil
}

// Store writes v to the attribute at path, if and only if that
// attribute was registered with a Set callback (the "store attribute"
// syscall stub spec.md §6 names, restricted to the narrow writable
// subset).
func (t *Tree) Store(path string, v Value) error {
	groups, leaf, err := splitPath(path)
	if err != nil {
		return err
	}
	n, err := t.groupFor(groups, false)
	if err != nil {
		return err
	}
	attr, ok := n.attrs[leaf]
	if !ok {
		return fmt.Errorf("sysctl: %w: attribute %q", kerr.ErrNotFound, path)
	}
	if attr.Set == nil {
		return fmt.Errorf("sysctl: %w: attribute %q is read-only", kerr.ErrInvalidAttr, path)
	}
	return attr.Set(v)
}

// List returns the sorted names of the groups and attributes directly
// under groupPath (sysobj_list_attr/sysset_show_tree's traversal,
// flattened to one level per call).
func (t *Tree) List(groupPath string) (groupNames, attrNames []string, err error) {
	var groups []string
	if trimmed := strings.Trim(groupPath, "/"); trimmed != "" {
		groups = strings.Split(trimmed, "/")
	}
	n, err := t.groupFor(groups, false)
	if err != nil {
		return nil, nil, err
	}
	for name := range n.children {
		groupNames = append(groupNames, name)
	}
	for name := range n.attrs {
		attrNames = append(attrNames, name)
	}
	sort.Strings(groupNames)
	sort.Strings(attrNames)
	return groupNames, attrNames, nil
}
