// SPDX-License-Identifier: Apache-2.0

package ctxtree

import (
	"iter"
	"maps"
	"slices"

	"github.com/sirupsen/logrus"
)

// DefaultKey holds the value a container was built from when that value
// is not a mapping.
const DefaultKey = "default"

// ContainerOptions configures a new [Container].
//
// The zero value is valid: the container records access, is not frozen,
// wraps children in Nodes and logs through the logrus standard logger.
type ContainerOptions struct {
	// NodeOptions configure the container's own node state.
	NodeOptions

	// Policy is the default wrap policy for children.
	Policy WrapPolicy

	// Logger receives warnings such as reserved key renames.
	Logger logrus.FieldLogger
}

// Container is a [Node] that owns named children. Each child slot holds a
// *Node, a *Container or, under a RawPrimitives policy, a raw primitive.
//
// A Container built from a mapping gets one child per entry; built from
// any other value, it stores that value under [DefaultKey].
//
// Children inserted as existing *Node or *Container values are shared, not
// copied: a change made through one parent is visible through every parent
// holding the same instance.
type Container struct {
	Node

	children map[string]any
	policy   WrapPolicy
	log      logrus.FieldLogger
}

// NewContainer creates a [Container] populated from initial.
func NewContainer(initial any, opts ContainerOptions) (*Container, error) {
	c := newEmptyContainer(opts)
	if err := c.populate(initial); err != nil {
		return nil, err
	}
	return c, nil
}

func newEmptyContainer(opts ContainerOptions) *Container {
	c := &Container{
		children: map[string]any{},
		policy:   opts.Policy,
		log:      opts.Logger,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.Node.init(nil, opts.NodeOptions)
	return c
}

func (c *Container) populate(initial any) error {
	if initial == nil {
		return nil
	}
	if m, ok := asMapping(initial); ok {
		for _, k := range slices.Sorted(maps.Keys(m)) {
			if err := c.setItem(k, m[k], c.setConfig(nil)); err != nil {
				return err
			}
		}
		return nil
	}
	cfg := c.setConfig(nil)
	// the sentinel child is never itself a container
	cfg.policy.WrapAs = WrapNode
	if cfg.policy.RawPrimitives && !isPrimitive(initial) {
		cfg.policy.RawPrimitives = false
	}
	return c.setItem(DefaultKey, initial, cfg)
}

// childOptions are the options for containers this container creates.
func (c *Container) childOptions() ContainerOptions {
	return ContainerOptions{
		NodeOptions: NodeOptions{
			DisableAccessRecord:         c.policy.DisableAccessRecord,
			DisableMetadataAccessRecord: c.policy.DisableMetadataAccessRecord,
			Clock:                       c.clock,
		},
		Policy: c.policy,
		Logger: c.log,
	}
}

// Kind returns [KindBranch].
func (c *Container) Kind() Kind { return KindBranch }

// Policy returns the default wrap policy for children.
func (c *Container) Policy() WrapPolicy { return c.policy }

// SetPolicy replaces the default wrap policy for children created from now on.
func (c *Container) SetPolicy(p WrapPolicy) { c.policy = p }

// Logger returns the logger the container reports through.
func (c *Container) Logger() logrus.FieldLogger { return c.log }

// GetItem returns the slot stored at the dotted path key: a *Node, a
// *Container, a raw primitive, or a plain value found inside a Node's value.
// Missing keys yield nil; only a reserved first segment of a nested path is
// an error.
func (c *Container) GetItem(key string) (any, error) {
	slot, _, err := c.resolve(key, false)
	return slot, err
}

// GetWrappedItem is like [Container.GetItem] but only returns items; raw and
// plain values yield nil.
func (c *Container) GetWrappedItem(key string) (Item, error) {
	slot, _, err := c.resolve(key, false)
	if err != nil {
		return nil, err
	}
	switch v := slot.(type) {
	case *Container:
		return v, nil
	case *Node:
		return v, nil
	}
	return nil, nil
}

// GetValue returns the plain value at key. Reading through items records
// access on the leaf as well as on every container along the path.
func (c *Container) GetValue(key string) (any, error) {
	slot, _, err := c.resolve(key, true)
	if err != nil {
		return nil, err
	}
	switch v := slot.(type) {
	case *Container:
		return v.Get(), nil
	case *Node:
		return v.Get(), nil
	}
	return slot, nil
}

// HasItem reports whether something is stored at key.
func (c *Container) HasItem(key string) bool {
	_, found, err := c.resolve(key, false)
	return err == nil && found
}

func (c *Container) resolve(key string, touchLeaf bool) (any, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	head, rest, nested := splitPath(key)
	if nested && IsReservedKey(head) {
		return nil, false, &ReservedKeyError{Key: key, Segment: head}
	}
	c.touchAccess()
	if !nested {
		slot, ok := c.children[storageKey(head)]
		return slot, ok, nil
	}

	slot, ok := c.children[head]
	if !ok {
		return nil, false, nil
	}
	switch v := slot.(type) {
	case *Container:
		return v.resolve(rest, touchLeaf)
	case *Node:
		if touchLeaf {
			v.touchAccess()
		}
		val, found := lookupPath(v.value, rest)
		return val, found, nil
	default:
		val, found := lookupPath(slot, rest)
		return val, found, nil
	}
}

// SetItem stores value at the dotted path key and returns the container for
// chaining.
//
// Intermediate segments are created as containers using this container's
// policy; an intermediate segment occupied by something other than a
// container is a [*ValidationError], and a reserved intermediate segment a
// [*ReservedKeyError]. A reserved top-level key is renamed with a leading
// underscore and a warning is logged. Overwriting a frozen child fails with
// a [*FrozenError] unless [IgnoreFrozen] is given.
func (c *Container) SetItem(key string, value any, opts ...SetOption) (*Container, error) {
	if err := c.setItem(key, value, c.setConfig(opts)); err != nil {
		return nil, err
	}
	return c, nil
}

// RemoveItem removes the child at the dotted path key and reports whether
// anything was removed.
func (c *Container) RemoveItem(key string) (bool, error) {
	head, rest, nested := splitPath(key)
	if nested {
		if IsReservedKey(head) {
			return false, &ReservedKeyError{Key: key, Segment: head}
		}
		child, ok := c.children[head].(*Container)
		if !ok {
			return false, nil
		}
		return child.RemoveItem(rest)
	}
	k := storageKey(head)
	if _, ok := c.children[k]; !ok {
		return false, nil
	}
	if c.frozen {
		return false, &FrozenError{Op: "remove item", Path: key}
	}
	delete(c.children, k)
	c.touchModified()
	return true, nil
}

// ClearItems removes every child. The container's own node state is kept.
func (c *Container) ClearItems() error {
	if len(c.children) == 0 {
		return nil
	}
	if c.frozen {
		return &FrozenError{Op: "clear items"}
	}
	clear(c.children)
	c.touchModified()
	return nil
}

// Len returns the number of direct children.
func (c *Container) Len() int {
	return len(c.children)
}

// Keys returns the keys of the direct children in sorted order. The
// sequence can be ranged over repeatedly; each pass sees the children as
// they are when the pass starts.
func (c *Container) Keys() iter.Seq[string] {
	c.touchAccess()
	return func(yield func(string) bool) {
		for _, k := range c.sortedKeys() {
			if !yield(k) {
				return
			}
		}
	}
}

// Items returns the direct child slots in key order.
func (c *Container) Items() iter.Seq[any] {
	c.touchAccess()
	return func(yield func(any) bool) {
		snap := maps.Clone(c.children)
		for _, k := range slices.Sorted(maps.Keys(snap)) {
			if !yield(snap[k]) {
				return
			}
		}
	}
}

// Entries returns key and slot pairs of the direct children in key order.
func (c *Container) Entries() iter.Seq2[string, any] {
	c.touchAccess()
	return func(yield func(string, any) bool) {
		snap := maps.Clone(c.children)
		for _, k := range slices.Sorted(maps.Keys(snap)) {
			if !yield(k, snap[k]) {
				return
			}
		}
	}
}

func (c *Container) sortedKeys() []string {
	return slices.Sorted(maps.Keys(c.children))
}

// Get unwraps the whole subtree into a plain map. Every item read records
// access. A container already being unwrapped higher up the path is left out.
func (c *Container) Get() any {
	return c.unwrap(map[*Container]struct{}{}, true)
}

// snapshot is Get without touching timestamps.
func (c *Container) snapshot(path map[*Container]struct{}) map[string]any {
	return c.unwrap(path, false)
}

func (c *Container) unwrap(path map[*Container]struct{}, touch bool) map[string]any {
	if touch {
		c.touchAccess()
	}
	path[c] = struct{}{}
	defer delete(path, c)

	out := make(map[string]any, len(c.children))
	for k, slot := range c.children {
		switch v := slot.(type) {
		case *Container:
			if _, onPath := path[v]; onPath {
				continue
			}
			out[k] = v.unwrap(path, touch)
		case *Node:
			if touch {
				out[k] = v.Get()
			} else {
				out[k] = v.value
			}
		default:
			out[k] = slot
		}
	}
	return out
}

// Set replaces all children with the entries of a mapping. Anything other
// than a mapping is a [*ValidationError]. If an entry cannot be stored the
// previous children are kept.
func (c *Container) Set(value any) error {
	m, ok := asMapping(value)
	if !ok {
		return &ValidationError{Message: "container value must be a mapping"}
	}
	if c.frozen {
		return &FrozenError{Op: "set"}
	}
	prev, modified, accessed := c.children, c.modifiedAt, c.lastAccessedAt
	c.children = make(map[string]any, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if err := c.setItem(k, m[k], c.setConfig(nil)); err != nil {
			c.children, c.modifiedAt, c.lastAccessedAt = prev, modified, accessed
			return err
		}
	}
	c.touchModified()
	return nil
}

// Reinitialize resets the container's node state and rebuilds its children
// from newItemsOrValue by the same rule as [NewContainer]. The container is
// unfrozen unless opts.KeepFrozen is set.
func (c *Container) Reinitialize(newItemsOrValue any, metadata map[string]any, opts ReinitOptions) error {
	frozen := c.frozen
	c.Node.reset(nil, metadata)
	c.frozen = false
	clear(c.children)
	err := c.populate(newItemsOrValue)
	if opts.KeepFrozen {
		c.frozen = frozen
	}
	return err
}

// Clear empties the container, resets its node state and unfreezes it.
func (c *Container) Clear() {
	c.Node.Clear()
	clear(c.children)
}
