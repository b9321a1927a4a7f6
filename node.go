// SPDX-License-Identifier: Apache-2.0

// Package ctxtree provides a hierarchical context store: a mutable tree of
// addressable nodes with per-node metadata, access bookkeeping and freeze
// semantics, plus a synchronization engine that reconciles two trees under
// directional and priority-based merge strategies.
//
// The tree is built from two variants. A [Node] is a leaf holding a single
// value. A [Container] is a Node that additionally owns named children,
// addressed with dotted paths such as "db.primary.host". Both satisfy the
// sealed [Item] interface, so callers discriminate them with a type switch.
//
// The store is not safe for concurrent use.
package ctxtree

import (
	"fmt"
	"time"

	"github.com/imdario/mergo"
)

// Kind identifies which variant a child slot holds.
type Kind int

const (
	// KindInvalid is reported for nil and for values that are not slots.
	KindInvalid Kind = iota
	// KindLeaf is a *Node.
	KindLeaf
	// KindBranch is a *Container.
	KindBranch
	// KindRaw is a primitive stored without wrapping.
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid"
	case KindLeaf:
		return "Leaf"
	case KindBranch:
		return "Branch"
	case KindRaw:
		return "Raw"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// KindOf reports the kind of a child slot as returned by [Container.GetItem].
func KindOf(slot any) Kind {
	switch v := slot.(type) {
	case *Container:
		if v == nil {
			return KindInvalid
		}
		return KindBranch
	case *Node:
		if v == nil {
			return KindInvalid
		}
		return KindLeaf
	default:
		if isPrimitive(slot) {
			return KindRaw
		}
		return KindInvalid
	}
}

// Item is implemented by *Node and *Container only.
type Item interface {
	Kind() Kind
	Get() any
	Set(value any) error
	Metadata() map[string]any
	SetMetadata(patch map[string]any, merge bool) error
	Freeze()
	Unfreeze()
	IsFrozen() bool
	ChangeAccessRecord(rec AccessRecord)
	CreatedAt() time.Time
	ModifiedAt() time.Time
	LastAccessedAt() time.Time

	base() *Node
}

// AccessRecord changes the access bookkeeping flags of an item.
// A nil field leaves the corresponding flag untouched.
type AccessRecord struct {
	RecordAccess            *bool
	RecordAccessForMetadata *bool
}

// NodeOptions configures a new [Node].
//
// The zero value is valid: no metadata, all timestamps set to the current
// time, access recording enabled and the node not frozen.
type NodeOptions struct {
	// Metadata is copied into the node.
	Metadata map[string]any

	// CreatedAt, ModifiedAt and LastAccessedAt seed the timestamps.
	// Zero values mean "now".
	CreatedAt      time.Time
	ModifiedAt     time.Time
	LastAccessedAt time.Time

	// DisableAccessRecord stops reads and writes of the value from
	// updating the timestamps.
	DisableAccessRecord bool
	// DisableMetadataAccessRecord does the same for metadata.
	DisableMetadataAccessRecord bool

	// Frozen creates the node already frozen.
	Frozen bool

	// Clock supplies the current time. Defaults to [time.Now].
	Clock func() time.Time
}

// Node is a leaf of the tree. It holds one value, a metadata map, creation,
// modification and last-access timestamps, and a frozen flag.
//
// While frozen, the value and the metadata cannot change; the access
// recording flags can.
type Node struct {
	value    any
	metadata map[string]any

	createdAt      time.Time
	modifiedAt     time.Time
	lastAccessedAt time.Time

	recordAccess            bool
	recordAccessForMetadata bool
	frozen                  bool

	clock func() time.Time
}

// NewNode creates a [Node] holding value.
func NewNode(value any, opts NodeOptions) *Node {
	n := &Node{}
	n.init(value, opts)
	return n
}

func (n *Node) init(value any, opts NodeOptions) {
	n.clock = opts.Clock
	if n.clock == nil {
		n.clock = time.Now
	}
	t := n.now()
	n.value = value
	n.metadata = cloneMetadata(opts.Metadata)
	n.createdAt = orTime(opts.CreatedAt, t)
	n.modifiedAt = orTime(opts.ModifiedAt, t)
	n.lastAccessedAt = orTime(opts.LastAccessedAt, t)
	n.recordAccess = !opts.DisableAccessRecord
	n.recordAccessForMetadata = !opts.DisableMetadataAccessRecord
	n.frozen = opts.Frozen
}

func orTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// cloneMetadata deep-copies md so no nested map is shared with the caller.
func cloneMetadata(md map[string]any) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return copyValue(md).(map[string]any)
}

func (n *Node) base() *Node { return n }

// Kind returns [KindLeaf].
func (n *Node) Kind() Kind { return KindLeaf }

// Get returns the value.
func (n *Node) Get() any {
	n.touchAccess()
	return n.value
}

// Set replaces the value. It fails with a [*FrozenError] if the node is frozen.
func (n *Node) Set(value any) error {
	if n.frozen {
		return &FrozenError{Op: "set"}
	}
	n.value = value
	n.touchModified()
	return nil
}

// Metadata returns a deep copy of the metadata map.
func (n *Node) Metadata() map[string]any {
	if n.recordAccessForMetadata {
		n.lastAccessedAt = n.now()
	}
	return cloneMetadata(n.metadata)
}

// SetMetadata merges patch into the metadata, or replaces the metadata with
// patch when merge is false. Nested maps are merged deeply.
func (n *Node) SetMetadata(patch map[string]any, merge bool) error {
	if n.frozen {
		return &FrozenError{Op: "set metadata"}
	}
	if !merge {
		n.metadata = cloneMetadata(patch)
	} else if len(patch) > 0 {
		if n.metadata == nil {
			n.metadata = map[string]any{}
		}
		if err := mergo.Merge(&n.metadata, cloneMetadata(patch), mergo.WithOverride); err != nil {
			return &ValidationError{Message: fmt.Sprintf("cannot merge metadata: %v", err)}
		}
	}
	if n.recordAccessForMetadata {
		t := n.now()
		n.modifiedAt = t
		n.lastAccessedAt = t
	}
	return nil
}

// Freeze makes the value and metadata immutable. Freezing twice is harmless.
func (n *Node) Freeze() { n.frozen = true }

// Unfreeze reverses [Node.Freeze].
func (n *Node) Unfreeze() { n.frozen = false }

// IsFrozen reports whether the node is frozen.
func (n *Node) IsFrozen() bool { return n.frozen }

// ChangeAccessRecord updates the access recording flags. It is permitted on
// frozen nodes.
func (n *Node) ChangeAccessRecord(rec AccessRecord) {
	if rec.RecordAccess != nil {
		n.recordAccess = *rec.RecordAccess
	}
	if rec.RecordAccessForMetadata != nil {
		n.recordAccessForMetadata = *rec.RecordAccessForMetadata
	}
}

// RecordsAccess reports whether value reads and writes update the timestamps.
func (n *Node) RecordsAccess() bool { return n.recordAccess }

// RecordsMetadataAccess reports whether metadata reads and writes update the timestamps.
func (n *Node) RecordsMetadataAccess() bool { return n.recordAccessForMetadata }

func (n *Node) CreatedAt() time.Time      { return n.createdAt }
func (n *Node) ModifiedAt() time.Time     { return n.modifiedAt }
func (n *Node) LastAccessedAt() time.Time { return n.lastAccessedAt }

// ReinitOptions controls [Node.Reinitialize] and [Container.Reinitialize].
type ReinitOptions struct {
	// KeepFrozen preserves the frozen flag instead of unfreezing.
	KeepFrozen bool
}

// Reinitialize resets the value, the metadata and all timestamps. The node
// is unfrozen unless opts.KeepFrozen is set.
func (n *Node) Reinitialize(value any, metadata map[string]any, opts ReinitOptions) {
	n.reset(value, metadata)
	if !opts.KeepFrozen {
		n.frozen = false
	}
}

// Clear resets the value to nil, empties the metadata, resets the
// timestamps and unfreezes the node.
func (n *Node) Clear() {
	n.reset(nil, nil)
	n.frozen = false
}

func (n *Node) reset(value any, metadata map[string]any) {
	t := n.now()
	n.value = value
	n.metadata = cloneMetadata(metadata)
	n.createdAt = t
	n.modifiedAt = t
	n.lastAccessedAt = t
}

func (n *Node) touchAccess() {
	if n.recordAccess {
		n.lastAccessedAt = n.now()
	}
}

func (n *Node) touchModified() {
	if n.recordAccess {
		t := n.now()
		n.modifiedAt = t
		n.lastAccessedAt = t
	}
}

func (n *Node) options() NodeOptions {
	return NodeOptions{
		DisableAccessRecord:         !n.recordAccess,
		DisableMetadataAccessRecord: !n.recordAccessForMetadata,
		Clock:                       n.clock,
	}
}

func (n *Node) now() time.Time {
	if n.clock == nil {
		return time.Now()
	}
	return n.clock()
}
