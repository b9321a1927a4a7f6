// SPDX-License-Identifier: Apache-2.0

package ctxtree

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// WrapKind selects what a raw value becomes when it is inserted.
type WrapKind int

const (
	// WrapNode wraps raw values in a [Node] (default behavior).
	WrapNode WrapKind = iota
	// WrapContainer wraps raw values in a [Container]. Mappings become the
	// container's children; anything else is stored under [DefaultKey].
	WrapContainer
)

func (k WrapKind) String() string {
	switch k {
	case WrapNode:
		return "WrapNode"
	case WrapContainer:
		return "WrapContainer"
	default:
		return fmt.Sprintf("WrapKind(%d)", k)
	}
}

// WrapPolicy governs how raw values become children. A Container stores
// one and applies it to every child it creates, including containers
// created implicitly for dotted paths.
//
// The zero value wraps everything in a [Node] with access recording on.
type WrapPolicy struct {
	// RawPrimitives stores primitives (nil, bools, numbers, strings)
	// without wrapping. Non-primitive values are then rejected.
	RawPrimitives bool

	// WrapAs selects [WrapNode] or [WrapContainer].
	WrapAs WrapKind

	// DisableAccessRecord and DisableMetadataAccessRecord are applied to
	// newly wrapped items.
	DisableAccessRecord         bool
	DisableMetadataAccessRecord bool
}

// WrapOptions configures a single call to [Wrap].
type WrapOptions struct {
	WrapPolicy

	// ChildPolicy is the default policy of a new container's own children.
	ChildPolicy WrapPolicy
	// Metadata is given to the new item.
	Metadata map[string]any
	// Logger is handed to new containers.
	Logger logrus.FieldLogger
	// Clock is handed to new items.
	Clock func() time.Time
}

// Wrap decides what a raw value becomes when inserted into a container:
//
//  1. an existing *Node or *Container is returned unchanged, so the same
//     instance can be shared by several parents;
//  2. with RawPrimitives, a primitive is returned as is and anything else
//     fails with a [*ValidationError];
//  3. otherwise a new Node or Container is built according to WrapAs.
func Wrap(raw any, opts WrapOptions) (any, error) {
	switch v := raw.(type) {
	case *Container:
		if v != nil {
			return v, nil
		}
	case *Node:
		if v != nil {
			return v, nil
		}
	}

	if opts.RawPrimitives {
		if !isPrimitive(raw) {
			return nil, &ValidationError{
				Message: fmt.Sprintf("cannot store %T unwrapped: not a primitive", raw),
			}
		}
		return raw, nil
	}

	nodeOpts := NodeOptions{
		Metadata:                    opts.Metadata,
		DisableAccessRecord:         opts.DisableAccessRecord,
		DisableMetadataAccessRecord: opts.DisableMetadataAccessRecord,
		Clock:                       opts.Clock,
	}
	if opts.WrapAs == WrapContainer {
		return NewContainer(raw, ContainerOptions{
			NodeOptions: nodeOpts,
			Policy:      opts.ChildPolicy,
			Logger:      opts.Logger,
		})
	}
	return NewNode(raw, nodeOpts), nil
}
