// SPDX-License-Identifier: Apache-2.0

package ctxtree

import (
	"errors"
	"fmt"
	"maps"
)

// reservedKeys are the names of the node and container operations and
// properties. They cannot be used as child keys verbatim.
var reservedKeys = map[string]struct{}{
	"value": {}, "metadata": {}, "children": {}, "size": {},
	"createdAt": {}, "modifiedAt": {}, "lastAccessedAt": {},
	"recordAccess": {}, "recordAccessForMetadata": {}, "frozen": {},
	"get": {}, "set": {}, "setMetadata": {}, "changeAccessRecord": {},
	"freeze": {}, "unfreeze": {}, "isFrozen": {},
	"reinitialize": {}, "clear": {},
	"setItem": {}, "getItem": {}, "getValue": {}, "getWrappedItem": {},
	"hasItem": {}, "removeItem": {}, "clearItems": {},
	"keys": {}, "items": {}, "entries": {},
}

// IsReservedKey reports whether key is one of the reserved names.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// storageKey is the key a top-level key is stored under.
func storageKey(key string) string {
	if IsReservedKey(key) {
		return "_" + key
	}
	return key
}

// SetOption adjusts a single [Container.SetItem] call.
type SetOption func(*setConfig)

type setConfig struct {
	policy       WrapPolicy
	metadata     map[string]any
	ignoreFrozen bool
}

// WithWrapAs overrides the container's WrapAs for this call.
func WithWrapAs(kind WrapKind) SetOption {
	return func(cfg *setConfig) { cfg.policy.WrapAs = kind }
}

// WithRawPrimitives overrides the container's RawPrimitives for this call.
func WithRawPrimitives(raw bool) SetOption {
	return func(cfg *setConfig) { cfg.policy.RawPrimitives = raw }
}

// WithAccessRecord sets the access recording flags of the new item.
func WithAccessRecord(record, recordMetadata bool) SetOption {
	return func(cfg *setConfig) {
		cfg.policy.DisableAccessRecord = !record
		cfg.policy.DisableMetadataAccessRecord = !recordMetadata
	}
}

// WithMetadata gives the new item metadata.
func WithMetadata(md map[string]any) SetOption {
	return func(cfg *setConfig) { cfg.metadata = maps.Clone(md) }
}

// IgnoreFrozen allows overwriting a frozen child, or inserting into a
// frozen container.
func IgnoreFrozen() SetOption {
	return func(cfg *setConfig) { cfg.ignoreFrozen = true }
}

func (c *Container) setConfig(opts []SetOption) setConfig {
	cfg := setConfig{policy: c.policy}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c *Container) setItem(key string, value any, cfg setConfig) error {
	if key == "" {
		return &ValidationError{Message: "key must be a non-empty string"}
	}
	if c.frozen && !cfg.ignoreFrozen {
		return &FrozenError{Op: "set item", Path: key}
	}

	head, rest, nested := splitPath(key)
	if nested {
		return c.setNested(key, head, rest, value, cfg)
	}

	if IsReservedKey(key) {
		c.log.WithField("key", key).Warnf("key %q is reserved, storing it as %q", key, storageKey(key))
		key = storageKey(key)
	}
	if existing, ok := c.children[key].(Item); ok && existing.IsFrozen() && !cfg.ignoreFrozen {
		return &FrozenError{Op: "overwrite", Path: key}
	}

	wrapped, err := Wrap(value, WrapOptions{
		WrapPolicy:  cfg.policy,
		ChildPolicy: c.policy,
		Metadata:    cfg.metadata,
		Logger:      c.log,
		Clock:       c.clock,
	})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) && verr.Key == "" {
			verr.Key = key
		}
		return err
	}
	c.children[key] = wrapped
	c.touchModified()
	return nil
}

func (c *Container) setNested(key, head, rest string, value any, cfg setConfig) error {
	if head == "" || rest == "" {
		return &ValidationError{Key: key, Message: "path has an empty segment"}
	}
	if IsReservedKey(head) {
		return &ReservedKeyError{Key: key, Segment: head}
	}

	var child *Container
	switch existing := c.children[head].(type) {
	case nil:
		child = newEmptyContainer(c.childOptions())
		c.children[head] = child
		c.touchModified()
	case *Container:
		child = existing
	default:
		return &ValidationError{
			Key:     key,
			Message: fmt.Sprintf("segment %q is occupied by a %s, not a container", head, KindOf(existing)),
		}
	}

	if err := child.setItem(rest, value, cfg); err != nil {
		return prefixError(err, head)
	}
	c.touchModified()
	return nil
}

// prefixError qualifies the path carried by err with the parent segment.
func prefixError(err error, segment string) error {
	switch e := err.(type) {
	case *FrozenError:
		e.Path = joinPath(segment, e.Path)
	case *ValidationError:
		if e.Key != "" {
			e.Key = joinPath(segment, e.Key)
		}
	case *ReservedKeyError:
		e.Key = joinPath(segment, e.Key)
	}
	return err
}
