// SPDX-License-Identifier: Apache-2.0

package ctxtree_test

import (
	"slices"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sam-fredrickson/ctxtree"
)

func TestContainerFromMapping(t *testing.T) {
	c, _ := newContainer(t, map[string]any{"a": 1, "b": "two"}, nil)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, ctxtree.KindBranch, c.Kind())
	assert.Equal(t, map[string]any{"a": 1, "b": "two"}, c.Get())

	item, err := c.GetWrappedItem("a")
	require.NoError(t, err)
	assert.Equal(t, ctxtree.KindLeaf, item.Kind())
}

func TestContainerFromNonMapping(t *testing.T) {
	c, _ := newContainer(t, []any{1, 2}, nil)

	assert.Equal(t, 1, c.Len())
	v, err := c.GetValue(ctxtree.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, v)

	slot, err := c.GetItem(ctxtree.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, ctxtree.KindLeaf, ctxtree.KindOf(slot))
}

func TestContainerSetGetRoundTrip(t *testing.T) {
	c, _ := newContainer(t, nil, nil)

	values := map[string]any{
		"int":    42,
		"string": "hello",
		"nil":    nil,
		"list":   []any{1, "a"},
		"map":    map[string]any{"k": "v"},
	}
	for k, v := range values {
		_, err := c.SetItem(k, v)
		require.NoError(t, err)
	}
	for k, want := range values {
		got, err := c.GetValue(k)
		require.NoError(t, err)
		assert.Equal(t, want, got, "key %s", k)
		assert.True(t, c.HasItem(k), "key %s", k)
	}
}

func TestContainerSetItemChains(t *testing.T) {
	c, _ := newContainer(t, nil, nil)

	got, err := c.SetItem("a", 1)
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestContainerDottedPaths(t *testing.T) {
	c, _ := newContainer(t, nil, nil)

	_, err := c.SetItem("db.primary.host", "db1")
	require.NoError(t, err)
	_, err = c.SetItem("db.primary.port", 5432)
	require.NoError(t, err)

	db, err := c.GetWrappedItem("db")
	require.NoError(t, err)
	require.IsType(t, &ctxtree.Container{}, db)

	primary, err := db.(*ctxtree.Container).GetWrappedItem("primary")
	require.NoError(t, err)
	require.IsType(t, &ctxtree.Container{}, primary)

	host, err := c.GetValue("db.primary.host")
	require.NoError(t, err)
	assert.Equal(t, "db1", host)

	v, err := c.GetValue("db")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"primary": map[string]any{"host": "db1", "port": 5432},
	}, v)
}

func TestContainerNestedSegmentOccupied(t *testing.T) {
	c, _ := newContainer(t, map[string]any{"a": 1}, nil)

	_, err := c.SetItem("a.b", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ctxtree.ErrValidation)

	var verr *ctxtree.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "a.b", verr.Key)

	v, _ := c.GetValue("a")
	assert.Equal(t, 1, v)
}

func TestContainerInvalidKeys(t *testing.T) {
	tests := []string{"", "a..b", "a.", ".a"}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			c, _ := newContainer(t, nil, nil)
			_, err := c.SetItem(key, 1)
			assert.ErrorIs(t, err, ctxtree.ErrValidation)
		})
	}
}

func TestContainerReservedTopLevelKey(t *testing.T) {
	c, hook := newContainer(t, nil, nil)

	_, err := c.SetItem("value", 1)
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "value", entry.Data["key"])

	assert.Equal(t, []string{"_value"}, slices.Collect(c.Keys()))
	assert.True(t, c.HasItem("value"))
	assert.True(t, c.HasItem("_value"))

	v, err := c.GetValue("value")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, map[string]any{"_value": 1}, c.Get())
}

func TestContainerReservedNestedSegment(t *testing.T) {
	c, hook := newContainer(t, nil, nil)

	_, err := c.SetItem("keys.x", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ctxtree.ErrReservedKey)
	var rerr *ctxtree.ReservedKeyError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "keys", rerr.Segment)
	assert.Equal(t, 0, c.Len())

	_, err = c.GetItem("keys.x")
	assert.ErrorIs(t, err, ctxtree.ErrReservedKey)
	_, err = c.GetValue("metadata.x")
	assert.ErrorIs(t, err, ctxtree.ErrReservedKey)
	_, err = c.RemoveItem("frozen.x")
	assert.ErrorIs(t, err, ctxtree.ErrReservedKey)
	assert.False(t, c.HasItem("keys.x"))

	// a reserved key below the first segment is renamed inside the child
	_, err = c.SetItem("cfg.value", 2)
	require.NoError(t, err)
	assert.Len(t, hook.AllEntries(), 1)
	v, err := c.GetValue("cfg.value")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, map[string]any{"cfg": map[string]any{"_value": 2}}, c.Get())
}

func TestContainerFrozenChild(t *testing.T) {
	c, _ := newContainer(t, map[string]any{"a": 1}, nil)
	item, err := c.GetWrappedItem("a")
	require.NoError(t, err)
	item.Freeze()

	_, err = c.SetItem("a", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ctxtree.ErrFrozen)
	v, _ := c.GetValue("a")
	assert.Equal(t, 1, v)

	_, err = c.SetItem("a", 3, ctxtree.IgnoreFrozen())
	require.NoError(t, err)
	v, _ = c.GetValue("a")
	assert.Equal(t, 3, v)

	replaced, _ := c.GetWrappedItem("a")
	assert.False(t, replaced.IsFrozen())
}

func TestContainerFrozen(t *testing.T) {
	c, _ := newContainer(t, map[string]any{"a": 1}, nil)
	c.Freeze()

	_, err := c.SetItem("b", 2)
	assert.ErrorIs(t, err, ctxtree.ErrFrozen)
	_, err = c.RemoveItem("a")
	assert.ErrorIs(t, err, ctxtree.ErrFrozen)
	assert.ErrorIs(t, c.ClearItems(), ctxtree.ErrFrozen)
	assert.ErrorIs(t, c.Set(map[string]any{"x": 1}), ctxtree.ErrFrozen)
	assert.ErrorIs(t, c.SetMetadata(map[string]any{"x": 1}, true), ctxtree.ErrFrozen)
	assert.Equal(t, map[string]any{"a": 1}, c.Get())

	// children keep their own frozen state
	item, _ := c.GetWrappedItem("a")
	require.NoError(t, item.Set(5))

	_, err = c.SetItem("b", 2, ctxtree.IgnoreFrozen())
	require.NoError(t, err)
	assert.True(t, c.HasItem("b"))
}

func TestContainerFrozenNestedPath(t *testing.T) {
	c, _ := newContainer(t, nil, nil)
	_, err := c.SetItem("db.host", "a")
	require.NoError(t, err)
	db, _ := c.GetWrappedItem("db")
	db.Freeze()

	_, err = c.SetItem("db.host", "b")
	require.Error(t, err)
	var ferr *ctxtree.FrozenError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "db.host", ferr.Path)
}

func TestContainerStructuralLookup(t *testing.T) {
	type server struct {
		Host string `yaml:"host"`
		Port int
	}
	c, _ := newContainer(t, nil, nil)
	_, err := c.SetItem("cfg", map[string]any{"db": map[string]any{"port": 5432}})
	require.NoError(t, err)
	_, err = c.SetItem("srv", server{Host: "example.com", Port: 80})
	require.NoError(t, err)
	_, err = c.SetItem("labels", map[string]string{"env": "prod"})
	require.NoError(t, err)

	tests := []struct {
		key  string
		want any
	}{
		{"cfg.db.port", 5432},
		{"cfg.db", map[string]any{"port": 5432}},
		{"srv.host", "example.com"},
		{"srv.Host", "example.com"},
		{"srv.Port", 80},
		{"labels.env", "prod"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := c.GetValue(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, c.HasItem(tt.key))

			// plain values found inside a node are not items
			item, err := c.GetWrappedItem(tt.key)
			require.NoError(t, err)
			assert.Nil(t, item)
		})
	}

	for _, key := range []string{"missing", "cfg.missing", "cfg.db.port.deeper", "srv.unknown"} {
		got, err := c.GetValue(key)
		require.NoError(t, err, key)
		assert.Nil(t, got, key)
		assert.False(t, c.HasItem(key), key)
	}
}

func TestContainerAccessTimestamps(t *testing.T) {
	clock := newFakeClock()
	c, _ := newContainer(t, nil, clock)

	written := clock.Advance(time.Second)
	_, err := c.SetItem("db.host", "x")
	require.NoError(t, err)
	assert.Equal(t, written, c.ModifiedAt())

	db, _ := c.GetWrappedItem("db")
	host, _ := c.GetWrappedItem("db.host")
	assert.Equal(t, written, host.CreatedAt())

	read := clock.Advance(time.Second)
	_, err = c.GetValue("db.host")
	require.NoError(t, err)
	assert.Equal(t, read, c.LastAccessedAt())
	assert.Equal(t, read, db.LastAccessedAt())
	assert.Equal(t, read, host.LastAccessedAt())

	// GetItem walks the containers but does not read the leaf
	peeked := clock.Advance(time.Second)
	_, err = c.GetItem("db.host")
	require.NoError(t, err)
	assert.Equal(t, peeked, db.LastAccessedAt())
	assert.Equal(t, read, host.LastAccessedAt())
	assert.Equal(t, written, host.ModifiedAt())
}

func TestContainerRemoveItem(t *testing.T) {
	c, _ := newContainer(t, nil, nil)
	_, err := c.SetItem("db.host", "x")
	require.NoError(t, err)
	_, err = c.SetItem("value", 1)
	require.NoError(t, err)

	removed, err := c.RemoveItem("db.host")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, c.HasItem("db.host"))
	assert.True(t, c.HasItem("db"))

	removed, err = c.RemoveItem("db.host")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = c.RemoveItem("value")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.RemoveItem("nothing.here")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestContainerClearItems(t *testing.T) {
	c, _ := newContainer(t, map[string]any{"a": 1, "b": 2}, nil)
	md := map[string]any{"owner": "me"}
	require.NoError(t, c.SetMetadata(md, false))

	require.NoError(t, c.ClearItems())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, md, c.Metadata())
}

func TestContainerIterators(t *testing.T) {
	c, _ := newContainer(t, map[string]any{"c": 3, "a": 1, "b": 2}, nil)

	assert.Equal(t, []string{"a", "b", "c"}, slices.Collect(c.Keys()))

	var values []any
	for slot := range c.Items() {
		values = append(values, slot.(*ctxtree.Node).Get())
	}
	assert.Equal(t, []any{1, 2, 3}, values)

	var keys []string
	for k, slot := range c.Entries() {
		keys = append(keys, k)
		assert.Equal(t, ctxtree.KindLeaf, ctxtree.KindOf(slot))
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	// early exit
	var first []string
	for k := range c.Keys() {
		first = append(first, k)
		break
	}
	assert.Equal(t, []string{"a"}, first)

	// mutation during iteration does not affect the pass
	var seen []string
	for k := range c.Entries() {
		seen = append(seen, k)
		_, _ = c.SetItem("z"+k, 0)
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, 6, c.Len())
}

func TestContainerSet(t *testing.T) {
	c, _ := newContainer(t, map[string]any{"a": 1}, nil)

	require.NoError(t, c.Set(map[string]any{"x": 1, "y": map[string]any{"z": 2}}))
	assert.Equal(t, map[string]any{"x": 1, "y": map[string]any{"z": 2}}, c.Get())
	assert.False(t, c.HasItem("a"))

	err := c.Set(42)
	assert.ErrorIs(t, err, ctxtree.ErrValidation)
	assert.Equal(t, 2, c.Len())
}

func TestContainerSetKeepsChildrenOnError(t *testing.T) {
	clock := newFakeClock()
	c, _ := newContainer(t, map[string]any{"a": 1}, clock)
	modified := c.ModifiedAt()
	clock.Advance(time.Hour)

	// "ok" is stored before the reserved nested segment fails
	err := c.Set(map[string]any{"ok": 1, "value.x": 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ctxtree.ErrReservedKey)

	assert.Equal(t, map[string]any{"a": 1}, c.Get())
	assert.False(t, c.HasItem("ok"))
	assert.Equal(t, modified, c.ModifiedAt())

	_, err = c.SetItem("b", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
}

func TestContainerReinitialize(t *testing.T) {
	clock := newFakeClock()
	c, _ := newContainer(t, map[string]any{"a": 1}, clock)
	c.Freeze()

	now := clock.Advance(time.Hour)
	require.NoError(t, c.Reinitialize(map[string]any{"z": 26}, map[string]any{"v": 2}, ctxtree.ReinitOptions{}))
	assert.False(t, c.IsFrozen())
	assert.Equal(t, map[string]any{"z": 26}, c.Get())
	assert.Equal(t, map[string]any{"v": 2}, c.Metadata())
	assert.Equal(t, now, c.CreatedAt())

	c.Freeze()
	require.NoError(t, c.Reinitialize("plain", nil, ctxtree.ReinitOptions{KeepFrozen: true}))
	assert.True(t, c.IsFrozen())
	v, err := c.GetValue(ctxtree.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestContainerClear(t *testing.T) {
	c, _ := newContainer(t, map[string]any{"a": 1}, nil)
	require.NoError(t, c.SetMetadata(map[string]any{"x": 1}, true))
	c.Freeze()

	c.Clear()
	assert.False(t, c.IsFrozen())
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Metadata())
}

func TestContainerSharedChild(t *testing.T) {
	shared := ctxtree.NewNode(1, ctxtree.NodeOptions{})
	c1, _ := newContainer(t, nil, nil)
	c2, _ := newContainer(t, nil, nil)

	_, err := c1.SetItem("x", shared)
	require.NoError(t, err)
	_, err = c2.SetItem("y", shared)
	require.NoError(t, err)

	item, _ := c1.GetWrappedItem("x")
	require.NoError(t, item.Set(2))

	v, _ := c2.GetValue("y")
	assert.Equal(t, 2, v)
	other, _ := c2.GetWrappedItem("y")
	assert.Same(t, shared, other)
}

func TestContainerCycleGet(t *testing.T) {
	a, _ := newContainer(t, map[string]any{"n": 1}, nil)
	_, err := a.SetItem("self", a)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1}, a.Get())

	b, _ := newContainer(t, nil, nil)
	c, _ := newContainer(t, nil, nil)
	_, err = b.SetItem("c", c)
	require.NoError(t, err)
	_, err = c.SetItem("b", b)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"c": map[string]any{}}, b.Get())
}

func TestContainerRawPrimitives(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c, err := ctxtree.NewContainer(map[string]any{"a": 1, "s": "x"}, ctxtree.ContainerOptions{
		Policy: ctxtree.WrapPolicy{RawPrimitives: true},
		Logger: logger,
	})
	require.NoError(t, err)

	slot, err := c.GetItem("a")
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	assert.Equal(t, ctxtree.KindRaw, ctxtree.KindOf(slot))

	item, err := c.GetWrappedItem("a")
	require.NoError(t, err)
	assert.Nil(t, item)

	_, err = c.SetItem("m", map[string]any{"k": 1})
	require.Error(t, err)
	var verr *ctxtree.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "m", verr.Key)

	// a per-call option wins over the policy
	_, err = c.SetItem("m", map[string]any{"k": 1}, ctxtree.WithRawPrimitives(false))
	require.NoError(t, err)
	assert.Equal(t, ctxtree.KindLeaf, ctxtree.KindOf(mustGetItem(t, c, "m")))

	// containers created for dotted paths inherit the policy
	_, err = c.SetItem("x.y", 2)
	require.NoError(t, err)
	assert.Equal(t, ctxtree.KindRaw, ctxtree.KindOf(mustGetItem(t, c, "x.y")))
}

func TestContainerNonPrimitiveDefaultUnderRawPolicy(t *testing.T) {
	c, err := ctxtree.NewContainer([]any{1}, ctxtree.ContainerOptions{
		Policy: ctxtree.WrapPolicy{RawPrimitives: true},
	})
	require.NoError(t, err)
	assert.Equal(t, ctxtree.KindLeaf, ctxtree.KindOf(mustGetItem(t, c, ctxtree.DefaultKey)))
}

func TestContainerSetOptions(t *testing.T) {
	c, _ := newContainer(t, nil, nil)

	_, err := c.SetItem("sub", map[string]any{"a": 1}, ctxtree.WithWrapAs(ctxtree.WrapContainer))
	require.NoError(t, err)
	sub, ok := mustGetItem(t, c, "sub").(*ctxtree.Container)
	require.True(t, ok)
	assert.Equal(t, ctxtree.KindLeaf, ctxtree.KindOf(mustGetItem(t, sub, "a")))

	_, err = c.SetItem("boxed", 5, ctxtree.WithWrapAs(ctxtree.WrapContainer))
	require.NoError(t, err)
	v, err := c.GetValue("boxed.default")
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	_, err = c.SetItem("quiet", 1,
		ctxtree.WithAccessRecord(false, true),
		ctxtree.WithMetadata(map[string]any{"owner": "ops"}))
	require.NoError(t, err)
	quiet, ok := mustGetItem(t, c, "quiet").(*ctxtree.Node)
	require.True(t, ok)
	assert.False(t, quiet.RecordsAccess())
	assert.True(t, quiet.RecordsMetadataAccess())
	assert.Equal(t, map[string]any{"owner": "ops"}, quiet.Metadata())
}

func TestContainerSetPolicy(t *testing.T) {
	c, _ := newContainer(t, nil, nil)
	c.SetPolicy(ctxtree.WrapPolicy{WrapAs: ctxtree.WrapContainer})
	assert.Equal(t, ctxtree.WrapContainer, c.Policy().WrapAs)

	_, err := c.SetItem("a", map[string]any{"b": 1})
	require.NoError(t, err)
	a, ok := mustGetItem(t, c, "a").(*ctxtree.Container)
	require.True(t, ok)

	// the policy carries down to the new container's children
	assert.Equal(t, ctxtree.KindBranch, ctxtree.KindOf(mustGetItem(t, a, "b")))
	v, err := c.GetValue("a.b.default")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func mustGetItem(t *testing.T, c *ctxtree.Container, key string) any {
	t.Helper()
	slot, err := c.GetItem(key)
	require.NoError(t, err)
	require.NotNil(t, slot, key)
	return slot
}
