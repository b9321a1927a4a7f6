// SPDX-License-Identifier: Apache-2.0

package ctxtree

import (
	"reflect"
	"strings"
)

// Separator splits dotted paths into segments.
const Separator = "."

// splitPath splits key on its first separator.
func splitPath(key string) (head, rest string, nested bool) {
	return strings.Cut(key, Separator)
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + Separator + key
}

// lookupPath resolves a dotted path inside a plain value by structural
// field lookup: map keys, then exported struct fields (matched by
// serialized name or Go name).
func lookupPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, Separator) {
		next, ok := lookupField(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func lookupField(v any, name string) (any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		val, ok := m[name]
		return val, ok
	case *Container:
		slot, ok := m.children[name]
		if !ok {
			return nil, false
		}
		return plainOf(slot), true
	case *Node:
		return lookupField(m.value, name)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			if field.Name == name || serializedName(field) == name {
				return rv.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}

// plainOf returns the plain value of a slot without touching timestamps.
func plainOf(slot any) any {
	switch v := slot.(type) {
	case *Container:
		return v.snapshot(map[*Container]struct{}{})
	case *Node:
		return v.value
	default:
		return slot
	}
}

// copyValue deep-copies the map and slice shapes produced by document
// decoders. Other values are returned as is.
func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = copyValue(val)
		}
		return out
	default:
		return v
	}
}

// asMapping converts map values with string keys to map[string]any.
func asMapping(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// isPrimitive reports whether v is nil, a bool, a number or a string.
func isPrimitive(v any) bool {
	return v == nil || isPrimitiveKind(reflect.TypeOf(v).Kind())
}

// isComparable checks if a value can be compared with ==.
func isComparable(value any) bool {
	if value == nil {
		return true
	}
	return reflect.TypeOf(value).Comparable()
}

// sameSlot reports whether a and b are the same slot: the same item
// pointer, or equal comparable raw values.
func sameSlot(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !isComparable(a) || !isComparable(b) {
		return false
	}
	return a == b
}
