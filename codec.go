// SPDX-License-Identifier: Apache-2.0

package ctxtree

import (
	"maps"
	"slices"

	"github.com/goccy/go-yaml"
)

// Load builds a container from a serialized document using the provided
// unmarshal function. Works with any format (YAML, JSON, TOML, etc.) that
// unmarshals to map[string]any.
//
// Nested mappings become child containers, so every level of the document is
// addressable and synchronizable key by key. Other values are wrapped by
// opts.Policy. A document that is not a mapping is stored under [DefaultKey];
// an empty document yields an empty container.
//
// Example:
//
//	c, err := Load(data, yaml.Unmarshal, ContainerOptions{})
func Load(data []byte, unmarshal func([]byte, any) error, opts ContainerOptions) (*Container, error) {
	var doc any
	if len(data) > 0 {
		if err := unmarshal(data, &doc); err != nil {
			return nil, &MarshalError{Err: err}
		}
	}
	return FromDocument(doc, opts)
}

// FromDocument builds a container from an already decoded document, the
// same way [Load] does.
func FromDocument(doc any, opts ContainerOptions) (*Container, error) {
	m, ok := asMapping(doc)
	if !ok {
		return NewContainer(doc, opts)
	}
	c := newEmptyContainer(opts)
	if err := c.fillDocument(m); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) fillDocument(m map[string]any) error {
	for _, k := range slices.Sorted(maps.Keys(m)) {
		v := m[k]
		nested, ok := asMapping(v)
		if !ok {
			if err := c.setItem(k, v, c.setConfig(nil)); err != nil {
				return err
			}
			continue
		}
		child := newEmptyContainer(c.childOptions())
		if err := child.fillDocument(nested); err != nil {
			return prefixError(err, k)
		}
		if err := c.setItem(k, child, c.setConfig(nil)); err != nil {
			return err
		}
	}
	return nil
}

// Dump serializes the plain value of c with the provided marshal function.
func Dump(c *Container, marshal func(any) ([]byte, error)) ([]byte, error) {
	out, err := marshal(c.Get())
	if err != nil {
		return nil, &MarshalError{Err: err}
	}
	return out, nil
}

// LoadYAML is [Load] with YAML decoding.
func LoadYAML(data []byte, opts ContainerOptions) (*Container, error) {
	return Load(data, yaml.Unmarshal, opts)
}

// DumpYAML is [Dump] with YAML encoding.
func DumpYAML(c *Container) ([]byte, error) {
	return Dump(c, yaml.Marshal)
}
