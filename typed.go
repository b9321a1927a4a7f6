package ctxtree

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"
)

var textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()

// TagKind identifies which ctx struct tag directive had an error.
type TagKind int

const (
	// UnknownTag indicates an unknown or unsupported ctx tag directive.
	UnknownTag TagKind = iota
	// NameTag indicates an error with ctx:"name=..." directive.
	NameTag
	// RawTag indicates an error with ctx:"raw" directive.
	RawTag
	// LeafTag indicates an error with ctx:"leaf" directive.
	LeafTag
)

func (k TagKind) String() string {
	switch k {
	case UnknownTag:
		return "unknown"
	case NameTag:
		return "name"
	case RawTag:
		return "raw"
	case LeafTag:
		return "leaf"
	default:
		return fmt.Sprintf("TagKind(%d)", k)
	}
}

// InvalidTagError is returned when a ctx struct tag contains an invalid directive or value.
type InvalidTagError struct {
	// Kind indicates which ctx tag directive had the error.
	Kind TagKind
	// FieldName is the struct field name where the error occurred.
	FieldName string
	// Value is the invalid value.
	Value string
	// Message provides details about what went wrong.
	Message string
}

func (e *InvalidTagError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("field %s: invalid %s tag: %s (value: %q)",
			e.FieldName, e.Kind.String(), e.Message, e.Value)
	}
	return fmt.Sprintf("field %s: invalid %s tag: %s",
		e.FieldName, e.Kind.String(), e.Message)
}

func (e *InvalidTagError) Is(target error) bool {
	return target == ErrInvalidTag
}

// fieldDirectives holds the parsed ctx tag of one struct field.
type fieldDirectives struct {
	name     string
	frozen   bool
	leaf     bool
	raw      bool
	noAccess bool
}

// FromStruct builds a container from a struct (or a pointer to one), one
// child per exported field.
//
// Nested structs and maps with string keys become child containers; other
// fields are wrapped by opts.Policy. Directives in the ctx struct tag adjust
// this per field:
//   - ctx:"name=key" - stores the field under key (may be a dotted path)
//   - ctx:"frozen" - freezes the child after it is stored
//   - ctx:"leaf" - stores a struct or map field as a single Node
//   - ctx:"raw" - stores a primitive field unwrapped
//   - ctx:"noaccess" - disables access recording on the child
//   - ctx:"-" - skips the field
//
// Multiple directives can be combined: ctx:"name=port,frozen"
//
// Without a name directive, field names are taken from yaml, json and toml
// struct tags, then from the Go field name.
//
// Example:
//
//	type Database struct {
//		Host string `yaml:"host"`
//		Port int    `yaml:"port" ctx:"frozen"`
//	}
//
//	type Config struct {
//		DB     Database          `yaml:"db"`
//		Labels map[string]string `yaml:"labels" ctx:"leaf"`
//	}
//
//	c, _ := FromStruct(Config{DB: Database{Host: "localhost", Port: 5432}}, ContainerOptions{})
//	port, _ := c.GetValue("db.port") // 5432
func FromStruct(v any, opts ContainerOptions) (*Container, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, &ValidationError{Message: "cannot build a container from a nil pointer"}
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, &ValidationError{Message: fmt.Sprintf("expected a struct, got %T", v)}
	}
	c := newEmptyContainer(opts)
	if err := c.fillStruct(rv); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) fillStruct(rv reflect.Value) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		// Skip unexported fields
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("ctx")
		if tag == "-" {
			continue
		}

		dirs, err := parseCtxTag(tag, field)
		if err != nil {
			return err
		}
		if dirs.name == "" {
			dirs.name = serializedName(field)
		}
		if err := c.storeField(dirs, field, rv.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) storeField(dirs fieldDirectives, field reflect.StructField, fv reflect.Value) error {
	var opts []SetOption
	if dirs.raw {
		opts = append(opts, WithRawPrimitives(true))
	}
	if dirs.noAccess {
		opts = append(opts, WithAccessRecord(false, false))
	}

	value := fv.Interface()
	if !dirs.leaf && !dirs.raw {
		if child, ok, err := c.childFromField(fv); err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		} else if ok {
			if dirs.noAccess {
				off := false
				child.ChangeAccessRecord(AccessRecord{RecordAccess: &off, RecordAccessForMetadata: &off})
			}
			value = child
		}
	}

	if err := c.setItem(dirs.name, value, c.setConfig(opts)); err != nil {
		return fmt.Errorf("field %s: %w", field.Name, err)
	}
	if dirs.frozen {
		if item, _ := c.GetWrappedItem(dirs.name); item != nil {
			item.Freeze()
		}
	}
	return nil
}

// childFromField builds a container for struct and string-keyed map fields.
// Structs that marshal themselves to text, such as time.Time, stay leaves.
func (c *Container) childFromField(fv reflect.Value) (*Container, bool, error) {
	if fv.Type().Implements(textMarshalerType) {
		return nil, false, nil
	}
	for fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			return nil, false, nil
		}
		fv = fv.Elem()
	}
	switch fv.Kind() {
	case reflect.Struct:
		child := newEmptyContainer(c.childOptions())
		if err := child.fillStruct(fv); err != nil {
			return nil, false, err
		}
		return child, true, nil
	case reflect.Map:
		if fv.Type().Key().Kind() != reflect.String {
			return nil, false, nil
		}
		child, err := NewContainer(fv.Interface(), c.childOptions())
		if err != nil {
			return nil, false, err
		}
		return child, true, nil
	}
	return nil, false, nil
}

// serializedName extracts the serialized field name from struct tags.
// Priority: yaml > json > toml > struct field name.
func serializedName(field reflect.StructField) string {
	for _, tagName := range []string{"yaml", "json", "toml"} {
		if tag := field.Tag.Get(tagName); tag != "" && tag != "-" {
			// Handle "name,omitempty,inline" format - take first part
			if idx := strings.Index(tag, ","); idx != -1 {
				if idx == 0 {
					continue
				}
				return tag[:idx]
			}
			return tag
		}
	}
	return field.Name
}

// parseCtxTag parses the ctx struct tag of a field.
func parseCtxTag(tag string, field reflect.StructField) (fieldDirectives, error) {
	var dirs fieldDirectives
	if tag == "" {
		return dirs, nil
	}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)

		switch {
		case part == "frozen":
			dirs.frozen = true
		case part == "leaf":
			dirs.leaf = true
		case part == "noaccess":
			dirs.noAccess = true
		case part == "raw":
			if !isPrimitiveKind(field.Type.Kind()) {
				return dirs, &InvalidTagError{
					Kind:      RawTag,
					FieldName: field.Name,
					Message:   fmt.Sprintf("raw requires a primitive field, got %s", field.Type.String()),
				}
			}
			dirs.raw = true
		case strings.HasPrefix(part, "name="):
			dirs.name = strings.TrimPrefix(part, "name=")
			if dirs.name == "" {
				return dirs, &InvalidTagError{
					Kind:      NameTag,
					FieldName: field.Name,
					Value:     part,
					Message:   "name cannot be empty",
				}
			}
		default:
			return dirs, &InvalidTagError{
				Kind:      UnknownTag,
				FieldName: field.Name,
				Value:     part,
				Message:   "unknown ctx tag directive",
			}
		}
	}
	if dirs.leaf && dirs.raw {
		return dirs, &InvalidTagError{
			Kind:      LeafTag,
			FieldName: field.Name,
			Message:   "leaf and raw cannot be combined",
		}
	}
	return dirs, nil
}

func isPrimitiveKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	default:
		return false
	}
}
