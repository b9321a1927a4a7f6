// SPDX-License-Identifier: Apache-2.0

package ctxtree

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple error checking with [errors.Is].
// For detailed error information, use [errors.As] with the typed errors below.
var (
	// ErrValidation indicates a malformed key, value or document shape.
	ErrValidation = errors.New("validation error")
	// ErrFrozen indicates a mutation was attempted on a frozen item.
	ErrFrozen = errors.New("frozen item")
	// ErrReservedKey indicates a reserved key was used as a segment of a nested path.
	ErrReservedKey = errors.New("reserved key")
	// ErrUnsupportedKind indicates a value that is neither a *Node nor a *Container
	// was handed to the merge functions.
	ErrUnsupportedKind = errors.New("unsupported kind")
	// ErrUnknownOperation indicates an unrecognized merge operation.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrMarshal indicates a marshaling or unmarshaling operation failed.
	ErrMarshal = errors.New("marshal error")
	// ErrInvalidTag indicates a ctx struct tag could not be understood.
	ErrInvalidTag = errors.New("invalid tag")
)

func formatPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}

// ValidationError is returned when a key, value or document does not have
// the shape an operation requires.
type ValidationError struct {
	// Key is the key or path being processed, if any.
	Key string
	// Message describes what was wrong.
	Message string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error at key %q: %s", e.Key, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// FrozenError is returned when the value or metadata of a frozen item is
// about to be changed.
type FrozenError struct {
	// Op is the rejected operation, e.g. "set" or "set metadata".
	Op string
	// Path is where in the tree the frozen item lives, relative to the
	// container the call was made on.
	Path string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("cannot %s: item at %s is frozen", e.Op, formatPath(e.Path))
}

func (e *FrozenError) Is(target error) bool {
	return target == ErrFrozen
}

// ReservedKeyError is returned when the first segment of a dotted path is
// one of the reserved names. Top-level reserved keys are renamed instead.
type ReservedKeyError struct {
	// Key is the full dotted key.
	Key string
	// Segment is the reserved segment.
	Segment string
}

func (e *ReservedKeyError) Error() string {
	return fmt.Sprintf("reserved key %q cannot start nested path %q", e.Segment, e.Key)
}

func (e *ReservedKeyError) Is(target error) bool {
	return target == ErrReservedKey
}

// UnsupportedKindError is returned by the merge functions when one side is
// not a *Node or *Container.
type UnsupportedKindError struct {
	// Side is "source" or "target".
	Side string
	// Value is the offending value.
	Value any
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported %s kind %T", e.Side, e.Value)
}

func (e *UnsupportedKindError) Is(target error) bool {
	return target == ErrUnsupportedKind
}

// UnknownOperationError is returned for an operation token or value that
// does not name a merge operation.
type UnknownOperationError struct {
	Operation string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown merge operation %q", e.Operation)
}

func (e *UnknownOperationError) Is(target error) bool {
	return target == ErrUnknownOperation
}

// MarshalError is returned when unmarshaling or marshaling a document fails.
type MarshalError struct {
	// Err is the underlying error returned by a marshaling function.
	Err error
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("cannot marshal document: %v", e.Err)
}

func (e *MarshalError) Unwrap() error {
	return e.Err
}

func (e *MarshalError) Is(target error) bool {
	return target == ErrMarshal
}
