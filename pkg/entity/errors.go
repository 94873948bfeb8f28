package entity

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when an entity id does not resolve to a
// live row.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// DuplicateError is returned when a create would collide with an
// existing id, or a segment object_id is already claimed.
type DuplicateError struct {
	Kind Kind
	ID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Kind, e.ID)
}

// IsDuplicate checks if an error is a duplicate error.
func IsDuplicate(err error) bool {
	var de *DuplicateError
	return errors.As(err, &de)
}

// ConflictError is returned when an operation is blocked by entity
// state: a delete with live children, a write to a read-only flow, or
// registration against an expired allocation. ChildKind and Count are
// set only for integrity blocks.
type ConflictError struct {
	Kind      Kind
	ID        string
	ChildKind Kind
	Count     int64
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.ChildKind != "" {
		return fmt.Sprintf("%s %s has %d live %ss", e.Kind, e.ID, e.Count, e.ChildKind)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Reason)
}

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// PartialCascadeError is returned when a cascading delete fails after
// earlier steps already committed. Step names the child that failed;
// the cascade is not transactional across entity kinds, so committed
// steps stay committed.
type PartialCascadeError struct {
	Kind Kind
	ID   string
	Step string
	Err  error
}

func (e *PartialCascadeError) Error() string {
	return fmt.Sprintf("cascade for %s %s failed at %s: %v", e.Kind, e.ID, e.Step, e.Err)
}

func (e *PartialCascadeError) Unwrap() error { return e.Err }

// IsPartialCascade checks if an error is a partial cascade error.
func IsPartialCascade(err error) bool {
	var pe *PartialCascadeError
	return errors.As(err, &pe)
}
