package domain

import (
	"errors"
	"fmt"
)

// Sentinel values usable with errors.Is for each class of the error
// taxonomy. The typed errors below wrap these so callers can match either
// the class or the detailed value.
var (
	ErrMalformedBatch = errors.New("malformed batch")
	ErrValidation     = errors.New("validation failed")
	ErrReference      = errors.New("referenced entity missing")
	ErrConflict       = errors.New("natural key already exists")
	ErrNotFound       = errors.New("entity not found")
	ErrPartition      = errors.New("partition provisioning failed")
	ErrPropagation    = errors.New("propagation failed")
)

// MalformedBatchError reports an unparseable batch file. The batch is
// rejected wholesale; no partial processing is possible.
type MalformedBatchError struct {
	Path   string
	Reason string
}

func (e MalformedBatchError) Error() string {
	return fmt.Sprintf("malformed batch %s: %s", e.Path, e.Reason)
}

// Unwrap ties the error into the taxonomy sentinel.
func (e MalformedBatchError) Unwrap() error { return ErrMalformedBatch }

// ValidationError reports a single rejected record with a field-level
// reason. The record is skipped; siblings proceed.
type ValidationError struct {
	Entity EntityType
	Key    string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s %q: %s", e.Entity, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s %q field %s: %s", e.Entity, e.Key, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// ReferenceError reports a record whose required parent entity does not
// exist in the primary store or earlier in the same batch.
type ReferenceError struct {
	Entity  EntityType
	Key     string
	Missing EntityType
	Ref     string
}

func (e ReferenceError) Error() string {
	return fmt.Sprintf("%s %q references missing %s %q", e.Entity, e.Key, e.Missing, e.Ref)
}

func (e ReferenceError) Unwrap() error { return ErrReference }

// ConflictError reports an incremental INSERT against an existing natural
// key. The existing entity is never mutated.
type ConflictError struct {
	Entity EntityType
	Key    string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Entity, e.Key)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports an incremental UPDATE or DELETE whose target does
// not exist.
type NotFoundError struct {
	Entity EntityType
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// PartitionError reports a failed partition provisioning attempt. It is
// fatal to the affected entity-type group; independent groups proceed.
type PartitionError struct {
	Organization string
	Entity       EntityType
	Err          error
}

func (e PartitionError) Error() string {
	return fmt.Sprintf("provision partition %s/%s: %v", e.Organization, e.Entity, e.Err)
}

func (e PartitionError) Unwrap() error { return ErrPartition }

// PropagationError reports a downstream store that did not accept a change
// set after retries. It never blocks other stores.
type PropagationError struct {
	Store    StoreName
	Attempts int
	Err      error
}

func (e PropagationError) Error() string {
	return fmt.Sprintf("propagate to %s after %d attempts: %v", e.Store, e.Attempts, e.Err)
}

func (e PropagationError) Unwrap() error { return ErrPropagation }
