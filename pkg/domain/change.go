package domain

import "encoding/json"

// ChangeKind describes what happened to an entity within a committed
// primary-store transaction.
type ChangeKind string

// Change kinds emitted by the operation applier.
const (
	ChangeCreated    ChangeKind = "created"
	ChangeUpdated    ChangeKind = "updated"
	ChangeTombstoned ChangeKind = "tombstoned"
	ChangeRemoved    ChangeKind = "removed"
	ChangeVoided     ChangeKind = "voided"
)

// Change is one committed entity mutation. Doc holds the post-commit JSON
// document (nil for removed entities); the bytes are cloned on construction
// so downstream consumers cannot mutate shared state.
type Change struct {
	Entity       EntityType
	Organization string
	Key          string
	Kind         ChangeKind
	doc          json.RawMessage
}

// NewChange builds a change record, cloning doc.
func NewChange(entity EntityType, org, key string, kind ChangeKind, doc json.RawMessage) Change {
	return Change{Entity: entity, Organization: org, Key: key, Kind: kind, doc: cloneRaw(doc)}
}

// Doc returns a cloned copy of the post-commit document, or nil when the
// entity was removed.
func (c Change) Doc() json.RawMessage { return cloneRaw(c.doc) }

// ChangeSet is the ordered list of mutations committed by one entity-type
// group transaction, identified by a monotonically increasing sequence used
// to advance per-store watermarks.
type ChangeSet struct {
	Seq          uint64
	Entity       EntityType
	Organization string
	Changes      []Change
}

// Empty reports whether the set carries no mutations.
func (s ChangeSet) Empty() bool { return len(s.Changes) == 0 }

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}
