// Package types defines core data structures for ParqueDB: entities,
// events, relationship edges, commits, refs, and schemas.
package types

import (
	"fmt"
	"strings"
	"time"
)

// EntityID is a globally unique identifier of the form "namespace/local".
type EntityID struct {
	Ns    string
	Local string
}

// ParseEntityID splits "ns/local" into its parts. The local part may itself
// contain slashes; only the first separator is significant.
func ParseEntityID(s string) (EntityID, error) {
	idx := strings.Index(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return EntityID{}, fmt.Errorf("%w: malformed entity id %q", ErrInvariant, s)
	}
	return EntityID{Ns: s[:idx], Local: s[idx+1:]}, nil
}

func (id EntityID) String() string {
	return id.Ns + "/" + id.Local
}

// Target returns the event-target form "ns:local".
func (id EntityID) Target() string {
	return id.Ns + ":" + id.Local
}

// ParseTarget splits an event target "ns:local". Malformed targets are the
// caller's problem; the subscription dispatcher drops them with a debug log.
func ParseTarget(s string) (EntityID, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return EntityID{}, fmt.Errorf("%w: malformed target %q", ErrInvariant, s)
	}
	return EntityID{Ns: s[:idx], Local: s[idx+1:]}, nil
}

// Entity is a document. System fields live alongside user fields under
// reserved keys ("$id", "$type", "createdAt", ...).
type Entity = map[string]any

// System field keys.
const (
	FieldID        = "$id"
	FieldTypeKey   = "$type"
	FieldCreatedAt = "createdAt"
	FieldCreatedBy = "createdBy"
	FieldUpdatedAt = "updatedAt"
	FieldUpdatedBy = "updatedBy"
	FieldVersion   = "version"
)

// Op is the kind of mutation an event records.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
	// OpAll is valid only in subscription op lists.
	OpAll Op = "ALL"
)

// Valid reports whether op is one of the three mutation kinds.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Event records one mutation on a single entity. Events are durable and
// totally ordered per namespace by Seq; globally they order by (TS, ID).
type Event struct {
	ID       string         `json:"id"`
	Seq      uint64         `json:"seq"`
	TS       time.Time      `json:"ts"`
	Op       Op             `json:"op"`
	Target   string         `json:"target"` // "ns:local"
	Before   Entity         `json:"before,omitempty"`
	After    Entity         `json:"after,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Ns returns the namespace portion of the event target, or "" when the
// target is malformed.
func (e *Event) Ns() string {
	if idx := strings.Index(e.Target, ":"); idx > 0 {
		return e.Target[:idx]
	}
	return ""
}

// State returns the slot a filter should be evaluated against: After for
// creates and updates, Before for deletes.
func (e *Event) State() Entity {
	if e.Op == OpDelete {
		return e.Before
	}
	return e.After
}

// MatchMode classifies how a relationship edge was established.
type MatchMode string

const (
	MatchExact MatchMode = "exact"
	MatchFuzzy MatchMode = "fuzzy"
)

// Edge is a directed, typed relationship between two entities. MatchMode
// and Similarity are shredded into top-level columns when persisted; Data
// holds the residual metadata blob.
type Edge struct {
	FromNs     string         `json:"fromNs"`
	FromID     string         `json:"fromId"`
	FromType   string         `json:"fromType,omitempty"`
	FromName   string         `json:"fromName,omitempty"`
	Predicate  string         `json:"predicate"`
	Reverse    string         `json:"reverse"`
	ToNs       string         `json:"toNs"`
	ToID       string         `json:"toId"`
	ToType     string         `json:"toType,omitempty"`
	ToName     string         `json:"toName,omitempty"`
	MatchMode  MatchMode      `json:"matchMode,omitempty"`
	Similarity *float64       `json:"similarity,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	CreatedBy  string         `json:"createdBy,omitempty"`
	DeletedAt  *time.Time     `json:"deletedAt,omitempty"`
	DeletedBy  string         `json:"deletedBy,omitempty"`
	Version    int            `json:"version"`
}

// Deleted reports whether the edge is a logical tombstone.
func (e *Edge) Deleted() bool { return e.DeletedAt != nil }
