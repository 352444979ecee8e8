package types

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// FieldType enumerates the scalar types a schema field can carry.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeNull    FieldType = "null"
)

// Field defines one column of a collection schema.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Indexed  bool      `json:"indexed,omitempty"`
	Unique   bool      `json:"unique,omitempty"`
	Array    bool      `json:"array,omitempty"`
	// Relation, when set, marks a link field targeting another namespace.
	Relation *RelationDescriptor `json:"relation,omitempty"`
}

// RelationDescriptor describes a link field.
type RelationDescriptor struct {
	Target    string `json:"target"`
	Predicate string `json:"predicate,omitempty"`
	Reverse   string `json:"reverse,omitempty"`
}

// CollectionSchema maps field names to definitions for one namespace.
type CollectionSchema struct {
	Name    string         `json:"name"`
	Hash    string         `json:"hash,omitempty"`
	Version int            `json:"version,omitempty"`
	Fields  []Field        `json:"fields"`
	Options map[string]any `json:"options,omitempty"`
}

// FieldByName returns the named field, or nil.
func (c *CollectionSchema) FieldByName(name string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// ComputeHash hashes the canonical serialization of the schema with its own
// Hash field blanked.
func (c *CollectionSchema) ComputeHash() (string, error) {
	cp := *c
	cp.Hash = ""
	data, err := CanonicalJSON(cp)
	if err != nil {
		return "", fmt.Errorf("canonicalize collection schema: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// SchemaSnapshot is a content-addressed capture of every collection schema
// at a point in time, embeddable in a commit.
type SchemaSnapshot struct {
	Hash        string                      `json:"hash,omitempty"`
	ConfigHash  string                      `json:"configHash,omitempty"`
	CapturedAt  time.Time                   `json:"capturedAt"`
	CommitHash  string                      `json:"commitHash,omitempty"`
	Collections map[string]CollectionSchema `json:"collections"`
}

// ComputeHash hashes the snapshot's canonical serialization, excluding the
// Hash and CommitHash fields (the latter is only known after the commit
// itself is hashed).
func (s *SchemaSnapshot) ComputeHash() (string, error) {
	cp := *s
	cp.Hash = ""
	cp.CommitHash = ""
	data, err := CanonicalJSON(cp)
	if err != nil {
		return "", fmt.Errorf("canonicalize schema snapshot: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}
