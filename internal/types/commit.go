package types

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Commit is an immutable node in the commit DAG. Hash is the SHA-256 of the
// canonical serialization of all other fields; it is never stored inside the
// hashed payload itself.
type Commit struct {
	Hash      string      `json:"hash"`
	Parents   []string    `json:"parents"`
	Message   string      `json:"message"`
	Author    string      `json:"author,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	State     CommitState `json:"state"`
}

// CommitState snapshots everything a commit pins: per-collection file
// hashes, relationship file hashes, the event-log position, and the schema.
type CommitState struct {
	Collections   map[string]CollectionState `json:"collections,omitempty"`
	Relationships RelationshipState          `json:"relationships,omitempty"`
	EventLog      EventLogPosition           `json:"eventLogPosition,omitempty"`
	Schema        *SchemaSnapshot            `json:"schema,omitempty"`
}

// CollectionState pins one namespace's merged file.
type CollectionState struct {
	DataHash   string `json:"dataHash"`
	SchemaHash string `json:"schemaHash,omitempty"`
	RowCount   int64  `json:"rowCount"`
}

// RelationshipState pins the forward and reverse edge files.
type RelationshipState struct {
	ForwardHash string `json:"forwardHash,omitempty"`
	ReverseHash string `json:"reverseHash,omitempty"`
}

// EventLogPosition marks how far the WAL had advanced at commit time.
type EventLogPosition struct {
	SegmentID string `json:"segmentId,omitempty"`
	Offset    uint64 `json:"offset,omitempty"`
}

// ComputeHash returns the commit's content hash. The canonical payload is
// the sorted-key JSON of {parents, state, message, author, timestamp}.
// The schema snapshot's commitHash names this commit and is filled in
// after hashing, so it is blanked for the payload; stored commits then
// re-verify on load.
func (c *Commit) ComputeHash() (string, error) {
	parents := c.Parents
	if parents == nil {
		parents = []string{}
	}
	state := c.State
	if state.Schema != nil && state.Schema.CommitHash != "" {
		schema := *state.Schema
		schema.CommitHash = ""
		state.Schema = &schema
	}
	payload := map[string]any{
		"parents":   parents,
		"state":     state,
		"message":   c.Message,
		"author":    c.Author,
		"timestamp": c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	data, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize commit: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// Ref name helpers. Branches live under refs/heads, tags under refs/tags,
// and HEAD is symbolic.
const (
	RefHeadsPrefix = "refs/heads/"
	RefTagsPrefix  = "refs/tags/"
	RefHEAD        = "HEAD"
)

// Head describes where HEAD points.
type Head struct {
	Type string `json:"type"` // "branch" or "detached"
	Ref  string `json:"ref"`  // branch name, or raw commit hash when detached
}
