package types

import (
	"testing"
	"time"
)

func TestParseEntityID(t *testing.T) {
	id, err := ParseEntityID("posts/abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Ns != "posts" || id.Local != "abc123" {
		t.Errorf("got %+v", id)
	}
	if id.String() != "posts/abc123" {
		t.Errorf("String() = %q", id.String())
	}
	if id.Target() != "posts:abc123" {
		t.Errorf("Target() = %q", id.Target())
	}

	// Local IDs may contain further slashes.
	id, err = ParseEntityID("files/a/b/c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Local != "a/b/c" {
		t.Errorf("Local = %q", id.Local)
	}

	for _, bad := range []string{"", "noslash", "/leading", "trailing/"} {
		if _, err := ParseEntityID(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSystemFieldKeys(t *testing.T) {
	doc := Entity{FieldID: "p1", FieldTypeKey: "Post"}
	if doc["$id"] != "p1" || doc["$type"] != "Post" {
		t.Errorf("system keys = %q, %q", FieldID, FieldTypeKey)
	}
	// Distinct from the schema scalar kind of the same spelling.
	f := Field{Name: "title", Type: TypeString}
	if f.Type != TypeString {
		t.Errorf("Type = %q", f.Type)
	}
}

func TestParseTarget(t *testing.T) {
	id, err := ParseTarget("users:u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Ns != "users" || id.Local != "u1" {
		t.Errorf("got %+v", id)
	}
	if _, err := ParseTarget("nocolon"); err == nil {
		t.Error("expected error for malformed target")
	}
}

func TestEventState(t *testing.T) {
	before := Entity{"status": "old"}
	after := Entity{"status": "new"}
	ev := &Event{Op: OpUpdate, Before: before, After: after}
	if ev.State()["status"] != "new" {
		t.Error("UPDATE should evaluate against after")
	}
	ev.Op = OpDelete
	if ev.State()["status"] != "old" {
		t.Error("DELETE should evaluate against before")
	}
}

func TestCommitHashDeterministic(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &Commit{
		Parents:   []string{"aaa"},
		Message:   "initial",
		Author:    "tester",
		Timestamp: ts,
		State: CommitState{
			Collections: map[string]CollectionState{
				"posts": {DataHash: "h1", RowCount: 12},
				"users": {DataHash: "h2", RowCount: 3},
			},
		},
	}
	h1, err := c.ComputeHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := c.ComputeHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected sha256 hex, got %d chars", len(h1))
	}

	// Any field change moves the hash.
	c.Message = "changed"
	h3, _ := c.ComputeHash()
	if h3 == h1 {
		t.Error("hash should change with message")
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(a) != `{"a":2,"b":1}` {
		t.Errorf("got %s", a)
	}

	// Nested maps and arrays, unicode intact.
	b, err := CanonicalJSON(map[string]any{"z": []any{map[string]any{"y": "é", "x": nil}}})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(b) != `{"z":[{"x":null,"y":"é"}]}` {
		t.Errorf("got %s", b)
	}
}

func TestSchemaSnapshotHashIgnoresCommitHash(t *testing.T) {
	s := &SchemaSnapshot{
		CapturedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Collections: map[string]CollectionSchema{
			"User": {Name: "User", Fields: []Field{{Name: "age", Type: TypeNumber}}},
		},
	}
	h1, err := s.ComputeHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s.CommitHash = "deadbeef"
	h2, err := s.ComputeHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Error("commitHash must not affect snapshot hash")
	}
}
