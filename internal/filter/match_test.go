package filter

import (
	"testing"
	"time"
)

func mustMatch(t *testing.T, doc, filter map[string]any, want bool) {
	t.Helper()
	got, err := Matches(doc, filter)
	if err != nil {
		t.Fatalf("Matches(%v) error: %v", filter, err)
	}
	if got != want {
		t.Errorf("Matches(%v) = %v, want %v", filter, got, want)
	}
}

func TestEmptyFilterMatchesAll(t *testing.T) {
	mustMatch(t, map[string]any{"a": 1}, nil, true)
	mustMatch(t, map[string]any{"a": 1}, map[string]any{}, true)
}

func TestDirectEquality(t *testing.T) {
	doc := map[string]any{
		"name": "ada",
		"age":  float64(36),
		"tags": []any{"a", "b"},
		"meta": map[string]any{"x": float64(1)},
		"none": nil,
	}
	mustMatch(t, doc, map[string]any{"name": "ada"}, true)
	mustMatch(t, doc, map[string]any{"name": "bob"}, false)
	mustMatch(t, doc, map[string]any{"age": 36}, true) // int vs float64
	mustMatch(t, doc, map[string]any{"tags": []any{"a", "b"}}, true)
	mustMatch(t, doc, map[string]any{"tags": []any{"b", "a"}}, false) // order matters
	mustMatch(t, doc, map[string]any{"meta": map[string]any{"x": float64(1)}}, true)
	// null equals undefined.
	mustMatch(t, doc, map[string]any{"none": nil}, true)
	mustMatch(t, doc, map[string]any{"missing": nil}, true)
}

func TestComparisonOperators(t *testing.T) {
	doc := map[string]any{"n": float64(5), "s": "mango", "b": true}
	mustMatch(t, doc, map[string]any{"n": map[string]any{"$gt": 3}}, true)
	mustMatch(t, doc, map[string]any{"n": map[string]any{"$gte": 5}}, true)
	mustMatch(t, doc, map[string]any{"n": map[string]any{"$lt": 5}}, false)
	mustMatch(t, doc, map[string]any{"n": map[string]any{"$lte": 5, "$gt": 0}}, true)
	mustMatch(t, doc, map[string]any{"s": map[string]any{"$gt": "apple"}}, true)
	// Booleans order false < true.
	mustMatch(t, doc, map[string]any{"b": map[string]any{"$gt": false}}, true)
	// Ordered comparison on missing/null is false.
	mustMatch(t, doc, map[string]any{"missing": map[string]any{"$gt": 0}}, false)
	mustMatch(t, doc, map[string]any{"n": map[string]any{"$ne": 6}}, true)
}

func TestDates(t *testing.T) {
	then := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := map[string]any{"at": now}
	mustMatch(t, doc, map[string]any{"at": map[string]any{"$gt": then}}, true)
	mustMatch(t, doc, map[string]any{"at": now}, true)
}

func TestInNin(t *testing.T) {
	doc := map[string]any{"status": "published"}
	mustMatch(t, doc, map[string]any{"status": map[string]any{"$in": []any{"draft", "published"}}}, true)
	mustMatch(t, doc, map[string]any{"status": map[string]any{"$nin": []any{"draft"}}}, true)
	mustMatch(t, doc, map[string]any{"status": map[string]any{"$nin": []any{"published"}}}, false)
}

func TestLogicalOperators(t *testing.T) {
	doc := map[string]any{"a": float64(1), "b": float64(2)}
	mustMatch(t, doc, map[string]any{"$and": []any{
		map[string]any{"a": 1}, map[string]any{"b": 2},
	}}, true)
	mustMatch(t, doc, map[string]any{"$or": []any{
		map[string]any{"a": 9}, map[string]any{"b": 2},
	}}, true)
	mustMatch(t, doc, map[string]any{"$nor": []any{
		map[string]any{"a": 9}, map[string]any{"b": 9},
	}}, true)
	mustMatch(t, doc, map[string]any{"$not": map[string]any{"a": 9}}, true)
	mustMatch(t, doc, map[string]any{"$not": map[string]any{"a": 1}}, false)
}

func TestStringOperators(t *testing.T) {
	doc := map[string]any{"title": "Hello World"}
	mustMatch(t, doc, map[string]any{"title": map[string]any{"$startsWith": "Hello"}}, true)
	mustMatch(t, doc, map[string]any{"title": map[string]any{"$endsWith": "World"}}, true)
	mustMatch(t, doc, map[string]any{"title": map[string]any{"$contains": "lo Wo"}}, true)
	mustMatch(t, doc, map[string]any{"title": map[string]any{"$regex": "^hello", "$options": "i"}}, true)
	mustMatch(t, doc, map[string]any{"title": map[string]any{"$regex": "^hello"}}, false)
	// Non-string operand yields false, not an error.
	mustMatch(t, map[string]any{"n": float64(5)}, map[string]any{"n": map[string]any{"$regex": "5"}}, false)
}

func TestArrayOperators(t *testing.T) {
	doc := map[string]any{
		"tags":  []any{"go", "db", "parquet"},
		"items": []any{map[string]any{"qty": float64(5)}, map[string]any{"qty": float64(20)}},
		"empty": []any{},
	}
	mustMatch(t, doc, map[string]any{"tags": map[string]any{"$all": []any{"go", "db"}}}, true)
	mustMatch(t, doc, map[string]any{"tags": map[string]any{"$all": []any{"go", "rust"}}}, false)
	mustMatch(t, doc, map[string]any{"tags": map[string]any{"$size": 3}}, true)
	mustMatch(t, doc, map[string]any{"empty": map[string]any{"$size": 0}}, true)
	// $size: 0 matches empty arrays only.
	mustMatch(t, doc, map[string]any{"tags": map[string]any{"$size": 0}}, false)
	mustMatch(t, doc, map[string]any{"missing": map[string]any{"$size": 0}}, false)
	mustMatch(t, doc, map[string]any{"items": map[string]any{"$elemMatch": map[string]any{"qty": map[string]any{"$gt": 10}}}}, true)
	mustMatch(t, doc, map[string]any{"items": map[string]any{"$elemMatch": map[string]any{"qty": map[string]any{"$gt": 100}}}}, false)
	// $elemMatch over scalar elements with an operator-only spec.
	mustMatch(t, map[string]any{"ns": []any{float64(1), float64(9)}},
		map[string]any{"ns": map[string]any{"$elemMatch": map[string]any{"$gt": 5}}}, true)
}

func TestExistsAndType(t *testing.T) {
	doc := map[string]any{"present": nil, "n": float64(1), "at": time.Now()}
	mustMatch(t, doc, map[string]any{"present": map[string]any{"$exists": true}}, true)
	mustMatch(t, doc, map[string]any{"missing": map[string]any{"$exists": false}}, true)
	mustMatch(t, doc, map[string]any{"missing": map[string]any{"$exists": true}}, false)
	// $type null matches both explicit null and absent keys.
	mustMatch(t, doc, map[string]any{"present": map[string]any{"$type": "null"}}, true)
	mustMatch(t, doc, map[string]any{"missing": map[string]any{"$type": "null"}}, true)
	mustMatch(t, doc, map[string]any{"n": map[string]any{"$type": "number"}}, true)
	mustMatch(t, doc, map[string]any{"at": map[string]any{"$type": "date"}}, true)
	mustMatch(t, doc, map[string]any{"n": map[string]any{"$type": "string"}}, false)
}

func TestDotPaths(t *testing.T) {
	doc := map[string]any{
		"user": map[string]any{"profile": map[string]any{"age": float64(30)}},
		"items": []any{
			map[string]any{"name": "first"},
			map[string]any{"name": "second"},
		},
	}
	mustMatch(t, doc, map[string]any{"user.profile.age": map[string]any{"$gte": 30}}, true)
	mustMatch(t, doc, map[string]any{"items.0.name": "first"}, true)
	mustMatch(t, doc, map[string]any{"items.1.name": "first"}, false)
	mustMatch(t, doc, map[string]any{"items.9.name": map[string]any{"$exists": false}}, true)
}

func TestReservedRootKeysIgnored(t *testing.T) {
	doc := map[string]any{"a": float64(1)}
	mustMatch(t, doc, map[string]any{"$text": "whatever", "a": 1}, true)
	mustMatch(t, doc, map[string]any{"$vector": []any{1, 2}, "$geo": "x", "a": 2}, false)
}
