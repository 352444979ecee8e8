package vcs

import (
	"fmt"
	"sort"

	"github.com/parquedb/parquedb/internal/types"
)

// Schema change kinds.
const (
	ChangeAddCollection  = "ADD_COLLECTION"
	ChangeDropCollection = "DROP_COLLECTION"
	ChangeAddField       = "ADD_FIELD"
	ChangeRemoveField    = "REMOVE_FIELD"
	ChangeType           = "CHANGE_TYPE"
	ChangeAddIndex       = "ADD_INDEX"
	ChangeRemoveIndex    = "REMOVE_INDEX"
	ChangeRequired       = "CHANGE_REQUIRED"
	ChangeArray          = "CHANGE_ARRAY"
)

// SchemaChange is one difference between two snapshots.
type SchemaChange struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
	Field      string `json:"field,omitempty"`
	From       any    `json:"from,omitempty"`
	To         any    `json:"to,omitempty"`
}

// DiffResult classifies the changes between two schema snapshots.
type DiffResult struct {
	Changes         []SchemaChange `json:"changes"`
	BreakingChanges []SchemaChange `json:"breakingChanges"`
	Compatible      bool           `json:"compatible"`
	Summary         string         `json:"summary"`
}

// DiffSchemas compares snapshot a (old) to b (new). Dropping collections
// or fields, changing a field's type or array shape, and introducing new
// requirements are breaking; additions and index toggles are not.
func DiffSchemas(a, b *types.SchemaSnapshot) DiffResult {
	var changes []SchemaChange

	names := make(map[string]bool)
	for name := range a.Collections {
		names[name] = true
	}
	for name := range b.Collections {
		names[name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		oldCol, inOld := a.Collections[name]
		newCol, inNew := b.Collections[name]
		switch {
		case !inOld:
			changes = append(changes, SchemaChange{Type: ChangeAddCollection, Collection: name})
		case !inNew:
			changes = append(changes, SchemaChange{Type: ChangeDropCollection, Collection: name})
		default:
			changes = append(changes, diffCollection(name, &oldCol, &newCol)...)
		}
	}

	res := DiffResult{Changes: changes, Compatible: true}
	for _, c := range changes {
		if isBreaking(c) {
			res.BreakingChanges = append(res.BreakingChanges, c)
		}
	}
	res.Compatible = len(res.BreakingChanges) == 0
	res.Summary = fmt.Sprintf("%d changes, %d breaking", len(changes), len(res.BreakingChanges))
	return res
}

func diffCollection(name string, oldCol, newCol *types.CollectionSchema) []SchemaChange {
	var changes []SchemaChange
	for i := range oldCol.Fields {
		of := &oldCol.Fields[i]
		nf := newCol.FieldByName(of.Name)
		if nf == nil {
			changes = append(changes, SchemaChange{Type: ChangeRemoveField, Collection: name, Field: of.Name})
			continue
		}
		if of.Type != nf.Type {
			changes = append(changes, SchemaChange{Type: ChangeType, Collection: name, Field: of.Name, From: string(of.Type), To: string(nf.Type)})
		}
		if of.Array != nf.Array {
			changes = append(changes, SchemaChange{Type: ChangeArray, Collection: name, Field: of.Name, From: of.Array, To: nf.Array})
		}
		if of.Required != nf.Required {
			changes = append(changes, SchemaChange{Type: ChangeRequired, Collection: name, Field: of.Name, From: of.Required, To: nf.Required})
		}
		oldIdx := of.Indexed || of.Unique
		newIdx := nf.Indexed || nf.Unique
		if !oldIdx && newIdx {
			changes = append(changes, SchemaChange{Type: ChangeAddIndex, Collection: name, Field: of.Name})
		} else if oldIdx && !newIdx {
			changes = append(changes, SchemaChange{Type: ChangeRemoveIndex, Collection: name, Field: of.Name})
		}
	}
	for i := range newCol.Fields {
		nf := &newCol.Fields[i]
		if oldCol.FieldByName(nf.Name) == nil {
			changes = append(changes, SchemaChange{Type: ChangeAddField, Collection: name, Field: nf.Name, To: nf.Required})
		}
	}
	return changes
}

func isBreaking(c SchemaChange) bool {
	switch c.Type {
	case ChangeDropCollection, ChangeRemoveField, ChangeType, ChangeArray:
		return true
	case ChangeAddField:
		// A new field is only breaking when existing rows cannot satisfy it.
		required, _ := c.To.(bool)
		return required
	case ChangeRequired:
		nowRequired, _ := c.To.(bool)
		return nowRequired
	}
	return false
}
