package rels

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquedb/parquedb/internal/types"
)

// forwardColumns fixes the column order of both edge files. The reverse
// file shares the layout; only its sort key differs.
var forwardColumns = []string{
	"fromNs", "fromId", "fromType", "fromName",
	"predicate", "reverse",
	"toNs", "toId", "toType", "toName",
	"matchMode", "similarity", "data",
	"createdAt", "createdBy", "deletedAt", "deletedBy", "version",
}

// edgeToRow flattens an edge for the columnar writer. The residual data
// map is msgpack-packed and base64-wrapped so it survives the JSON pages.
func edgeToRow(e types.Edge) (map[string]any, error) {
	row := map[string]any{
		"fromNs":    e.FromNs,
		"fromId":    e.FromID,
		"predicate": e.Predicate,
		"reverse":   e.Reverse,
		"toNs":      e.ToNs,
		"toId":      e.ToID,
		"createdAt": e.CreatedAt,
		"version":   e.Version,
	}
	if e.FromType != "" {
		row["fromType"] = e.FromType
	}
	if e.FromName != "" {
		row["fromName"] = e.FromName
	}
	if e.ToType != "" {
		row["toType"] = e.ToType
	}
	if e.ToName != "" {
		row["toName"] = e.ToName
	}
	if e.MatchMode != "" {
		row["matchMode"] = string(e.MatchMode)
	}
	if e.Similarity != nil {
		row["similarity"] = *e.Similarity
	}
	if len(e.Data) > 0 {
		blob, err := encodeData(e.Data)
		if err != nil {
			return nil, err
		}
		row["data"] = base64.StdEncoding.EncodeToString(blob)
	}
	if e.CreatedBy != "" {
		row["createdBy"] = e.CreatedBy
	}
	if e.DeletedAt != nil {
		row["deletedAt"] = *e.DeletedAt
	}
	if e.DeletedBy != "" {
		row["deletedBy"] = e.DeletedBy
	}
	return row, nil
}

func rowToEdge(row map[string]any) (types.Edge, error) {
	e := types.Edge{
		FromNs:    str(row["fromNs"]),
		FromID:    str(row["fromId"]),
		FromType:  str(row["fromType"]),
		FromName:  str(row["fromName"]),
		Predicate: str(row["predicate"]),
		Reverse:   str(row["reverse"]),
		ToNs:      str(row["toNs"]),
		ToID:      str(row["toId"]),
		ToType:    str(row["toType"]),
		ToName:    str(row["toName"]),
		CreatedBy: str(row["createdBy"]),
		DeletedBy: str(row["deletedBy"]),
	}
	if s := str(row["matchMode"]); s != "" {
		e.MatchMode = types.MatchMode(s)
	}
	if f, ok := numValue(row["similarity"]); ok {
		e.Similarity = &f
	}
	if s := str(row["data"]); s != "" {
		blob, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return e, fmt.Errorf("%w: edge data column: %v", types.ErrFatal, err)
		}
		data, err := decodeData(blob)
		if err != nil {
			return e, err
		}
		e.Data = data
	}
	if ts, ok := timeValue(row["createdAt"]); ok {
		e.CreatedAt = ts
	}
	if ts, ok := timeValue(row["deletedAt"]); ok {
		e.DeletedAt = &ts
	}
	if f, ok := numValue(row["version"]); ok {
		e.Version = int(f)
	}
	return e, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func numValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func timeValue(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
