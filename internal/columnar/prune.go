package columnar

import "time"

// GroupMayMatch tests filter predicates against a row group's min/max
// statistics. A false return proves no row in the group can match, so the
// group is skipped without I/O. Only top-level predicates on orderable
// fields push down; string prefix/regex and logical operators do not.
func GroupMayMatch(group *RowGroupMeta, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for field, cond := range filter {
		if len(field) > 0 && field[0] == '$' {
			continue // logical and reserved operators do not push down
		}
		chunk := group.Chunk(field)
		if chunk == nil || !chunk.HasStats {
			continue
		}
		if ops, ok := cond.(map[string]any); ok {
			if !opsMayMatch(chunk, ops) {
				return false
			}
			continue
		}
		// Direct equality: value must fall inside [min, max].
		if !boundsContain(chunk, cond) {
			return false
		}
	}
	return true
}

func opsMayMatch(chunk *ColumnChunk, ops map[string]any) bool {
	for op, operand := range ops {
		v := normalizeValue(operand)
		switch op {
		case "$eq":
			if !boundsContain(chunk, operand) {
				return false
			}
		case "$gt":
			if c, ok := compareValues(chunk.Max, v); ok && c <= 0 {
				return false
			}
		case "$gte":
			if c, ok := compareValues(chunk.Max, v); ok && c < 0 {
				return false
			}
		case "$lt":
			if c, ok := compareValues(chunk.Min, v); ok && c >= 0 {
				return false
			}
		case "$lte":
			if c, ok := compareValues(chunk.Min, v); ok && c > 0 {
				return false
			}
		case "$in":
			list, ok := operand.([]any)
			if !ok {
				continue
			}
			any := false
			for _, e := range list {
				if boundsContain(chunk, e) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
	}
	return true
}

func boundsContain(chunk *ColumnChunk, value any) bool {
	v := normalizeValue(value)
	if _, ok := v.(time.Time); ok {
		// unreachable: normalizeValue encodes times as strings
		return true
	}
	cMin, okMin := compareValues(v, chunk.Min)
	cMax, okMax := compareValues(v, chunk.Max)
	if !okMin || !okMax {
		return true // incomparable operand: cannot prune
	}
	return cMin >= 0 && cMax <= 0
}
