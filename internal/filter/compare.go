package filter

import (
	"encoding/json"
	"time"
)

// TypeName is the set of values accepted by the $type operator.
// Null covers both explicit null and absent keys.
const (
	TypeNameString  = "string"
	TypeNameNumber  = "number"
	TypeNameBoolean = "boolean"
	TypeNameNull    = "null"
	TypeNameArray   = "array"
	TypeNameObject  = "object"
	TypeNameDate    = "date"
)

// typeOf classifies a value for $type and for sort ordering.
func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return TypeNameNull
	case bool:
		return TypeNameBoolean
	case string:
		return TypeNameString
	case time.Time:
		return TypeNameDate
	case []any:
		return TypeNameArray
	case map[string]any:
		return TypeNameObject
	default:
		if _, ok := toFloat(v); ok {
			return TypeNameNumber
		}
		return TypeNameObject
	}
}

// toFloat converts any numeric representation to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toTime extracts a timestamp from a time.Time or an RFC3339 string.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// deepEqual implements direct-equality semantics: arrays compare
// by length and element order, objects by key set and per-key equality,
// dates by timestamp, numbers numerically, and null equals undefined.
func deepEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if af, ok := toFloat(a); ok {
		bf, ok2 := toFloat(b)
		return ok2 && af == bf
	}
	if at, ok := a.(time.Time); ok {
		bt, ok2 := b.(time.Time)
		return ok2 && at.Equal(bt)
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	}
	return false
}

// compareOrder returns a<b: -1, a==b: 0, a>b: +1 for orderable pairs
// (numbers, strings, dates, and booleans with false < true). The second
// result is false for null/undefined or mixed-type operands.
func compareOrder(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok2 := toFloat(b)
		if !ok2 {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if at, ok := a.(time.Time); ok {
		bt, ok2 := toTime(b)
		if !ok2 {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		}
		return 0, true
	}
	if as, ok := a.(string); ok {
		// A string compares against a date operand as a timestamp.
		if bt, ok2 := b.(time.Time); ok2 {
			at, ok3 := toTime(as)
			if !ok3 {
				return 0, false
			}
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			}
			return 0, true
		}
		bs, ok2 := b.(string)
		if !ok2 {
			return 0, false
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		}
		return 0, true
	}
	if ab, ok := a.(bool); ok {
		bb, ok2 := b.(bool)
		if !ok2 {
			return 0, false
		}
		av, bv := 0, 0
		if ab {
			av = 1
		}
		if bb {
			bv = 1
		}
		return av - bv, true
	}
	return 0, false
}

// CompareSortKeys provides a total order for sorting: values order first by
// type class (null < bool < number < string/date < array < object), then by
// compareOrder within a class. Used by the top-K heap and result sorting.
func CompareSortKeys(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	if c, ok := compareOrder(a, b); ok {
		return c
	}
	return 0
}

func typeRank(v any) int {
	switch typeOf(v) {
	case TypeNameNull:
		return 0
	case TypeNameBoolean:
		return 1
	case TypeNameNumber:
		return 2
	case TypeNameString, TypeNameDate:
		return 3
	case TypeNameArray:
		return 4
	default:
		return 5
	}
}
