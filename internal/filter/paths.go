// Package filter implements ParqueDB's predicate matcher and update
// applier. Both entry points are pure: they never mutate their inputs and
// never suspend, so they are safe to call under locks on hot paths.
package filter

import (
	"strconv"
	"strings"
)

// getPath resolves a dot-path ("user.profile.age", "items.0.name") against
// a document. The second result reports whether the full path exists.
func getPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath returns a copy of doc with path set to value, materializing
// intermediate objects as needed. Arrays are extended when a numeric
// segment points one past the end.
func setPath(doc map[string]any, path string, value any) map[string]any {
	segs := strings.Split(path, ".")
	out, _ := setSegs(doc, segs, value).(map[string]any)
	return out
}

func setSegs(node any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	seg := segs[0]
	if idx, err := strconv.Atoi(seg); err == nil {
		arr, _ := node.([]any)
		cp := make([]any, len(arr))
		copy(cp, arr)
		for len(cp) <= idx {
			cp = append(cp, nil)
		}
		cp[idx] = setSegs(cp[idx], segs[1:], value)
		return cp
	}
	obj, _ := node.(map[string]any)
	cp := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		cp[k] = v
	}
	cp[seg] = setSegs(cp[seg], segs[1:], value)
	return cp
}

// deletePath returns a copy of doc with path removed. Absent paths are a
// no-op; intermediate containers are never created.
func deletePath(doc map[string]any, path string) map[string]any {
	segs := strings.Split(path, ".")
	out, _ := deleteSegs(doc, segs).(map[string]any)
	return out
}

func deleteSegs(node any, segs []string) any {
	obj, ok := node.(map[string]any)
	if !ok {
		return node
	}
	seg := segs[0]
	if _, present := obj[seg]; !present {
		return node
	}
	cp := make(map[string]any, len(obj))
	for k, v := range obj {
		cp[k] = v
	}
	if len(segs) == 1 {
		delete(cp, seg)
		return cp
	}
	cp[seg] = deleteSegs(cp[seg], segs[1:])
	return cp
}

// copyDoc deep-copies the container spine of a document. Scalars are shared;
// every map and slice is fresh, so in-place edits after copy never alias the
// original.
func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyDoc(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
