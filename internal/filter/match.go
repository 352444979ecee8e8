package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/parquedb/parquedb/internal/types"
)

// Reserved root keys handled by sibling subsystems, not this engine.
var reservedRootKeys = map[string]bool{
	"$text":   true,
	"$vector": true,
	"$geo":    true,
}

// Matches reports whether doc satisfies filter. An empty or nil filter
// matches every document.
func Matches(doc map[string]any, filter map[string]any) (bool, error) {
	return matchFilter(doc, filter, true)
}

func matchFilter(doc map[string]any, filter map[string]any, root bool) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	for key, cond := range filter {
		if root && reservedRootKeys[key] {
			continue
		}
		ok, err := matchClause(doc, key, cond)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchClause(doc map[string]any, key string, cond any) (bool, error) {
	switch key {
	case "$and":
		clauses, err := filterList(key, cond)
		if err != nil {
			return false, err
		}
		for _, c := range clauses {
			ok, err := matchFilter(doc, c, false)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case "$or":
		clauses, err := filterList(key, cond)
		if err != nil {
			return false, err
		}
		for _, c := range clauses {
			ok, err := matchFilter(doc, c, false)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "$nor":
		clauses, err := filterList(key, cond)
		if err != nil {
			return false, err
		}
		for _, c := range clauses {
			ok, err := matchFilter(doc, c, false)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	case "$not":
		sub, ok := cond.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%w: $not requires an object", types.ErrInvariant)
		}
		matched, err := matchFilter(doc, sub, false)
		if err != nil {
			return false, err
		}
		return !matched, nil
	}

	value, exists := getPath(doc, key)
	if ops, ok := operatorMap(cond); ok {
		return matchOperators(value, exists, ops)
	}
	// Direct equality.
	return deepEqual(value, cond), nil
}

// operatorMap reports whether cond is an operator object ({$gt: 5, ...}).
func operatorMap(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchOperators(value any, exists bool, ops map[string]any) (bool, error) {
	for op, operand := range ops {
		if op == "$options" {
			continue // consumed alongside $regex
		}
		ok, err := matchOperator(value, exists, op, operand, ops)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchOperator(value any, exists bool, op string, operand any, all map[string]any) (bool, error) {
	switch op {
	case "$eq":
		return deepEqual(value, operand), nil
	case "$ne":
		return !deepEqual(value, operand), nil
	case "$gt", "$gte", "$lt", "$lte":
		if value == nil || !exists {
			return false, nil
		}
		c, ok := compareOrder(value, operand)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "$in":
		list, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("%w: $in requires an array", types.ErrInvariant)
		}
		for _, e := range list {
			if deepEqual(value, e) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		list, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("%w: $nin requires an array", types.ErrInvariant)
		}
		for _, e := range list {
			if deepEqual(value, e) {
				return false, nil
			}
		}
		return true, nil
	case "$regex":
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		pattern, ok := operand.(string)
		if !ok {
			return false, fmt.Errorf("%w: $regex requires a string pattern", types.ErrInvariant)
		}
		var flags string
		if opts, ok := all["$options"].(string); ok {
			if strings.Contains(opts, "i") {
				flags += "i"
			}
			if strings.Contains(opts, "m") {
				flags += "m"
			}
		}
		if flags != "" {
			pattern = "(?" + flags + ")" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("%w: bad $regex %q: %v", types.ErrInvariant, pattern, err)
		}
		return re.MatchString(s), nil
	case "$startsWith":
		s, ok1 := value.(string)
		p, ok2 := operand.(string)
		return ok1 && ok2 && strings.HasPrefix(s, p), nil
	case "$endsWith":
		s, ok1 := value.(string)
		p, ok2 := operand.(string)
		return ok1 && ok2 && strings.HasSuffix(s, p), nil
	case "$contains":
		s, ok1 := value.(string)
		p, ok2 := operand.(string)
		return ok1 && ok2 && strings.Contains(s, p), nil
	case "$all":
		arr, ok := value.([]any)
		if !ok {
			return false, nil
		}
		want, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("%w: $all requires an array", types.ErrInvariant)
		}
		for _, w := range want {
			found := false
			for _, e := range arr {
				if deepEqual(e, w) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	case "$elemMatch":
		arr, ok := value.([]any)
		if !ok {
			return false, nil
		}
		sub, ok := operand.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%w: $elemMatch requires an object", types.ErrInvariant)
		}
		for _, e := range arr {
			var matched bool
			var err error
			if elemDoc, isDoc := e.(map[string]any); isDoc {
				matched, err = matchFilter(elemDoc, sub, false)
			} else if ops, isOps := operatorMap(sub); isOps {
				// Scalar elements match operator-only specs directly.
				matched, err = matchOperators(e, true, ops)
			}
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	case "$size":
		arr, ok := value.([]any)
		if !ok {
			return false, nil
		}
		n, ok := toFloat(operand)
		if !ok {
			return false, fmt.Errorf("%w: $size requires a number", types.ErrInvariant)
		}
		return float64(len(arr)) == n, nil
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return false, fmt.Errorf("%w: $exists requires a boolean", types.ErrInvariant)
		}
		return exists == want, nil
	case "$type":
		name, ok := operand.(string)
		if !ok {
			return false, fmt.Errorf("%w: $type requires a string", types.ErrInvariant)
		}
		if name == TypeNameNull {
			return !exists || value == nil, nil
		}
		return exists && typeOf(value) == name, nil
	case "$not":
		sub, ok := operatorMap(operand)
		if !ok {
			return false, fmt.Errorf("%w: field-level $not requires an operator object", types.ErrInvariant)
		}
		matched, err := matchOperators(value, exists, sub)
		if err != nil {
			return false, err
		}
		return !matched, nil
	}
	return false, fmt.Errorf("%w: unknown filter operator %q", types.ErrInvariant, op)
}

func filterList(op string, cond any) ([]map[string]any, error) {
	list, ok := cond.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s requires an array of filters", types.ErrInvariant, op)
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s elements must be objects", types.ErrInvariant, op)
		}
		out = append(out, m)
	}
	return out, nil
}
