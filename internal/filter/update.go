package filter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parquedb/parquedb/internal/types"
)

// ApplyOptions control update application.
type ApplyOptions struct {
	// Insert signals an insert context: $setOnInsert fields apply.
	Insert bool
	// Now is the single timestamp used by $currentDate across all fields
	// of this call. Zero means time.Now().
	Now time.Time
}

// applyOrder fixes the sequence operators run in. Validation guarantees
// target fields are disjoint, so the order is only observable through
// $rename interactions, which validation also forbids.
var applyOrder = []string{
	"$setOnInsert", "$set", "$unset", "$rename",
	"$inc", "$mul", "$min", "$max", "$currentDate", "$bit",
	"$push", "$addToSet", "$pull", "$pullAll", "$pop",
}

// Apply applies an update specification to doc and returns a new document.
// Inputs are never mutated. The update is validated first; a conflicting
// spec returns an Invariant error.
func Apply(doc map[string]any, update map[string]any, opts ApplyOptions) (map[string]any, error) {
	if err := ValidateUpdate(update); err != nil {
		return nil, err
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	out := copyDoc(doc)
	for _, op := range applyOrder {
		spec, ok := update[op].(map[string]any)
		if !ok {
			continue
		}
		var err error
		out, err = applyOperator(out, op, spec, opts.Insert, now)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyOperator(doc map[string]any, op string, spec map[string]any, insert bool, now time.Time) (map[string]any, error) {
	fields := make([]string, 0, len(spec))
	for f := range spec {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		arg := spec[field]
		var err error
		switch op {
		case "$set":
			doc = setPath(doc, field, copyValue(arg))
		case "$setOnInsert":
			if insert {
				doc = setPath(doc, field, copyValue(arg))
			}
		case "$unset":
			doc = deletePath(doc, field)
		case "$rename":
			doc, err = applyRename(doc, field, arg)
		case "$inc", "$mul", "$min", "$max":
			doc, err = applyArithmetic(doc, op, field, arg)
		case "$currentDate":
			doc, err = applyCurrentDate(doc, field, arg, now)
		case "$bit":
			doc, err = applyBit(doc, field, arg)
		case "$push":
			doc, err = applyPush(doc, field, arg)
		case "$addToSet":
			doc, err = applyAddToSet(doc, field, arg)
		case "$pull":
			doc, err = applyPull(doc, field, arg)
		case "$pullAll":
			doc, err = applyPullAll(doc, field, arg)
		case "$pop":
			doc, err = applyPop(doc, field, arg)
		}
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func applyRename(doc map[string]any, from string, to any) (map[string]any, error) {
	target, ok := to.(string)
	if !ok {
		return nil, fmt.Errorf("%w: $rename target must be a string", types.ErrInvariant)
	}
	value, exists := getPath(doc, from)
	if !exists {
		return doc, nil
	}
	doc = deletePath(doc, from)
	return setPath(doc, target, value), nil
}

// Missing fields default to 0 for arithmetic operators.
func applyArithmetic(doc map[string]any, op, field string, arg any) (map[string]any, error) {
	operand, ok := toFloat(arg)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s requires a numeric operand", types.ErrInvariant, op, field)
	}
	cur := 0.0
	if v, exists := getPath(doc, field); exists && v != nil {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s on non-numeric field %s", types.ErrInvariant, op, field)
		}
		cur = f
	} else if op == "$mul" {
		cur = 0 // $mul on a missing field yields 0, matching the 0 default
	}
	var next float64
	switch op {
	case "$inc":
		next = cur + operand
	case "$mul":
		next = cur * operand
	case "$min":
		next = cur
		if _, exists := getPath(doc, field); !exists {
			next = operand
		} else if operand < cur {
			next = operand
		}
	case "$max":
		next = cur
		if _, exists := getPath(doc, field); !exists {
			next = operand
		} else if operand > cur {
			next = operand
		}
	}
	return setPath(doc, field, next), nil
}

func applyCurrentDate(doc map[string]any, field string, arg any, now time.Time) (map[string]any, error) {
	switch spec := arg.(type) {
	case bool:
		if !spec {
			return doc, nil
		}
		return setPath(doc, field, now), nil
	case map[string]any:
		switch spec["$type"] {
		case "date":
			return setPath(doc, field, now), nil
		case "timestamp":
			return setPath(doc, field, float64(now.UnixMilli())), nil
		}
	}
	return nil, fmt.Errorf("%w: bad $currentDate spec for %s", types.ErrInvariant, field)
}

// bitOrder keeps $bit application deterministic: and, then or, then xor.
var bitOrder = []string{"and", "or", "xor"}

func applyBit(doc map[string]any, field string, arg any) (map[string]any, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $bit %s requires an operator map", types.ErrInvariant, field)
	}
	cur := int64(0)
	if v, exists := getPath(doc, field); exists && v != nil {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: $bit on non-numeric field %s", types.ErrInvariant, field)
		}
		cur = int64(f)
	}
	for _, op := range bitOrder {
		raw, present := spec[op]
		if !present {
			continue
		}
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("%w: $bit %s.%s requires a number", types.ErrInvariant, field, op)
		}
		operand := int64(f)
		switch op {
		case "and":
			cur &= operand
		case "or":
			cur |= operand
		case "xor":
			cur ^= operand
		}
	}
	return setPath(doc, field, float64(cur)), nil
}

func fieldArray(doc map[string]any, field string) ([]any, error) {
	v, exists := getPath(doc, field)
	if !exists || v == nil {
		return []any{}, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: field %s is not an array", types.ErrInvariant, field)
	}
	cp := make([]any, len(arr))
	copy(cp, arr)
	return cp, nil
}

// applyPush appends values, with $each/$position/$sort/$slice modifiers
// applied in that order: splice, sort, slice.
func applyPush(doc map[string]any, field string, arg any) (map[string]any, error) {
	arr, err := fieldArray(doc, field)
	if err != nil {
		return nil, err
	}

	spec, isSpec := arg.(map[string]any)
	if !isSpec || spec["$each"] == nil {
		arr = append(arr, copyValue(arg))
		return setPath(doc, field, arr), nil
	}

	each, ok := spec["$each"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: $push $each must be an array", types.ErrInvariant)
	}
	pos := len(arr)
	if p, present := spec["$position"]; present {
		f, ok := toFloat(p)
		if !ok {
			return nil, fmt.Errorf("%w: $push $position must be a number", types.ErrInvariant)
		}
		pos = int(f)
		if pos < 0 {
			pos = len(arr) + pos
		}
		if pos < 0 {
			pos = 0
		}
		if pos > len(arr) {
			pos = len(arr)
		}
	}
	spliced := make([]any, 0, len(arr)+len(each))
	spliced = append(spliced, arr[:pos]...)
	for _, e := range each {
		spliced = append(spliced, copyValue(e))
	}
	spliced = append(spliced, arr[pos:]...)
	arr = spliced

	if s, present := spec["$sort"]; present {
		if err := sortArray(arr, s); err != nil {
			return nil, err
		}
	}

	if s, present := spec["$slice"]; present {
		f, ok := toFloat(s)
		if !ok {
			return nil, fmt.Errorf("%w: $push $slice must be a number", types.ErrInvariant)
		}
		n := int(f)
		switch {
		case n == 0:
			arr = []any{}
		case n > 0 && n < len(arr):
			arr = arr[:n]
		case n < 0 && -n < len(arr):
			arr = arr[len(arr)+n:]
		}
	}
	return setPath(doc, field, arr), nil
}

// sortArray sorts in place by ±1 direction or a {key: ±1} map.
func sortArray(arr []any, spec any) error {
	if f, ok := toFloat(spec); ok {
		dir := 1
		if f < 0 {
			dir = -1
		}
		sort.SliceStable(arr, func(i, j int) bool {
			return CompareSortKeys(arr[i], arr[j])*dir < 0
		})
		return nil
	}
	keys, ok := spec.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: $push $sort must be ±1 or a key map", types.ErrInvariant)
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	sort.SliceStable(arr, func(i, j int) bool {
		di, _ := arr[i].(map[string]any)
		dj, _ := arr[j].(map[string]any)
		for _, k := range names {
			dir := 1
			if f, ok := toFloat(keys[k]); ok && f < 0 {
				dir = -1
			}
			vi, _ := getPath(di, k)
			vj, _ := getPath(dj, k)
			if c := CompareSortKeys(vi, vj) * dir; c != 0 {
				return c < 0
			}
		}
		return false
	})
	return nil
}

func applyAddToSet(doc map[string]any, field string, arg any) (map[string]any, error) {
	arr, err := fieldArray(doc, field)
	if err != nil {
		return nil, err
	}
	var values []any
	if spec, ok := arg.(map[string]any); ok && spec["$each"] != nil {
		each, ok := spec["$each"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: $addToSet $each must be an array", types.ErrInvariant)
		}
		values = each
	} else {
		values = []any{arg}
	}
	for _, v := range values {
		present := false
		for _, e := range arr {
			if deepEqual(e, v) {
				present = true
				break
			}
		}
		if !present {
			arr = append(arr, copyValue(v))
		}
	}
	return setPath(doc, field, arr), nil
}

// applyPull removes matching elements. The condition is either a direct
// value (deep equality) or an operator/filter object evaluated per element.
// Pull on a missing field is a no-op.
func applyPull(doc map[string]any, field string, cond any) (map[string]any, error) {
	v, exists := getPath(doc, field)
	if !exists || v == nil {
		return doc, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: $pull on non-array field %s", types.ErrInvariant, field)
	}
	keep := make([]any, 0, len(arr))
	for _, e := range arr {
		matched, err := pullMatches(e, cond)
		if err != nil {
			return nil, err
		}
		if !matched {
			keep = append(keep, e)
		}
	}
	return setPath(doc, field, keep), nil
}

func pullMatches(elem, cond any) (bool, error) {
	if ops, ok := operatorMap(cond); ok {
		return matchOperators(elem, true, ops)
	}
	if sub, ok := cond.(map[string]any); ok {
		if doc, isDoc := elem.(map[string]any); isDoc {
			return matchFilter(doc, sub, false)
		}
		return false, nil
	}
	return deepEqual(elem, cond), nil
}

func applyPullAll(doc map[string]any, field string, arg any) (map[string]any, error) {
	values, ok := arg.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: $pullAll requires an array", types.ErrInvariant)
	}
	v, exists := getPath(doc, field)
	if !exists || v == nil {
		return doc, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: $pullAll on non-array field %s", types.ErrInvariant, field)
	}
	keep := make([]any, 0, len(arr))
	for _, e := range arr {
		remove := false
		for _, w := range values {
			if deepEqual(e, w) {
				remove = true
				break
			}
		}
		if !remove {
			keep = append(keep, e)
		}
	}
	return setPath(doc, field, keep), nil
}

// applyPop removes the last (1) or first (-1) element; empty and missing
// arrays yield empty arrays.
func applyPop(doc map[string]any, field string, arg any) (map[string]any, error) {
	f, ok := toFloat(arg)
	if !ok || (f != 1 && f != -1) {
		return nil, fmt.Errorf("%w: $pop requires 1 or -1", types.ErrInvariant)
	}
	arr, err := fieldArray(doc, field)
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return setPath(doc, field, []any{}), nil
	}
	if f == 1 {
		arr = arr[:len(arr)-1]
	} else {
		arr = arr[1:]
	}
	return setPath(doc, field, arr), nil
}

// ValidateUpdate rejects specifications that target the same field from
// multiple operators, or whose $rename source/target collides with any
// other operator's field.
func ValidateUpdate(update map[string]any) error {
	targets := make(map[string]string) // field -> operator that claimed it
	claim := func(field, op string) error {
		if prev, taken := targets[field]; taken {
			return fmt.Errorf("%w: field %q targeted by both %s and %s", types.ErrConflict, field, prev, op)
		}
		targets[field] = op
		return nil
	}

	for op, raw := range update {
		if !strings.HasPrefix(op, "$") {
			return fmt.Errorf("%w: update keys must be operators, got %q", types.ErrInvariant, op)
		}
		spec, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s requires an object", types.ErrInvariant, op)
		}
		for field, arg := range spec {
			if err := claim(field, op); err != nil {
				return err
			}
			if op == "$rename" {
				target, ok := arg.(string)
				if !ok {
					return fmt.Errorf("%w: $rename target must be a string", types.ErrInvariant)
				}
				if target == field {
					return fmt.Errorf("%w: $rename %q onto itself", types.ErrInvariant, field)
				}
				if err := claim(target, "$rename"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
