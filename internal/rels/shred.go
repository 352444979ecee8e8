// Package rels persists typed relationship edges in forward and reverse
// column files. Match quality metadata is shredded into dedicated columns
// so similarity filters push down to row-group statistics; everything else
// rides in an opaque msgpack blob.
package rels

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/parquedb/parquedb/internal/types"
)

// ExtractShredded splits an edge metadata map into the shredded matchMode
// and similarity values plus the residual map. MergeShredded is its exact
// inverse.
func ExtractShredded(meta map[string]any) (types.MatchMode, *float64, map[string]any, error) {
	var mode types.MatchMode
	var sim *float64
	residual := make(map[string]any, len(meta))
	for k, v := range meta {
		switch k {
		case "matchMode":
			s, ok := v.(string)
			if !ok {
				return "", nil, nil, fmt.Errorf("%w: matchMode must be a string, got %T", types.ErrInvariant, v)
			}
			mode = types.MatchMode(s)
		case "similarity":
			f, ok := asFloat(v)
			if !ok {
				return "", nil, nil, fmt.Errorf("%w: similarity must be numeric, got %T", types.ErrInvariant, v)
			}
			sim = &f
		default:
			residual[k] = v
		}
	}
	if len(residual) == 0 {
		residual = nil
	}
	if err := ValidateShredded(mode, sim); err != nil {
		return "", nil, nil, err
	}
	return mode, sim, residual, nil
}

// MergeShredded reassembles the metadata map ExtractShredded split apart.
func MergeShredded(mode types.MatchMode, sim *float64, residual map[string]any) map[string]any {
	if mode == "" && sim == nil && len(residual) == 0 {
		return nil
	}
	out := make(map[string]any, len(residual)+2)
	for k, v := range residual {
		out[k] = v
	}
	if mode != "" {
		out["matchMode"] = string(mode)
	}
	if sim != nil {
		out["similarity"] = *sim
	}
	return out
}

// ValidateShredded enforces the match-quality contract: exact matches may
// only carry similarity 1.0 (or none), fuzzy matches must carry one in
// [0, 1].
func ValidateShredded(mode types.MatchMode, sim *float64) error {
	switch mode {
	case "":
		return nil
	case types.MatchExact:
		if sim != nil && *sim != 1.0 {
			return fmt.Errorf("%w: exact match with similarity %v", types.ErrInvariant, *sim)
		}
	case types.MatchFuzzy:
		if sim == nil {
			return fmt.Errorf("%w: fuzzy match requires similarity", types.ErrInvariant)
		}
		if *sim < 0 || *sim > 1 {
			return fmt.Errorf("%w: similarity %v out of [0,1]", types.ErrInvariant, *sim)
		}
	default:
		return fmt.Errorf("%w: unknown match mode %q", types.ErrInvariant, mode)
	}
	return nil
}

// encodeData packs the residual metadata map self-describingly so it can
// be read back without a schema.
func encodeData(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	blob, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode edge data: %w", err)
	}
	return blob, nil
}

func decodeData(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var data map[string]any
	if err := msgpack.Unmarshal(blob, &data); err != nil {
		return nil, fmt.Errorf("%w: decode edge data: %v", types.ErrFatal, err)
	}
	return data, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
