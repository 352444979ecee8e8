// Package vcs is the commit DAG: content-addressed commits, branch/tag
// refs with symbolic HEAD, schema snapshots pinned into commits, schema
// diffing, ancestry search, and branch merging over event histories.
package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/storage"
	"github.com/parquedb/parquedb/internal/types"
)

// CommitStore reads and writes commit objects under commits/ at the
// database root, with legacy schema side files under _meta/schemas/.
type CommitStore struct {
	backend storage.Backend
	root    string
}

// NewCommitStore roots a store at the database root dir ("" for the
// backend's own root).
func NewCommitStore(backend storage.Backend, dir string) *CommitStore {
	return &CommitStore{backend: backend, root: dir}
}

func (s *CommitStore) commitPath(hash string) string {
	return path.Join(s.root, "commits", hash+".json")
}

func (s *CommitStore) legacySchemaPath(commitHash string) string {
	return path.Join(s.root, "_meta", "schemas", commitHash+".json")
}

// CommitOptions describe a commit being created.
type CommitOptions struct {
	Message string
	Author  string
	Parents []string
	// Timestamp defaults to now.
	Timestamp time.Time
}

// CreateCommit hashes and persists a commit over the given state. Root
// commits pass no parents.
func (s *CommitStore) CreateCommit(ctx context.Context, state types.CommitState, opts CommitOptions) (types.Commit, error) {
	for _, p := range opts.Parents {
		if _, err := s.LoadCommit(ctx, p); err != nil {
			return types.Commit{}, fmt.Errorf("parent %s: %w", p, err)
		}
	}
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	c := types.Commit{
		Parents:   opts.Parents,
		Message:   opts.Message,
		Author:    opts.Author,
		Timestamp: ts.UTC(),
		State:     state,
	}
	hash, err := c.ComputeHash()
	if err != nil {
		return types.Commit{}, err
	}
	c.Hash = hash
	if err := s.writeCommit(ctx, &c); err != nil {
		return types.Commit{}, err
	}
	debug.Logf("vcs: committed %s (%d parents): %s", hash[:8], len(opts.Parents), opts.Message)
	return c, nil
}

// CreateCommitWithSchema pins a schema snapshot into the commit state.
// The snapshot's commitHash is excluded from the hashed payload (it names
// the commit being created) and filled in on the stored object.
func (s *CommitStore) CreateCommitWithSchema(ctx context.Context, state types.CommitState, schema types.SchemaSnapshot, opts CommitOptions) (types.Commit, error) {
	schema.CommitHash = ""
	if schema.Hash == "" {
		h, err := schema.ComputeHash()
		if err != nil {
			return types.Commit{}, err
		}
		schema.Hash = h
	}
	state.Schema = &schema
	c, err := s.CreateCommit(ctx, state, opts)
	if err != nil {
		return types.Commit{}, err
	}
	c.State.Schema.CommitHash = c.Hash
	if err := s.writeCommit(ctx, &c); err != nil {
		return types.Commit{}, err
	}
	return c, nil
}

func (s *CommitStore) writeCommit(ctx context.Context, c *types.Commit) error {
	raw, err := types.CanonicalJSON(c)
	if err != nil {
		return fmt.Errorf("encode commit %s: %w", c.Hash, err)
	}
	return s.backend.Write(ctx, s.commitPath(c.Hash), raw)
}

// LoadCommit reads one commit by hash.
func (s *CommitStore) LoadCommit(ctx context.Context, hash string) (types.Commit, error) {
	raw, err := s.backend.Read(ctx, s.commitPath(hash))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.Commit{}, fmt.Errorf("%w: commit %s", types.ErrNotFound, hash)
		}
		return types.Commit{}, err
	}
	var c types.Commit
	if err := json.Unmarshal(raw, &c); err != nil {
		return types.Commit{}, fmt.Errorf("%w: commit %s: %v", types.ErrFatal, hash, err)
	}
	return c, nil
}

// LoadSchemaAtCommit returns the schema pinned at a commit. Commits from
// before snapshots were embedded fall back to the side file the old
// layout kept per commit.
func (s *CommitStore) LoadSchemaAtCommit(ctx context.Context, commitHash string) (*types.SchemaSnapshot, error) {
	c, err := s.LoadCommit(ctx, commitHash)
	if err != nil {
		return nil, err
	}
	if c.State.Schema != nil {
		return c.State.Schema, nil
	}
	raw, err := s.backend.Read(ctx, s.legacySchemaPath(commitHash))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: no schema at commit %s", types.ErrNotFound, commitHash)
		}
		return nil, err
	}
	var snap types.SchemaSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: schema at %s: %v", types.ErrFatal, commitHash, err)
	}
	return &snap, nil
}

// Log walks first-parent history from hash, newest first, up to limit
// commits (0 = unlimited).
func (s *CommitStore) Log(ctx context.Context, hash string, limit int) ([]types.Commit, error) {
	var out []types.Commit
	for hash != "" {
		c, err := s.LoadCommit(ctx, hash)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(c.Parents) == 0 {
			break
		}
		hash = c.Parents[0]
	}
	return out, nil
}

// ListCommits returns every stored commit hash.
func (s *CommitStore) ListCommits(ctx context.Context) ([]string, error) {
	paths, err := s.backend.List(ctx, path.Join(s.root, "commits")+"/")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		name := path.Base(p)
		if ext := path.Ext(name); ext == ".json" {
			out = append(out, name[:len(name)-len(ext)])
		}
	}
	return out, nil
}
