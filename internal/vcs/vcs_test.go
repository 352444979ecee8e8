package vcs

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parquedb/parquedb/internal/storage"
	"github.com/parquedb/parquedb/internal/types"
)

func testStore(t *testing.T) (*CommitStore, *RefManager, storage.Backend) {
	t.Helper()
	backend := storage.NewMemory()
	store := NewCommitStore(backend, "")
	refs := NewRefManager(backend, store, "_meta")
	return store, refs, backend
}

func commitOn(t *testing.T, store *CommitStore, msg string, offset uint64, parents ...string) types.Commit {
	t.Helper()
	c, err := store.CreateCommit(context.Background(), types.CommitState{
		EventLog: types.EventLogPosition{Offset: offset},
	}, CommitOptions{Message: msg, Author: "tester", Parents: parents})
	require.NoError(t, err)
	return c
}

func TestCreateAndLoadCommit(t *testing.T) {
	ctx := context.Background()
	store, _, _ := testStore(t)

	c1 := commitOn(t, store, "init", 1)
	require.Len(t, c1.Hash, 64)

	got, err := store.LoadCommit(ctx, c1.Hash)
	require.NoError(t, err)
	require.Equal(t, "init", got.Message)
	require.Empty(t, got.Parents)

	// Unknown parents are rejected.
	_, err = store.CreateCommit(ctx, types.CommitState{}, CommitOptions{Message: "x", Parents: []string{"deadbeef"}})
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = store.LoadCommit(ctx, "deadbeef")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func userSnapshot(fields ...types.Field) *types.SchemaSnapshot {
	return &types.SchemaSnapshot{
		Collections: map[string]types.CollectionSchema{
			"User": {Name: "User", Fields: fields},
		},
	}
}

func TestCommitWithSchema(t *testing.T) {
	ctx := context.Background()
	store, _, backend := testStore(t)

	snap := userSnapshot(types.Field{Name: "age", Type: types.TypeNumber})
	c, err := store.CreateCommitWithSchema(ctx, types.CommitState{}, *snap, CommitOptions{Message: "schema"})
	require.NoError(t, err)

	loaded, err := store.LoadSchemaAtCommit(ctx, c.Hash)
	require.NoError(t, err)
	require.Equal(t, c.Hash, loaded.CommitHash)
	require.NotEmpty(t, loaded.Hash)
	require.Contains(t, loaded.Collections, "User")

	// The stored commit re-verifies: the snapshot's commitHash names the
	// commit itself and is excluded from the hashed payload.
	reloaded, err := store.LoadCommit(ctx, c.Hash)
	require.NoError(t, err)
	recomputed, err := reloaded.ComputeHash()
	require.NoError(t, err)
	require.Equal(t, reloaded.Hash, recomputed)

	// Commits without an embedded schema fall back to the legacy side file.
	bare := commitOn(t, store, "bare", 0)
	_, err = store.LoadSchemaAtCommit(ctx, bare.Hash)
	require.ErrorIs(t, err, types.ErrNotFound)

	legacy, err := types.CanonicalJSON(snap)
	require.NoError(t, err)
	require.NoError(t, backend.Write(ctx, "_meta/schemas/"+bare.Hash+".json", legacy))
	loaded, err = store.LoadSchemaAtCommit(ctx, bare.Hash)
	require.NoError(t, err)
	require.Contains(t, loaded.Collections, "User")
}

func TestRefResolution(t *testing.T) {
	ctx := context.Background()
	store, refs, _ := testStore(t)
	c := commitOn(t, store, "init", 1)

	// Missing refs resolve to empty, not error.
	hash, err := refs.ResolveRef(ctx, "main")
	require.NoError(t, err)
	require.Empty(t, hash)

	require.NoError(t, refs.UpdateRef(ctx, "main", c.Hash))
	for _, name := range []string{"main", "refs/heads/main", "HEAD"} {
		hash, err = refs.ResolveRef(ctx, name)
		require.NoError(t, err)
		require.Equal(t, c.Hash, hash, "resolving %q", name)
	}

	// Dangling updates are rejected.
	require.ErrorIs(t, refs.UpdateRef(ctx, "main", "deadbeef"), types.ErrNotFound)
	require.ErrorIs(t, refs.UpdateRef(ctx, "HEAD", c.Hash), types.ErrInvariant)
	require.ErrorIs(t, refs.DeleteRef(ctx, "HEAD"), types.ErrInvariant)
}

func TestHeadStates(t *testing.T) {
	ctx := context.Background()
	store, refs, _ := testStore(t)

	// No HEAD file means branch main.
	head, err := refs.GetHead(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Head{Type: "branch", Ref: "main"}, head)

	c := commitOn(t, store, "init", 1)
	require.NoError(t, refs.UpdateRef(ctx, "dev", c.Hash))
	require.NoError(t, refs.SetHead(ctx, "dev"))
	head, err = refs.GetHead(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Head{Type: "branch", Ref: "dev"}, head)

	require.NoError(t, refs.DetachHead(ctx, c.Hash))
	head, err = refs.GetHead(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Head{Type: "detached", Ref: c.Hash}, head)
}

func TestSymbolicRefCycle(t *testing.T) {
	ctx := context.Background()
	_, refs, backend := testStore(t)
	require.NoError(t, backend.Write(ctx, "_meta/refs/heads/a", []byte("ref: refs/heads/b\n")))
	require.NoError(t, backend.Write(ctx, "_meta/refs/heads/b", []byte("ref: refs/heads/a\n")))
	_, err := refs.ResolveRef(ctx, "a")
	require.ErrorIs(t, err, types.ErrInvariant)
}

// Spec scenario: dropping User.age between two commits is a breaking
// REMOVE_FIELD.
func TestDiffSchemasBreakingChange(t *testing.T) {
	a := userSnapshot(types.Field{Name: "age", Type: types.TypeNumber})
	b := userSnapshot()

	res := DiffSchemas(a, b)
	require.False(t, res.Compatible)
	require.Len(t, res.BreakingChanges, 1)
	require.Equal(t, ChangeRemoveField, res.BreakingChanges[0].Type)
	require.Equal(t, "User", res.BreakingChanges[0].Collection)
	require.Equal(t, "age", res.BreakingChanges[0].Field)
}

func TestDiffSchemasChangeKinds(t *testing.T) {
	a := userSnapshot(
		types.Field{Name: "name", Type: types.TypeString},
		types.Field{Name: "age", Type: types.TypeNumber, Indexed: true},
	)
	b := userSnapshot(
		types.Field{Name: "name", Type: types.TypeString, Required: true},
		types.Field{Name: "age", Type: types.TypeString},
		types.Field{Name: "bio", Type: types.TypeString},
	)
	b.Collections["Post"] = types.CollectionSchema{Name: "Post"}

	res := DiffSchemas(a, b)
	kinds := make(map[string]int)
	for _, c := range res.Changes {
		kinds[c.Type]++
	}
	require.Equal(t, 1, kinds[ChangeAddCollection])
	require.Equal(t, 1, kinds[ChangeType])
	require.Equal(t, 1, kinds[ChangeRemoveIndex])
	require.Equal(t, 1, kinds[ChangeRequired])
	require.Equal(t, 1, kinds[ChangeAddField])
	require.False(t, res.Compatible)

	// An optional added field alone is compatible.
	res = DiffSchemas(userSnapshot(), userSnapshot(types.Field{Name: "bio", Type: types.TypeString}))
	require.True(t, res.Compatible)

	// A required added field is not.
	res = DiffSchemas(userSnapshot(), userSnapshot(types.Field{Name: "bio", Type: types.TypeString, Required: true}))
	require.False(t, res.Compatible)
}

func TestFindCommonAncestor(t *testing.T) {
	ctx := context.Background()
	store, _, _ := testStore(t)

	root := commitOn(t, store, "root", 1)
	a1 := commitOn(t, store, "a1", 2, root.Hash)
	a2 := commitOn(t, store, "a2", 3, a1.Hash)
	b1 := commitOn(t, store, "b1", 4, root.Hash)

	res, err := store.FindCommonAncestor(ctx, a2.Hash, a2.Hash)
	require.NoError(t, err)
	require.Equal(t, a2.Hash, res.Ancestor)
	require.Zero(t, res.CommitsTraversed)

	res, err = store.FindCommonAncestor(ctx, a2.Hash, b1.Hash)
	require.NoError(t, err)
	require.Equal(t, root.Hash, res.Ancestor)
	require.Equal(t, 2, res.DepthFromFirst)
	require.Equal(t, 1, res.DepthFromSecond)

	// Disjoint histories have no ancestor.
	other := commitOn(t, store, "island", 9)
	res, err = store.FindCommonAncestor(ctx, a2.Hash, other.Hash)
	require.NoError(t, err)
	require.Empty(t, res.Ancestor)
}

func updateEvent(target string, update map[string]any) types.Event {
	return types.Event{
		Op:       types.OpUpdate,
		Target:   target,
		Metadata: map[string]any{"update": update},
	}
}

func TestMergeEventsOneSide(t *testing.T) {
	ours := []types.Event{{Op: types.OpCreate, Target: "posts:a"}}
	theirs := []types.Event{{Op: types.OpCreate, Target: "posts:b"}}
	res := MergeEvents(ours, theirs, EventMergeOptions{})
	require.True(t, res.Success)
	require.Len(t, res.MergedEvents, 2)
	require.Equal(t, 1, res.Stats.FromOurs)
	require.Equal(t, 1, res.Stats.FromTheirs)
	require.Empty(t, res.Conflicts)
}

func TestMergeEventsCommutative(t *testing.T) {
	ours := []types.Event{updateEvent("posts:a", map[string]any{"$inc": map[string]any{"views": 1.0}})}
	theirs := []types.Event{updateEvent("posts:a", map[string]any{"$inc": map[string]any{"likes": 2.0}})}

	res := MergeEvents(ours, theirs, EventMergeOptions{AutoMergeCommutative: true})
	require.True(t, res.Success)
	require.Equal(t, []string{"posts:a"}, res.AutoMerged)
	require.Len(t, res.MergedEvents, 2)
	// Ours composes before theirs.
	require.Equal(t, 1, res.Stats.FromOurs)
	require.Equal(t, 1, res.Stats.FromTheirs)

	// Overlapping $inc fields do not auto-merge.
	theirs = []types.Event{updateEvent("posts:a", map[string]any{"$inc": map[string]any{"views": 5.0}})}
	res = MergeEvents(ours, theirs, EventMergeOptions{AutoMergeCommutative: true})
	require.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "posts:a", res.Conflicts[0].Target)
}

func TestMergeEventsStrategy(t *testing.T) {
	ours := []types.Event{updateEvent("posts:a", map[string]any{"$set": map[string]any{"title": "mine"}})}
	theirs := []types.Event{updateEvent("posts:a", map[string]any{"$set": map[string]any{"title": "theirs"}})}

	res := MergeEvents(ours, theirs, EventMergeOptions{})
	require.False(t, res.Success)

	res = MergeEvents(ours, theirs, EventMergeOptions{Strategy: StrategyOurs})
	require.True(t, res.Success)
	require.Equal(t, []string{"posts:a"}, res.Resolved)
	require.Equal(t, 1, res.Stats.FromOurs)
	require.Zero(t, res.Stats.FromTheirs)

	res = MergeEvents(ours, theirs, EventMergeOptions{Strategy: StrategyTheirs})
	require.True(t, res.Success)
	require.Equal(t, 1, res.Stats.FromTheirs)
}

// rangeSource fabricates one event per sequence in (from, to].
type rangeSource struct{}

func (rangeSource) EventsBetween(ctx context.Context, from, to types.EventLogPosition) ([]types.Event, error) {
	var out []types.Event
	for seq := from.Offset + 1; seq <= to.Offset; seq++ {
		out = append(out, types.Event{
			Op:     types.OpCreate,
			Seq:    seq,
			Target: fmt.Sprintf("posts:e%d", seq),
		})
	}
	return out, nil
}

func TestMergeBranches(t *testing.T) {
	ctx := context.Background()
	store, refs, _ := testStore(t)
	m := NewMerger(store, refs, rangeSource{})

	root := commitOn(t, store, "root", 2)
	ours := commitOn(t, store, "ours", 4, root.Hash)
	theirs := commitOn(t, store, "theirs", 2, root.Hash)
	require.NoError(t, refs.UpdateRef(ctx, "main", ours.Hash))
	require.NoError(t, refs.UpdateRef(ctx, "feature", theirs.Hash))

	// Dry run plans without moving refs.
	res, err := m.MergeBranches(ctx, "feature", "main", MergeOptions{DryRun: true})
	require.NoError(t, err)
	require.True(t, res.DryRun)
	require.True(t, res.Events.Success)
	require.Empty(t, res.Commit.Hash)
	hash, err := refs.ResolveRef(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, ours.Hash, hash)

	// The real merge creates a two-parent commit and advances main.
	res, err = m.MergeBranches(ctx, "feature", "main", MergeOptions{Author: "tester"})
	require.NoError(t, err)
	require.True(t, res.Events.Success)
	require.Equal(t, []string{ours.Hash, theirs.Hash}, res.Commit.Parents)
	hash, err = refs.ResolveRef(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, res.Commit.Hash, hash)

	// Merging unrelated branches fails.
	island := commitOn(t, store, "island", 1)
	require.NoError(t, refs.UpdateRef(ctx, "island", island.Hash))
	_, err = m.MergeBranches(ctx, "island", "main", MergeOptions{})
	require.ErrorIs(t, err, types.ErrInvariant)
}

func TestGC(t *testing.T) {
	ctx := context.Background()
	store, refs, _ := testStore(t)

	root := commitOn(t, store, "root", 1)
	tip := commitOn(t, store, "tip", 2, root.Hash)
	orphan := commitOn(t, store, "orphan", 3)
	tagged := commitOn(t, store, "tagged", 4)
	require.NoError(t, refs.UpdateRef(ctx, "main", tip.Hash))
	require.NoError(t, refs.UpdateRef(ctx, "refs/tags/v1", tagged.Hash))

	removed, err := GC(ctx, store, refs)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = store.LoadCommit(ctx, orphan.Hash)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.LoadCommit(ctx, root.Hash)
	require.NoError(t, err)
	// A commit reachable only through a tag is still a root.
	_, err = store.LoadCommit(ctx, tagged.Hash)
	require.NoError(t, err)
}

func TestListBranchesAndTags(t *testing.T) {
	ctx := context.Background()
	store, refs, _ := testStore(t)
	c := commitOn(t, store, "init", 1)
	require.NoError(t, refs.UpdateRef(ctx, "main", c.Hash))
	require.NoError(t, refs.UpdateRef(ctx, "dev", c.Hash))
	require.NoError(t, refs.UpdateRef(ctx, "refs/tags/v1", c.Hash))

	branches, err := refs.ListBranches(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"dev", "main"}, branches)

	tags, err := refs.ListTags(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, tags)
}
