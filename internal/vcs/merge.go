package vcs

import (
	"context"
	"fmt"
	"strings"

	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/types"
)

// AncestorResult reports a common-ancestor search.
type AncestorResult struct {
	Ancestor         string `json:"ancestor,omitempty"`
	CommitsTraversed int    `json:"commitsTraversed"`
	DepthFromFirst   int    `json:"depthFromCommit1"`
	DepthFromSecond  int    `json:"depthFromCommit2"`
}

// FindCommonAncestor runs a bidirectional BFS up the parent DAG from both
// commits. Identical inputs are their own ancestor at zero traversal;
// disjoint histories return an empty ancestor.
func (s *CommitStore) FindCommonAncestor(ctx context.Context, h1, h2 string) (AncestorResult, error) {
	if h1 == h2 {
		return AncestorResult{Ancestor: h1}, nil
	}
	depth1 := map[string]int{h1: 0}
	depth2 := map[string]int{h2: 0}
	frontier1 := []string{h1}
	frontier2 := []string{h2}
	traversed := 0

	expand := func(frontier []string, own, other map[string]int) ([]string, string, error) {
		var next []string
		for _, hash := range frontier {
			c, err := s.LoadCommit(ctx, hash)
			if err != nil {
				return nil, "", err
			}
			traversed++
			for _, p := range c.Parents {
				if _, seen := own[p]; seen {
					continue
				}
				own[p] = own[hash] + 1
				if _, met := other[p]; met {
					return nil, p, nil
				}
				next = append(next, p)
			}
		}
		return next, "", nil
	}

	for len(frontier1) > 0 || len(frontier2) > 0 {
		var meet string
		var err error
		if len(frontier1) > 0 {
			frontier1, meet, err = expand(frontier1, depth1, depth2)
			if err != nil {
				return AncestorResult{}, err
			}
			if meet != "" {
				return AncestorResult{Ancestor: meet, CommitsTraversed: traversed, DepthFromFirst: depth1[meet], DepthFromSecond: depth2[meet]}, nil
			}
		}
		if len(frontier2) > 0 {
			frontier2, meet, err = expand(frontier2, depth2, depth1)
			if err != nil {
				return AncestorResult{}, err
			}
			if meet != "" {
				return AncestorResult{Ancestor: meet, CommitsTraversed: traversed, DepthFromFirst: depth1[meet], DepthFromSecond: depth2[meet]}, nil
			}
		}
	}
	return AncestorResult{CommitsTraversed: traversed}, nil
}

// MergeStrategy picks a side for conflicting targets.
type MergeStrategy string

const (
	StrategyManual MergeStrategy = ""
	StrategyOurs   MergeStrategy = "ours"
	StrategyTheirs MergeStrategy = "theirs"
)

// EventMergeOptions tune the event-history merge.
type EventMergeOptions struct {
	Strategy MergeStrategy
	// AutoMergeCommutative composes both sides' deltas when every
	// operator commutes.
	AutoMergeCommutative bool
}

// Conflict is one target both sides modified in non-composable ways.
type Conflict struct {
	Target string        `json:"target"`
	Ours   []types.Event `json:"ours"`
	Theirs []types.Event `json:"theirs"`
	Reason string        `json:"reason"`
}

// EventMergeStats counts events contributed per side.
type EventMergeStats struct {
	FromOurs   int `json:"fromOurs"`
	FromTheirs int `json:"fromTheirs"`
}

// EventMergeResult is the outcome of merging two event histories.
type EventMergeResult struct {
	MergedEvents []types.Event   `json:"mergedEvents"`
	Conflicts    []Conflict      `json:"conflicts"`
	AutoMerged   []string        `json:"autoMerged"`
	Resolved     []string        `json:"resolved"`
	Stats        EventMergeStats `json:"stats"`
	Success      bool            `json:"success"`
}

// MergeEvents reconciles the events each side produced after the common
// ancestor. Targets touched on one side pass through; targets touched on
// both compose when their update operators commute, otherwise the
// strategy picks a side or the target conflicts.
func MergeEvents(ours, theirs []types.Event, opts EventMergeOptions) EventMergeResult {
	ourTargets := groupByTarget(ours)
	theirTargets := groupByTarget(theirs)

	var res EventMergeResult
	taken := make(map[string]bool)
	appendSide := func(events []types.Event, fromOurs bool) {
		res.MergedEvents = append(res.MergedEvents, events...)
		if fromOurs {
			res.Stats.FromOurs += len(events)
		} else {
			res.Stats.FromTheirs += len(events)
		}
	}

	for _, ev := range ours {
		target := ev.Target
		if taken[target] {
			continue
		}
		taken[target] = true
		mine := ourTargets[target]
		other, both := theirTargets[target]
		if !both {
			appendSide(mine, true)
			continue
		}
		switch {
		case opts.AutoMergeCommutative && commutative(mine) && commutative(other) && incDisjoint(mine, other):
			// Ours first, theirs composed on top.
			appendSide(mine, true)
			appendSide(other, false)
			res.AutoMerged = append(res.AutoMerged, target)
		case opts.Strategy == StrategyOurs:
			appendSide(mine, true)
			res.Resolved = append(res.Resolved, target)
		case opts.Strategy == StrategyTheirs:
			appendSide(other, false)
			res.Resolved = append(res.Resolved, target)
		default:
			res.Conflicts = append(res.Conflicts, Conflict{
				Target: target,
				Ours:   mine,
				Theirs: other,
				Reason: "both sides modified with non-commutative operations",
			})
		}
	}
	for _, ev := range theirs {
		if taken[ev.Target] {
			continue
		}
		taken[ev.Target] = true
		appendSide(theirTargets[ev.Target], false)
	}
	res.Success = len(res.Conflicts) == 0
	return res
}

func groupByTarget(events []types.Event) map[string][]types.Event {
	out := make(map[string][]types.Event)
	for _, ev := range events {
		out[ev.Target] = append(out[ev.Target], ev)
	}
	return out
}

// commutative reports whether every event in the slice is an update built
// solely from order-insensitive operators.
func commutative(events []types.Event) bool {
	for _, ev := range events {
		if ev.Op != types.OpUpdate {
			return false
		}
		update := updateOps(&ev)
		if len(update) == 0 {
			return false
		}
		for op := range update {
			switch op {
			case "$inc", "$addToSet", "$push":
			default:
				return false
			}
		}
	}
	return true
}

// incDisjoint checks that $inc fields do not overlap across sides; an
// increment on the same field composes numerically but the sides'
// intents may not.
func incDisjoint(ours, theirs []types.Event) bool {
	mine := incFields(ours)
	for f := range incFields(theirs) {
		if mine[f] {
			return false
		}
	}
	return true
}

func incFields(events []types.Event) map[string]bool {
	out := make(map[string]bool)
	for _, ev := range events {
		if inc, ok := updateOps(&ev)["$inc"].(map[string]any); ok {
			for f := range inc {
				out[f] = true
			}
		}
	}
	return out
}

func updateOps(ev *types.Event) map[string]any {
	if ev.Metadata == nil {
		return nil
	}
	update, _ := ev.Metadata["update"].(map[string]any)
	return update
}

// EventSource yields the events logged between two positions, in order.
type EventSource interface {
	EventsBetween(ctx context.Context, from, to types.EventLogPosition) ([]types.Event, error)
}

// MergeOptions configure a branch merge.
type MergeOptions struct {
	Strategy             MergeStrategy
	AutoMergeCommutative bool
	DryRun               bool
	Author               string
}

// MergeResult reports a branch merge (or its dry-run plan).
type MergeResult struct {
	Commit   types.Commit     `json:"commit,omitempty"`
	Ancestor AncestorResult   `json:"ancestor"`
	Events   EventMergeResult `json:"events"`
	DryRun   bool             `json:"dryRun,omitempty"`
}

// Merger merges branches over a commit store and an event source.
type Merger struct {
	store  *CommitStore
	refs   *RefManager
	events EventSource
}

// NewMerger wires a merger.
func NewMerger(store *CommitStore, refs *RefManager, events EventSource) *Merger {
	return &Merger{store: store, refs: refs, events: events}
}

// MergeBranches merges source into target. Target is "ours". Dry runs
// return the full plan without touching refs; a conflicted merge returns
// the result with Success false and no commit.
func (m *Merger) MergeBranches(ctx context.Context, source, target string, opts MergeOptions) (MergeResult, error) {
	sourceHash, err := m.refs.ResolveRef(ctx, source)
	if err != nil {
		return MergeResult{}, err
	}
	targetHash, err := m.refs.ResolveRef(ctx, target)
	if err != nil {
		return MergeResult{}, err
	}
	if sourceHash == "" || targetHash == "" {
		return MergeResult{}, fmt.Errorf("%w: unresolved ref (source=%q target=%q)", types.ErrNotFound, source, target)
	}

	ancestor, err := m.store.FindCommonAncestor(ctx, targetHash, sourceHash)
	if err != nil {
		return MergeResult{}, err
	}
	if ancestor.Ancestor == "" {
		return MergeResult{}, fmt.Errorf("%w: %s and %s share no history", types.ErrInvariant, source, target)
	}
	res := MergeResult{Ancestor: ancestor, DryRun: opts.DryRun}

	base, err := m.store.LoadCommit(ctx, ancestor.Ancestor)
	if err != nil {
		return MergeResult{}, err
	}
	oursCommit, err := m.store.LoadCommit(ctx, targetHash)
	if err != nil {
		return MergeResult{}, err
	}
	theirsCommit, err := m.store.LoadCommit(ctx, sourceHash)
	if err != nil {
		return MergeResult{}, err
	}

	ours, err := m.events.EventsBetween(ctx, base.State.EventLog, oursCommit.State.EventLog)
	if err != nil {
		return MergeResult{}, err
	}
	theirs, err := m.events.EventsBetween(ctx, base.State.EventLog, theirsCommit.State.EventLog)
	if err != nil {
		return MergeResult{}, err
	}
	// An event appearing in both ranges is shared history, not a
	// divergent change; keep the ours copy only.
	seen := make(map[string]bool, len(ours))
	for i := range ours {
		seen[ours[i].ID] = true
	}
	distinct := theirs[:0:0]
	for i := range theirs {
		if !seen[theirs[i].ID] {
			distinct = append(distinct, theirs[i])
		}
	}
	theirs = distinct
	res.Events = MergeEvents(ours, theirs, EventMergeOptions{
		Strategy:             opts.Strategy,
		AutoMergeCommutative: opts.AutoMergeCommutative,
	})
	if !res.Events.Success || opts.DryRun {
		return res, nil
	}

	state := oursCommit.State
	if theirsCommit.State.EventLog.Offset > state.EventLog.Offset {
		state.EventLog = theirsCommit.State.EventLog
	}
	commit, err := m.store.CreateCommit(ctx, state, CommitOptions{
		Message: fmt.Sprintf("Merge %s into %s", source, target),
		Author:  opts.Author,
		Parents: []string{targetHash, sourceHash},
	})
	if err != nil {
		return MergeResult{}, err
	}
	res.Commit = commit
	targetRef := target
	if !strings.HasPrefix(targetRef, "refs/") && targetRef != types.RefHEAD {
		targetRef = types.RefHeadsPrefix + targetRef
	}
	if err := m.refs.UpdateRef(ctx, targetRef, commit.Hash); err != nil {
		return MergeResult{}, err
	}
	debug.Logf("vcs: merged %s into %s at %s (%d ours, %d theirs, %d auto)",
		source, target, commit.Hash[:8], res.Events.Stats.FromOurs, res.Events.Stats.FromTheirs, len(res.Events.AutoMerged))
	return res, nil
}

// GC deletes commits unreachable from any ref. Returns the number
// removed.
func GC(ctx context.Context, store *CommitStore, refs *RefManager) (int, error) {
	branches, err := refs.ListBranches(ctx)
	if err != nil {
		return 0, err
	}
	tags, err := refs.ListTags(ctx)
	if err != nil {
		return 0, err
	}
	roots := make([]string, 0, len(branches)+len(tags)+1)
	for _, b := range branches {
		hash, err := refs.ResolveRef(ctx, types.RefHeadsPrefix+b)
		if err != nil {
			return 0, err
		}
		if hash != "" {
			roots = append(roots, hash)
		}
	}
	for _, tag := range tags {
		hash, err := refs.ResolveRef(ctx, types.RefTagsPrefix+tag)
		if err != nil {
			return 0, err
		}
		if hash != "" {
			roots = append(roots, hash)
		}
	}
	if head, err := refs.ResolveRef(ctx, types.RefHEAD); err == nil && head != "" {
		roots = append(roots, head)
	}

	reachable := make(map[string]bool)
	stack := roots
	for len(stack) > 0 {
		hash := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[hash] {
			continue
		}
		reachable[hash] = true
		c, err := store.LoadCommit(ctx, hash)
		if err != nil {
			return 0, err
		}
		stack = append(stack, c.Parents...)
	}

	all, err := store.ListCommits(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, hash := range all {
		if reachable[hash] {
			continue
		}
		if _, err := store.backend.Delete(ctx, store.commitPath(hash)); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		debug.Logf("vcs: gc removed %d unreachable commits", removed)
	}
	return removed, nil
}
