package vcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/storage"
	"github.com/parquedb/parquedb/internal/types"
)

// symbolicPrefix marks a ref file that points at another ref.
const symbolicPrefix = "ref: "

// maxRefHops bounds symbolic resolution so ref cycles terminate.
const maxRefHops = 8

// RefManager owns the ref namespace under _meta: branches, tags, and the
// symbolic HEAD. Updates to the same ref serialize on a per-ref lock;
// resolution results are cached until an update (or an external watcher
// event) invalidates them.
type RefManager struct {
	backend storage.Backend
	store   *CommitStore
	root    string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRefManager roots a manager at dir (conventionally "_meta"). store
// guards ref updates against dangling commit hashes.
func NewRefManager(backend storage.Backend, store *CommitStore, dir string) *RefManager {
	return &RefManager{
		backend: backend,
		store:   store,
		root:    dir,
		locks:   make(map[string]*sync.Mutex),
		cache:   make(map[string]string),
	}
}

func (m *RefManager) refPath(name string) string {
	return path.Join(m.root, name)
}

// qualify expands a short branch or tag name to its full ref name.
func (m *RefManager) qualify(ctx context.Context, name string) (string, error) {
	if name == types.RefHEAD || strings.HasPrefix(name, "refs/") {
		return name, nil
	}
	for _, full := range []string{types.RefHeadsPrefix + name, types.RefTagsPrefix + name} {
		ok, err := m.backend.Exists(ctx, m.refPath(full))
		if err != nil {
			return "", err
		}
		if ok {
			return full, nil
		}
	}
	// A new short name defaults to a branch.
	return types.RefHeadsPrefix + name, nil
}

func (m *RefManager) refLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// ResolveRef follows name to its terminal commit hash. Missing refs
// resolve to "" without error.
func (m *RefManager) ResolveRef(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	if hash, ok := m.cache[name]; ok {
		m.mu.Unlock()
		return hash, nil
	}
	m.mu.Unlock()

	hash, err := m.resolve(ctx, name, 0)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.cache[name] = hash
	m.mu.Unlock()
	return hash, nil
}

func (m *RefManager) resolve(ctx context.Context, name string, hops int) (string, error) {
	if hops >= maxRefHops {
		return "", fmt.Errorf("%w: ref chain from %q exceeds %d hops", types.ErrInvariant, name, maxRefHops)
	}
	full, err := m.qualify(ctx, name)
	if err != nil {
		return "", err
	}
	raw, err := m.backend.Read(ctx, m.refPath(full))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			if full == types.RefHEAD {
				// No HEAD file means attached to main.
				return m.resolve(ctx, types.RefHeadsPrefix+"main", hops+1)
			}
			return "", nil
		}
		return "", err
	}
	content := strings.TrimSpace(string(raw))
	if target, ok := strings.CutPrefix(content, symbolicPrefix); ok {
		return m.resolve(ctx, strings.TrimSpace(target), hops+1)
	}
	return content, nil
}

// UpdateRef points name at hash. HEAD cannot be updated directly; the
// commit must exist.
func (m *RefManager) UpdateRef(ctx context.Context, name, hash string) error {
	if name == types.RefHEAD {
		return fmt.Errorf("%w: HEAD is symbolic; use SetHead or DetachHead", types.ErrInvariant)
	}
	if _, err := m.store.LoadCommit(ctx, hash); err != nil {
		return err
	}
	full, err := m.qualify(ctx, name)
	if err != nil {
		return err
	}
	lock := m.refLock(full)
	lock.Lock()
	defer lock.Unlock()
	if err := m.backend.Write(ctx, m.refPath(full), []byte(hash+"\n")); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

// DeleteRef removes a branch or tag. Deleting HEAD is rejected; deleting
// a missing ref is a no-op.
func (m *RefManager) DeleteRef(ctx context.Context, name string) error {
	if name == types.RefHEAD {
		return fmt.Errorf("%w: cannot delete HEAD", types.ErrInvariant)
	}
	full, err := m.qualify(ctx, name)
	if err != nil {
		return err
	}
	lock := m.refLock(full)
	lock.Lock()
	defer lock.Unlock()
	if _, err := m.backend.Delete(ctx, m.refPath(full)); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

// GetHead reports where HEAD points. A database without a HEAD file is on
// branch main.
func (m *RefManager) GetHead(ctx context.Context) (types.Head, error) {
	raw, err := m.backend.Read(ctx, m.refPath(types.RefHEAD))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.Head{Type: "branch", Ref: "main"}, nil
		}
		return types.Head{}, err
	}
	content := strings.TrimSpace(string(raw))
	if target, ok := strings.CutPrefix(content, symbolicPrefix); ok {
		branch := strings.TrimPrefix(strings.TrimSpace(target), types.RefHeadsPrefix)
		return types.Head{Type: "branch", Ref: branch}, nil
	}
	return types.Head{Type: "detached", Ref: content}, nil
}

// SetHead attaches HEAD to a branch.
func (m *RefManager) SetHead(ctx context.Context, branch string) error {
	lock := m.refLock(types.RefHEAD)
	lock.Lock()
	defer lock.Unlock()
	content := symbolicPrefix + types.RefHeadsPrefix + branch + "\n"
	if err := m.backend.Write(ctx, m.refPath(types.RefHEAD), []byte(content)); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

// DetachHead points HEAD at a raw commit.
func (m *RefManager) DetachHead(ctx context.Context, hash string) error {
	if _, err := m.store.LoadCommit(ctx, hash); err != nil {
		return err
	}
	lock := m.refLock(types.RefHEAD)
	lock.Lock()
	defer lock.Unlock()
	if err := m.backend.Write(ctx, m.refPath(types.RefHEAD), []byte(hash+"\n")); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

// ListBranches returns branch names under refs/heads.
func (m *RefManager) ListBranches(ctx context.Context) ([]string, error) {
	return m.listRefs(ctx, types.RefHeadsPrefix)
}

// ListTags returns tag names under refs/tags.
func (m *RefManager) ListTags(ctx context.Context) ([]string, error) {
	return m.listRefs(ctx, types.RefTagsPrefix)
}

func (m *RefManager) listRefs(ctx context.Context, refPrefix string) ([]string, error) {
	// path.Join strips the trailing slash, so trim it off names too.
	prefix := m.refPath(refPrefix)
	paths, err := m.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, strings.TrimPrefix(strings.TrimPrefix(p, prefix), "/"))
	}
	return out, nil
}

func (m *RefManager) invalidate() {
	m.mu.Lock()
	m.cache = make(map[string]string)
	m.mu.Unlock()
}

// WatchLocal invalidates the resolver cache when another process moves a
// ref under dir (the on-disk _meta directory). Only meaningful for local
// backends.
func (m *RefManager) WatchLocal(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, sub := range []string{dir, path.Join(dir, "refs", "heads"), path.Join(dir, "refs", "tags")} {
		if err := w.Add(sub); err != nil {
			debug.Logf("vcs: watch %s: %v", sub, err)
		}
	}
	m.watcher = w
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					debug.Logf("vcs: ref change detected: %s", ev.Name)
					m.invalidate()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				debug.Logf("vcs: ref watcher: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the ref watcher if one is running.
func (m *RefManager) Close() error {
	if m.watcher == nil {
		return nil
	}
	err := m.watcher.Close()
	<-m.done
	m.watcher = nil
	return err
}
