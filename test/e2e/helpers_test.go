package e2e_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alexjbarnes/dirsync/internal/remote"
	"github.com/alexjbarnes/dirsync/internal/remote/boltstore"
	"github.com/alexjbarnes/dirsync/internal/remote/contentcache"
	"github.com/alexjbarnes/dirsync/internal/uploader"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// harness holds a real bolt-backed remote store and a local tree on disk.
type harness struct {
	Store    *boltstore.Store
	Project  *remote.Entity
	LocalDir string
	Fs       afero.Fs
	logger   *slog.Logger
}

// newHarness opens a fresh store in a temp dir and creates one project
// to sync into.
func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	fsys := afero.NewOsFs()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cache, err := contentcache.Open(filepath.Join(dir, "cache"), fsys)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	store, err := boltstore.Open(filepath.Join(dir, "remote", "remote.db"), fsys, cache, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	project, err := store.CreateProject(context.Background(), "e2e")
	require.NoError(t, err)

	local := filepath.Join(dir, "local")
	require.NoError(t, os.MkdirAll(local, 0o755))

	return &harness{
		Store:    store,
		Project:  project,
		LocalDir: local,
		Fs:       fsys,
		logger:   logger,
	}
}

// write creates a file under the local tree, making parent dirs.
func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(h.LocalDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// sync runs one session. Zero option fields take the session defaults.
func (h *harness) sync(t *testing.T, opts uploader.Options) *uploader.Result {
	t.Helper()

	if opts.EntityID == "" {
		opts.EntityID = h.Project.ID
	}

	if opts.LocalPath == "" {
		opts.LocalPath = h.LocalDir
	}

	opts.RetryUnit = time.Millisecond

	return uploader.New(h.Store, h.Fs, h.logger, opts).Execute(context.Background())
}

// children lists a container's children as name -> entity.
func (h *harness) children(t *testing.T, parentID string) map[string]*remote.Entity {
	t.Helper()

	list, err := h.Store.GetChildren(context.Background(), parentID)
	require.NoError(t, err)

	out := make(map[string]*remote.Entity, len(list))

	for _, c := range list {
		e, err := h.Store.Get(context.Background(), c.ID)
		require.NoError(t, err)
		out[c.Name] = e
	}

	return out
}

// names returns the sorted child names of a container, folders suffixed
// with "/".
func (h *harness) names(t *testing.T, parentID string) []string {
	t.Helper()

	var out []string

	for name, e := range h.children(t, parentID) {
		if e.Kind.IsContainer() {
			name += "/"
		}

		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// child returns the named child of parentID, failing the test if absent.
func (h *harness) child(t *testing.T, parentID, name string) *remote.Entity {
	t.Helper()

	e, ok := h.children(t, parentID)[name]
	require.True(t, ok, "missing remote child %q under %s", name, parentID)

	return e
}
