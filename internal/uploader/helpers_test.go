package uploader

import (
	"context"
	"crypto/md5" //nolint:gosec // test digests
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/dirsync/internal/remote"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // test digests
	return hex.EncodeToString(sum[:])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTree creates files under root. Keys are slash paths, values the
// content.
func writeTree(t *testing.T, fsys afero.Fs, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		require.NoError(t, afero.WriteFile(fsys, filepath.Join(root, filepath.FromSlash(rel)), []byte(content), 0o644))
	}
}

// newTestSession returns a session whose retries never sleep. The
// returned func reports the waits that would have been slept.
func newTestSession(client remote.Client, fsys afero.Fs, opts Options) (*Session, func() []time.Duration) {
	s := New(client, fsys, discardLogger(), opts)

	var (
		mu    sync.Mutex
		waits []time.Duration
	)

	s.retry.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()

		return ctx.Err()
	}

	return s, func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()

		return append([]time.Duration{}, waits...)
	}
}
