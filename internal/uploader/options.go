package uploader

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/dirsync/internal/errors"
)

const (
	// MinDepth and MaxDepth bound the per-container child limit.
	MinDepth = 2
	MaxDepth = 10000

	// DefaultMaxAttempts is how many times a remote operation is tried.
	DefaultMaxAttempts = 5

	// DefaultRetryUnit scales the random 1..5 backoff between attempts.
	DefaultRetryUnit = time.Second

	// OverflowFolderName names the containers created when a level fills up.
	OverflowFolderName = "more"

	// IgnoreFileName is read from the local root, in gitignore syntax.
	IgnoreFileName = ".dirsyncignore"

	maxDefaultThreads = 32
)

// Options configures a sync session.
type Options struct {
	// EntityID is the remote project, folder or file to upload into.
	EntityID string
	// LocalPath is the directory or file to upload.
	LocalPath string
	// RemotePath is an optional folder path created under EntityID.
	RemotePath string
	// MaxDepth is the maximum number of children per remote container,
	// counting the overflow folder. It must lie in [MinDepth, MaxDepth];
	// zero is rejected like any other out-of-range value.
	MaxDepth int
	// MaxThreads bounds concurrent file uploads. Zero means DefaultThreads.
	MaxThreads int
	// ForceUpload bypasses change detection and bumps versions.
	ForceUpload bool

	// MaxAttempts and RetryUnit tune the retry policy. Zero values use
	// DefaultMaxAttempts and DefaultRetryUnit.
	MaxAttempts int
	RetryUnit   time.Duration
}

// DefaultThreads mirrors the usual I/O-bound pool size: CPUs + 4, at most 32.
func DefaultThreads() int {
	return min(maxDefaultThreads, runtime.NumCPU()+4)
}

// childrenCacheSize bounds the number of parent listings kept in memory.
func childrenCacheSize() int {
	return 5 * runtime.NumCPU()
}

func (o Options) withDefaults() Options {
	if o.MaxThreads <= 0 {
		o.MaxThreads = DefaultThreads()
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	if o.RetryUnit <= 0 {
		o.RetryUnit = DefaultRetryUnit
	}

	o.LocalPath = ExpandPath(o.LocalPath)
	o.RemotePath = NormalizeRemotePath(o.RemotePath)

	return o
}

func (o Options) validateDepth() error {
	if o.MaxDepth < MinDepth || o.MaxDepth > MaxDepth {
		return fmt.Errorf("%w: max depth must be between %d and %d, got %d",
			apperrors.ErrValidation, MinDepth, MaxDepth, o.MaxDepth)
	}

	return nil
}

// ExpandPath expands environment variables and a leading ~ and returns
// an absolute, cleaned path. Empty input stays empty.
func ExpandPath(p string) string {
	if p == "" {
		return ""
	}

	p = os.ExpandEnv(p)

	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}

	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}

	return filepath.Clean(p)
}

// NormalizeRemotePath strips spaces and surrounding separators. The
// result is "" when nothing remains.
func NormalizeRemotePath(p string) string {
	p = strings.ReplaceAll(p, " ", "")
	p = strings.Trim(p, `/\`)

	return p
}

// remoteSegments splits a normalized remote path into folder names.
func remoteSegments(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
}
