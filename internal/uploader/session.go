// Package uploader mirrors a local directory tree into a remote
// hierarchical store. Folders are created on the walking goroutine in
// depth-first order; file uploads run on a bounded pool. Failures are
// collected in a Result rather than aborting the run.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/dirsync/internal/remote"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Session uploads one local path to one remote entity. Execute may be
// called repeatedly but not concurrently.
type Session struct {
	client remote.Client
	fs     afero.Fs
	logger *slog.Logger
	opts   Options
	retry  *retrier
	now    func() time.Time
}

// New builds a session. Zero-valued options take their defaults; the
// local path is expanded and the remote path normalized here.
func New(client remote.Client, fsys afero.Fs, logger *slog.Logger, opts Options) *Session {
	opts = opts.withDefaults()

	return &Session{
		client: client,
		fs:     fsys,
		logger: logger,
		opts:   opts,
		retry:  newRetrier(opts.MaxAttempts, opts.RetryUnit, logger),
		now:    time.Now,
	}
}

// Options returns the effective options.
func (s *Session) Options() Options {
	return s.opts
}

// run is the state of a single Execute call.
type run struct {
	*Session

	result   *Result
	parents  *parentCache
	children *childrenCache
	ignored  ignoreFunc
	group    *errgroup.Group
}

// Execute performs the upload and returns its outcome. Every failure,
// including invalid options, is reported through the Result.
func (s *Session) Execute(ctx context.Context) *Result {
	result := newResult(s.now())

	defer func() {
		result.finish(s.now())
		s.logFinished(result)
	}()

	if err := s.opts.validateDepth(); err != nil {
		s.logger.Error(result.addErrorf("%v", err))
		return result
	}

	if s.opts.ForceUpload {
		s.logger.Info("Forcing upload. Cached copies will be removed and all file versions incremented.")
	}

	children, err := newChildrenCache(s.client, childrenCacheSize())
	if err != nil {
		s.logger.Error(result.addErrorf("%v", err))
		return result
	}

	r := &run{
		Session:  s,
		result:   result,
		parents:  newParentCache(),
		children: children,
		ignored:  acceptAll,
	}

	r.execute(ctx)

	if err := ctx.Err(); err != nil {
		r.fail("Sync interrupted: %v", err)
	}

	return result
}

func (r *run) execute(ctx context.Context) {
	local := r.opts.LocalPath

	info, err := r.fs.Stat(local)
	if err != nil || (!info.IsDir() && !info.Mode().IsRegular()) {
		r.fail("Local entity must be a directory or file: %s", local)
		return
	}

	localIsFile := !info.IsDir()

	entity, err := r.client.Get(ctx, r.opts.EntityID)
	if err != nil {
		r.fail("Could not fetch remote entity %s: %v", r.opts.EntityID, err)
		return
	}

	switch {
	case entity.Kind == remote.KindFile:
		r.uploadToFile(ctx, entity, localIsFile)
		return
	case entity.Kind.IsContainer():
	default:
		r.fail("Remote entity must be a project, folder or file: %s is a %s", entity.ID, entity.Kind)
		return
	}

	r.logger.Info(fmt.Sprintf("Uploading to %s: %s (%s)", entity.Kind, entity.Name, entity.ID))
	r.parents.Set(entity)

	parent := entity
	for _, seg := range remoteSegments(r.opts.RemotePath) {
		parent = r.createFolder(ctx, seg, "", parent)
		if parent == nil {
			return
		}
	}

	if localIsFile {
		r.logger.Info("Uploading File: " + local)
		r.uploadFile(ctx, local, parent)

		return
	}

	r.logger.Info("Uploading Directory: " + local)

	ignored, err := prepareIgnorer(r.fs, local)
	if err != nil {
		r.fail("%v", err)
		return
	}

	r.ignored = ignored

	r.group = &errgroup.Group{}
	r.group.SetLimit(r.opts.MaxThreads)

	r.uploadFolder(ctx, local, parent)

	_ = r.group.Wait()
}

// uploadToFile handles a remote file target: the local path must be a
// file with the same name, and it replaces the remote content in place.
func (r *run) uploadToFile(ctx context.Context, entity *remote.Entity, localIsFile bool) {
	local := r.opts.LocalPath

	if !localIsFile {
		r.fail("Local entity must be a file when remote entity is a file: %s", local)
		return
	}

	if r.opts.RemotePath != "" {
		r.fail("Cannot specify a remote path when remote entity is a file: %s", r.opts.RemotePath)
		return
	}

	if filepath.Base(local) != entity.FileName() {
		r.fail("Local filename: %s does not match remote file name: %s", filepath.Base(local), entity.FileName())
		return
	}

	r.logger.Info(fmt.Sprintf("Uploading to %s: %s (%s)", entity.Kind, entity.Name, entity.ID))
	r.logger.Info("Uploading File: " + local)

	parent, err := r.client.Get(ctx, entity.ParentID)
	if err != nil {
		r.fail("Could not fetch parent %s of %s: %v", entity.ParentID, entity.ID, err)
		return
	}

	r.parents.Set(parent)
	r.uploadFile(ctx, local, parent)
}

// fail records a failure and logs it.
func (r *run) fail(format string, args ...any) {
	r.logger.Error(r.result.addErrorf(format, args...))
}

func (s *Session) logFinished(result *Result) {
	if result.Success() {
		s.logger.Info("Finished successfully.")
	} else {
		s.logger.Error("Finished with errors. Please see log file.", slog.Int("errors", len(result.Errors)))
	}

	s.logger.Info("Run time: " + result.Duration().Round(time.Millisecond).String())
}
