package uploader

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/alexjbarnes/dirsync/internal/remote"
	"github.com/spf13/afero"
)

// uploadFolder mirrors the contents of dir into parent. Files are queued
// on the upload pool first, then each subdirectory is created and walked
// in turn. When parent reaches the child limit, further children go into
// a chained overflow folder.
func (r *run) uploadFolder(ctx context.Context, dir string, parent *remote.Entity) {
	if parent == nil {
		r.fail("Parent not found, cannot upload folder: %s", dir)
		return
	}

	if ctx.Err() != nil {
		return
	}

	dirs, files, err := r.readDir(dir)
	if err != nil {
		r.fail("Could not read directory %s: %v", dir, err)
		return
	}

	current := parent
	count := 0

	for _, path := range files {
		current, count = r.nextSlot(ctx, dir, current, count)
		target := current

		r.group.Go(func() error {
			r.uploadFile(ctx, path, target)
			return nil
		})

		count++
	}

	for _, path := range dirs {
		if ctx.Err() != nil {
			return
		}

		current, count = r.nextSlot(ctx, dir, current, count)
		folder := r.createFolder(ctx, filepath.Base(path), path, current)
		r.uploadFolder(ctx, path, folder)

		count++
	}
}

// nextSlot returns the container for the next child. A container holding
// MaxDepth-1 children gets an overflow folder as its last child, and
// counting restarts inside it.
func (r *run) nextSlot(ctx context.Context, dir string, current *remote.Entity, count int) (*remote.Entity, int) {
	if count+1 < r.opts.MaxDepth {
		return current, count
	}

	return r.createFolder(ctx, OverflowFolderName, filepath.Join(dir, OverflowFolderName), current), 0
}

// readDir splits the entries of dir into subdirectories and files, each
// in name order. Symlinks are listed as files and never descended into.
// Ignored entries are dropped.
func (r *run) readDir(dir string) (dirs, files []string, err error) {
	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return nil, nil, err
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if r.ignored(path, entry.IsDir()) {
			r.logger.Debug("ignoring", slog.String("path", path))
			continue
		}

		if entry.IsDir() {
			dirs = append(dirs, path)
		} else {
			files = append(files, path)
		}
	}

	return dirs, files, nil
}
