package uploader

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/alexjbarnes/dirsync/internal/remote"
)

// createFolder creates (or finds) the folder name under parent and
// caches it. It returns nil after recording a failure.
func (r *run) createFolder(ctx context.Context, name, localPath string, parent *remote.Entity) *remote.Entity {
	source := localPath
	if source == "" {
		source = name
	}

	if parent == nil {
		r.fail("Parent not found, cannot create folder: %s", source)
		return nil
	}

	display := r.parents.DisplayPath(name, parent)
	op := operation{kind: "Folder", local: source, remote: display}

	folder, err := withRetry(ctx, r.retry, op, func(ctx context.Context) (*remote.Entity, error) {
		return r.client.Store(ctx, remote.NewFolder(name, parent), r.opts.ForceUpload)
	})
	if err != nil {
		r.fail("[Folder FAILED] %s -> %s: %v", source, display, err)
		return nil
	}

	r.logger.Info(fmt.Sprintf("[Folder] %s -> %s", source, display))
	r.parents.Set(folder)

	return folder
}

// uploadFile stores path under parent unless the remote copy already
// has the same size and checksum.
func (r *run) uploadFile(ctx context.Context, path string, parent *remote.Entity) {
	if parent == nil {
		r.fail("Parent not found, cannot upload file: %s", path)
		return
	}

	info, err := r.fs.Stat(path)
	if err != nil {
		r.fail("[File FAILED] %s: %v", path, err)
		return
	}

	if !info.Mode().IsRegular() {
		r.fail("[File FAILED] %s: not a regular file", path)
		return
	}

	if info.Size() < 1 {
		r.logger.Info("Skipping empty file: " + path)
		return
	}

	local := &localFile{fs: r.fs, path: path, name: filepath.Base(path), size: info.Size()}
	display := r.parents.DisplayPath(local.name, parent)
	op := operation{kind: "File", local: path, remote: display}

	var skipped bool

	_, err = withRetry(ctx, r.retry, op, func(ctx context.Context) (*remote.Entity, error) {
		skipped = false

		existing, err := r.findByLocalName(ctx, parent.ID, local.name)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			return r.client.Store(ctx, remote.NewFile(path, local.name, parent), r.opts.ForceUpload)
		}

		if r.opts.ForceUpload {
			if err := r.client.Cache().Remove(ctx, existing); err != nil {
				return nil, fmt.Errorf("evicting cached copy of %s: %w", existing.ID, err)
			}
		} else {
			current, err := isCurrent(existing, local)
			if err != nil {
				return nil, err
			}

			if current {
				skipped = true
				return existing, nil
			}
		}

		update := existing.Clone()
		update.Path = path

		return r.client.Store(ctx, update, r.opts.ForceUpload)
	})
	if err != nil {
		r.fail("[File FAILED] %s -> %s: %v", path, display, err)
		return
	}

	if skipped {
		r.logger.Info(fmt.Sprintf("[File SKIPPED] %s -> %s (unchanged)", path, display))
		return
	}

	r.logger.Info(fmt.Sprintf("[File] %s -> %s", path, display))
}

// isCurrent reports whether the remote file already holds the local
// content. Size is compared first so unchanged-size files are the only
// ones hashed.
func isCurrent(existing *remote.Entity, local *localFile) (bool, error) {
	if existing.File == nil || existing.File.ContentSize != local.size {
		return false, nil
	}

	sum, err := local.MD5()
	if err != nil {
		return false, err
	}

	return existing.File.ContentMD5 == sum, nil
}
