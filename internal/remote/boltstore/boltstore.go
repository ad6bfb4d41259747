// Package boltstore implements remote.Client on a local bbolt database.
// Entity metadata lives in bbolt; file content is written to a
// content-addressed blob directory next to the database.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	apperrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/remote"
	"github.com/alexjbarnes/dirsync/internal/remote/contentcache"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

const (
	storeDirPerm  = fs.FileMode(0o700)
	storeFilePerm = fs.FileMode(0o600)
	blobFilePerm  = fs.FileMode(0o600)

	openTimeout = 5 * time.Second

	idPrefix = "syn"
)

var (
	entitiesBucket = []byte("entities")
	childrenBucket = []byte("children")
)

// Store is a remote.Client backed by bbolt.
type Store struct {
	db      *bolt.DB
	fs      afero.Fs
	blobDir string
	cache   *contentcache.Cache
	logger  *slog.Logger
}

var _ remote.Client = (*Store)(nil)

// Open opens the store database at path, creating it if needed. Local
// content is read, and blobs are written, through fsys.
func Open(path string, fsys afero.Fs, cache *contentcache.Cache, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entitiesBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(childrenBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{
		db:      db,
		fs:      fsys,
		blobDir: filepath.Join(filepath.Dir(path), "blobs"),
		cache:   cache,
		logger:  logger,
	}, nil
}

// Close closes the database. The content cache is owned by the caller.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cache returns the local content cache.
func (s *Store) Cache() remote.Cache {
	return s.cache
}

// BlobPath returns where content with the given digest is stored.
func (s *Store) BlobPath(md5 string) string {
	return filepath.Join(s.blobDir, md5)
}

// CreateProject creates a new root project.
func (s *Store) CreateProject(ctx context.Context, name string) (*remote.Entity, error) {
	return s.Store(ctx, &remote.Entity{Kind: remote.KindProject, Name: name}, false)
}

// Get fetches entity metadata.
func (s *Store) Get(ctx context.Context, id string) (*remote.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var e *remote.Entity

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = loadEntity(tx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return e, nil
}

// GetChildren lists the direct children of parentID ordered by name.
func (s *Store) GetChildren(ctx context.Context, parentID string, kinds ...remote.Kind) ([]remote.Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []remote.Child

	err := s.db.View(func(tx *bolt.Tx) error {
		entities := tx.Bucket(entitiesBucket)
		if entities.Get([]byte(parentID)) == nil {
			return fmt.Errorf("%w: %s", apperrors.ErrNotFound, parentID)
		}

		b := tx.Bucket(childrenBucket).Bucket([]byte(parentID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, id []byte) error {
			v := entities.Get(id)
			if v == nil {
				return nil
			}

			kind := remote.ParseKind(gjson.GetBytes(v, "kind").String())
			if len(kinds) > 0 && !slices.Contains(kinds, kind) {
				return nil
			}

			out = append(out, remote.Child{
				ID:   string(id),
				Name: gjson.GetBytes(v, "name").String(),
				Kind: kind,
			})

			return nil
		})
	})

	return out, err
}

// Store creates or updates e.
func (s *Store) Store(ctx context.Context, e *remote.Entity, forceVersion bool) (*remote.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if e == nil {
		return nil, fmt.Errorf("%w: nil entity", apperrors.ErrValidation)
	}

	if e.Name == "" && e.Kind != remote.KindFile {
		return nil, fmt.Errorf("%w: entity name is required", apperrors.ErrValidation)
	}

	switch e.Kind {
	case remote.KindProject, remote.KindFolder:
		return s.storeContainer(e)
	case remote.KindFile:
		return s.storeFile(e, forceVersion)
	default:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidKind, e.Kind)
	}
}

func (s *Store) storeContainer(e *remote.Entity) (*remote.Entity, error) {
	var out *remote.Entity

	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := resolve(tx, e)
		if err != nil {
			return err
		}

		if existing != nil {
			// An unsaved folder matching an existing sibling is the same folder.
			if e.ID == "" {
				out = existing
				return nil
			}

			existing.Name = e.Name
			mergeAnnotations(existing, e.Annotations)
			out = existing

			return putEntity(tx, existing)
		}

		created := e.Clone()
		created.Version = 1
		created.Path = ""
		if created.Kind == remote.KindProject {
			created.ParentID = ""
		}

		if err := create(tx, created); err != nil {
			return err
		}

		out = created

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Store) storeFile(e *remote.Entity, forceVersion bool) (*remote.Entity, error) {
	if e.Path == "" {
		return nil, fmt.Errorf("%w: file entity %q has no local path", apperrors.ErrValidation, e.Name)
	}

	name := e.Name
	if name == "" {
		name = filepath.Base(e.Path)
	}

	// Resolve once without the write lock so the cache lookup can use the
	// existing entity id; hashing happens outside the update transaction.
	var knownID string

	err := s.db.View(func(tx *bolt.Tx) error {
		existing, err := resolve(tx, &remote.Entity{ID: e.ID, Kind: e.Kind, Name: name, ParentID: e.ParentID})
		if existing != nil {
			knownID = existing.ID
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	content, err := s.cache.Checksum(knownID, e.Path)
	if err != nil {
		return nil, err
	}

	if err := s.writeBlob(e.Path, content.MD5); err != nil {
		return nil, err
	}

	handle := &remote.FileHandle{
		FileName:    filepath.Base(e.Path),
		ContentSize: content.Size,
		ContentMD5:  content.MD5,
	}

	var out *remote.Entity

	err = s.db.Update(func(tx *bolt.Tx) error {
		existing, err := resolve(tx, &remote.Entity{ID: e.ID, Kind: e.Kind, Name: name, ParentID: e.ParentID})
		if err != nil {
			return err
		}

		if existing == nil {
			created := e.Clone()
			created.Name = name
			created.Version = 1
			created.File = handle
			created.Path = ""

			if err := create(tx, created); err != nil {
				return err
			}

			out = created

			return nil
		}

		changed := existing.File == nil || existing.File.ContentMD5 != handle.ContentMD5
		if changed || forceVersion {
			existing.Version++
		}

		existing.Name = name
		existing.File = handle
		mergeAnnotations(existing, e.Annotations)
		out = existing

		return putEntity(tx, existing)
	})
	if err != nil {
		return nil, err
	}

	content.EntityID = out.ID
	if err := s.cache.Put(content); err != nil {
		s.logger.Warn("updating content cache", slog.String("entity", out.ID), slog.String("error", err.Error()))
	}

	out.Path = e.Path

	return out, nil
}

func (s *Store) writeBlob(src, md5 string) error {
	dst := s.BlobPath(md5)
	if ok, _ := afero.Exists(s.fs, dst); ok {
		return nil
	}

	s.logger.Debug("uploading content to storage", slog.String("path", src), slog.String("md5", md5))

	if err := s.fs.MkdirAll(s.blobDir, storeDirPerm); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}

	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	out, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, blobFilePerm)
	if err != nil {
		return fmt.Errorf("creating blob: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = s.fs.Remove(tmp)

		return fmt.Errorf("writing blob: %w", err)
	}

	if err := out.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("closing blob: %w", err)
	}

	return s.fs.Rename(tmp, dst)
}

// resolve finds the stored entity e refers to: by id when set, otherwise
// by name among the children of e.ParentID. It returns nil when e is new.
func resolve(tx *bolt.Tx, e *remote.Entity) (*remote.Entity, error) {
	if e.ID != "" {
		existing, err := loadEntity(tx, e.ID)
		if err != nil {
			return nil, err
		}

		if existing.Kind != e.Kind {
			return nil, fmt.Errorf("%w: %s is a %s, not a %s", apperrors.ErrInvalidKind, e.ID, existing.Kind, e.Kind)
		}

		return existing, nil
	}

	if e.Kind == remote.KindProject {
		return nil, nil
	}

	parent, err := loadEntity(tx, e.ParentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrMissingParent, e.ParentID)
		}

		return nil, err
	}

	if !parent.Kind.IsContainer() {
		return nil, fmt.Errorf("%w: parent %s is a %s", apperrors.ErrInvalidKind, parent.ID, parent.Kind)
	}

	b := tx.Bucket(childrenBucket).Bucket([]byte(e.ParentID))
	if b == nil {
		return nil, nil
	}

	id := b.Get([]byte(e.Name))
	if id == nil {
		return nil, nil
	}

	existing, err := loadEntity(tx, string(id))
	if err != nil {
		return nil, err
	}

	if existing.Kind != e.Kind {
		return nil, fmt.Errorf("%w: %q is a %s", apperrors.ErrNameConflict, e.Name, existing.Kind)
	}

	return existing, nil
}

func create(tx *bolt.Tx, e *remote.Entity) error {
	seq, err := tx.Bucket(entitiesBucket).NextSequence()
	if err != nil {
		return err
	}

	e.ID = idPrefix + strconv.FormatUint(seq, 10)

	if e.ParentID != "" {
		b, err := tx.Bucket(childrenBucket).CreateBucketIfNotExists([]byte(e.ParentID))
		if err != nil {
			return err
		}

		if err := b.Put([]byte(e.Name), []byte(e.ID)); err != nil {
			return err
		}
	}

	return putEntity(tx, e)
}

func loadEntity(tx *bolt.Tx, id string) (*remote.Entity, error) {
	v := tx.Bucket(entitiesBucket).Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, id)
	}

	e := &remote.Entity{}
	if err := json.Unmarshal(v, e); err != nil {
		return nil, fmt.Errorf("decoding entity %s: %w", id, err)
	}

	return e, nil
}

// putEntity writes e and keeps the parent's name index in step with a
// rename.
func putEntity(tx *bolt.Tx, e *remote.Entity) error {
	entities := tx.Bucket(entitiesBucket)

	if prev := entities.Get([]byte(e.ID)); prev != nil && e.ParentID != "" {
		oldName := gjson.GetBytes(prev, "name").String()
		if oldName != e.Name {
			b, err := tx.Bucket(childrenBucket).CreateBucketIfNotExists([]byte(e.ParentID))
			if err != nil {
				return err
			}

			if id := b.Get([]byte(e.Name)); id != nil && string(id) != e.ID {
				return fmt.Errorf("%w: %q", apperrors.ErrNameConflict, e.Name)
			}

			if err := b.Delete([]byte(oldName)); err != nil {
				return err
			}

			if err := b.Put([]byte(e.Name), []byte(e.ID)); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return entities.Put([]byte(e.ID), data)
}

func mergeAnnotations(dst *remote.Entity, src map[string]string) {
	if len(src) == 0 {
		return
	}

	if dst.Annotations == nil {
		dst.Annotations = make(map[string]string, len(src))
	}

	for k, v := range src {
		dst.Annotations[k] = v
	}
}
