// Package s3store implements remote.Client on an S3 bucket.
//
// Object layout under the configured prefix:
//
//	entities/<id>.json              entity metadata
//	children/<parentID>/<name>      name index entry, a JSON remote.Child
//	blobs/<md5>                     file content
//
// Index entries are written with If-None-Match so that two concurrent
// creates of the same name resolve to one entity.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"slices"
	"strings"

	apperrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/remote"
	"github.com/alexjbarnes/dirsync/internal/remote/contentcache"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
)

const idPrefix = "syn"

// errIndexTaken reports that another writer claimed a name first.
var errIndexTaken = errors.New("index entry already exists")

// Store is a remote.Client backed by S3.
type Store struct {
	api    API
	bucket string
	prefix string
	fs     afero.Fs
	cache  *contentcache.Cache
	logger *slog.Logger
}

var _ remote.Client = (*Store)(nil)

// New returns a store writing under prefix in bucket.
func New(api API, bucket, prefix string, fsys afero.Fs, cache *contentcache.Cache, logger *slog.Logger) *Store {
	return &Store{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		fs:     fsys,
		cache:  cache,
		logger: logger,
	}
}

// Cache returns the local content cache.
func (s *Store) Cache() remote.Cache {
	return s.cache
}

// CreateProject creates a new root project.
func (s *Store) CreateProject(ctx context.Context, name string) (*remote.Entity, error) {
	return s.Store(ctx, &remote.Entity{Kind: remote.KindProject, Name: name}, false)
}

// Get fetches entity metadata.
func (s *Store) Get(ctx context.Context, id string) (*remote.Entity, error) {
	data, err := s.getObject(ctx, s.entityKey(id))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, id)
		}

		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}

	e := &remote.Entity{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decoding entity %s: %w", id, err)
	}

	return e, nil
}

// GetChildren lists the direct children of parentID ordered by name.
func (s *Store) GetChildren(ctx context.Context, parentID string, kinds ...remote.Kind) ([]remote.Child, error) {
	if _, err := s.Get(ctx, parentID); err != nil {
		return nil, err
	}

	prefix := s.childrenPrefix(parentID)
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var out []remote.Child

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", parentID, err)
		}

		for _, obj := range page.Contents {
			data, err := s.getObject(ctx, aws.ToString(obj.Key))
			if err != nil {
				if isNotFound(err) {
					continue
				}

				return nil, fmt.Errorf("read index %s: %w", aws.ToString(obj.Key), err)
			}

			kind := remote.ParseKind(gjson.GetBytes(data, "kind").String())
			if len(kinds) > 0 && !slices.Contains(kinds, kind) {
				continue
			}

			out = append(out, remote.Child{
				ID:   gjson.GetBytes(data, "id").String(),
				Name: gjson.GetBytes(data, "name").String(),
				Kind: kind,
			})
		}
	}

	slices.SortFunc(out, func(a, b remote.Child) int { return strings.Compare(a.Name, b.Name) })

	return out, nil
}

// Store creates or updates e.
func (s *Store) Store(ctx context.Context, e *remote.Entity, forceVersion bool) (*remote.Entity, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil entity", apperrors.ErrValidation)
	}

	if e.Name == "" && e.Kind != remote.KindFile {
		return nil, fmt.Errorf("%w: entity name is required", apperrors.ErrValidation)
	}

	switch e.Kind {
	case remote.KindProject, remote.KindFolder:
		return s.storeContainer(ctx, e)
	case remote.KindFile:
		return s.storeFile(ctx, e, forceVersion)
	default:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidKind, e.Kind)
	}
}

func (s *Store) storeContainer(ctx context.Context, e *remote.Entity) (*remote.Entity, error) {
	existing, err := s.resolve(ctx, e)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if e.ID == "" {
			return existing, nil
		}

		prevName := existing.Name
		existing.Name = e.Name
		mergeAnnotations(existing, e.Annotations)

		if err := s.putEntity(ctx, existing, prevName); err != nil {
			return nil, err
		}

		return existing, nil
	}

	created := e.Clone()
	created.Version = 1
	created.Path = ""
	if created.Kind == remote.KindProject {
		created.ParentID = ""
	}

	err = s.create(ctx, created)
	if errors.Is(err, errIndexTaken) {
		// Lost a race with a concurrent create of the same folder.
		return s.resolve(ctx, e)
	}

	if err != nil {
		return nil, err
	}

	return created, nil
}

func (s *Store) storeFile(ctx context.Context, e *remote.Entity, forceVersion bool) (*remote.Entity, error) {
	if e.Path == "" {
		return nil, fmt.Errorf("%w: file entity %q has no local path", apperrors.ErrValidation, e.Name)
	}

	name := e.Name
	if name == "" {
		name = filepath.Base(e.Path)
	}

	target := &remote.Entity{ID: e.ID, Kind: e.Kind, Name: name, ParentID: e.ParentID}

	existing, err := s.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	var knownID string
	if existing != nil {
		knownID = existing.ID
	}

	content, err := s.cache.Checksum(knownID, e.Path)
	if err != nil {
		return nil, err
	}

	if existing == nil || existing.File == nil || existing.File.ContentMD5 != content.MD5 || forceVersion {
		if err := s.putBlob(ctx, e.Path, content); err != nil {
			return nil, err
		}
	}

	handle := &remote.FileHandle{
		FileName:    filepath.Base(e.Path),
		ContentSize: content.Size,
		ContentMD5:  content.MD5,
	}

	var out *remote.Entity

	if existing == nil {
		created := e.Clone()
		created.Name = name
		created.Version = 1
		created.File = handle
		created.Path = ""

		err = s.create(ctx, created)
		if errors.Is(err, errIndexTaken) {
			existing, err = s.resolve(ctx, target)
		} else if err == nil {
			out = created
		}

		if err != nil {
			return nil, err
		}
	}

	if out == nil {
		changed := existing.File == nil || existing.File.ContentMD5 != handle.ContentMD5
		if changed || forceVersion {
			existing.Version++
		}

		prevName := existing.Name
		existing.Name = name
		existing.File = handle
		mergeAnnotations(existing, e.Annotations)

		if err := s.putEntity(ctx, existing, prevName); err != nil {
			return nil, err
		}

		out = existing
	}

	content.EntityID = out.ID
	if err := s.cache.Put(content); err != nil {
		s.logger.Warn("updating content cache", slog.String("entity", out.ID), slog.String("error", err.Error()))
	}

	out.Path = e.Path

	return out, nil
}

func (s *Store) resolve(ctx context.Context, e *remote.Entity) (*remote.Entity, error) {
	if e.ID != "" {
		existing, err := s.Get(ctx, e.ID)
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

	parent, err := s.Get(ctx, e.ParentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrMissingParent, e.ParentID)
		}

		return nil, err
	}

	if !parent.Kind.IsContainer() {
		return nil, fmt.Errorf("%w: parent %s is a %s", apperrors.ErrInvalidKind, parent.ID, parent.Kind)
	}

	data, err := s.getObject(ctx, s.indexKey(e.ParentID, e.Name))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("read index: %w", err)
	}

	existing, err := s.Get(ctx, gjson.GetBytes(data, "id").String())
	if err != nil {
		return nil, err
	}

	if existing.Kind != e.Kind {
		return nil, fmt.Errorf("%w: %q is a %s", apperrors.ErrNameConflict, e.Name, existing.Kind)
	}

	return existing, nil
}

// create assigns an id to e and writes it. The entity object is written
// before the index entry; when the index is already taken the entity
// object is removed again and errIndexTaken is returned.
func (s *Store) create(ctx context.Context, e *remote.Entity) error {
	e.ID = idPrefix + uuid.NewString()

	if err := s.writeEntity(ctx, e); err != nil {
		return err
	}

	if e.ParentID == "" {
		return nil
	}

	err := s.putIndex(ctx, e)
	if err == nil {
		return nil
	}

	if _, delErr := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.entityKey(e.ID)),
	}); delErr != nil {
		s.logger.Warn("removing orphaned entity", slog.String("id", e.ID), slog.String("error", delErr.Error()))
	}

	return err
}

// putEntity writes e, moving its index entry when it was renamed.
func (s *Store) putEntity(ctx context.Context, e *remote.Entity, prevName string) error {
	if e.ParentID != "" && prevName != e.Name {
		if err := s.putIndex(ctx, e); err != nil {
			if errors.Is(err, errIndexTaken) {
				return fmt.Errorf("%w: %q", apperrors.ErrNameConflict, e.Name)
			}

			return err
		}

		if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.indexKey(e.ParentID, prevName)),
		}); err != nil {
			return fmt.Errorf("remove index %q: %w", prevName, err)
		}
	}

	return s.writeEntity(ctx, e)
}

func (s *Store) writeEntity(ctx context.Context, e *remote.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.entityKey(e.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.ID, err)
	}

	return nil
}

func (s *Store) putIndex(ctx context.Context, e *remote.Entity) error {
	data, err := json.Marshal(remote.Child{ID: e.ID, Name: e.Name, Kind: e.Kind})
	if err != nil {
		return err
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.indexKey(e.ParentID, e.Name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return errIndexTaken
		}

		return fmt.Errorf("put index %q: %w", e.Name, err)
	}

	return nil
}

// putBlob uploads content keyed by digest. Existing blobs are left alone.
func (s *Store) putBlob(ctx context.Context, src string, content contentcache.Entry) error {
	f, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer f.Close()

	s.logger.Debug("uploading content to storage", slog.String("path", src), slog.String("md5", content.MD5))

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.BlobKey(content.MD5)),
		Body:          f,
		ContentLength: aws.Int64(content.Size),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil && !isPreconditionFailed(err) {
		return fmt.Errorf("put blob %s: %w", content.MD5, err)
	}

	return nil
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

func (s *Store) key(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}

	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *Store) entityKey(id string) string {
	return s.key("entities", id+".json")
}

func (s *Store) childrenPrefix(parentID string) string {
	return s.key("children", parentID) + "/"
}

func (s *Store) indexKey(parentID, name string) string {
	return s.childrenPrefix(parentID) + url.PathEscape(name)
}

// BlobKey returns the object key holding content with the given digest.
func (s *Store) BlobKey(md5 string) string {
	return s.key("blobs", md5)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}

	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
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
