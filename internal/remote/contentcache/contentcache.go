// Package contentcache remembers which local file was last stored for
// each file entity, so that an unchanged file is not hashed again on the
// next run. Entries are invalidated when the file's mtime or size change.
package contentcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/dirsync/internal/checksum"
	"github.com/alexjbarnes/dirsync/internal/remote"
	"github.com/spf13/afero"
	bolt "go.etcd.io/bbolt"
)

const (
	cacheDirPerm  = fs.FileMode(0o700)
	cacheFilePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second

	// FileName is the database name inside the cache directory.
	FileName = "content-cache.db"
)

var entriesBucket = []byte("entries")

// Entry is the last known local copy of a file entity.
type Entry struct {
	EntityID string `json:"entityId"`
	Path     string `json:"path"`
	MTime    int64  `json:"mtime"`
	Size     int64  `json:"size"`
	MD5      string `json:"md5"`
}

// Cache wraps a bbolt database of entries keyed by entity id.
type Cache struct {
	db *bolt.DB
	fs afero.Fs
}

var _ remote.Cache = (*Cache)(nil)

// Open opens the cache database inside dir, creating both if needed.
// Local files are stat'ed and read through fsys.
func Open(dir string, fsys afero.Fs) (*Cache, error) {
	return OpenAt(filepath.Join(dir, FileName), fsys)
}

// OpenAt opens a cache database at an explicit path.
func OpenAt(path string, fsys afero.Fs) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening content cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing content cache: %w", err)
	}

	return &Cache{db: db, fs: fsys}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the entry for an entity, or nil if none is cached.
func (c *Cache) Get(entityID string) (*Entry, error) {
	var e *Entry

	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(entityID))
		if v == nil {
			return nil
		}

		e = &Entry{}

		return json.Unmarshal(v, e)
	})

	return e, err
}

// Put stores the entry, replacing any previous one for the same entity.
func (c *Cache) Put(e Entry) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return tx.Bucket(entriesBucket).Put([]byte(e.EntityID), data)
	})
}

// Remove evicts the entry for e. Removing an unknown entity is a no-op.
func (c *Cache) Remove(_ context.Context, e *remote.Entity) error {
	if e == nil || e.ID == "" {
		return nil
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(e.ID))
	})
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	n := 0
	_ = c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})

	return n
}

// Checksum returns the MD5 and size of path. When entityID has a cached
// entry for the same path whose mtime and size still match, the cached
// digest is returned without reading the file. A fresh entry is not
// written here; callers Put one once the store has accepted the content.
func (c *Cache) Checksum(entityID, path string) (Entry, error) {
	info, err := c.fs.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if entityID != "" {
		cached, err := c.Get(entityID)
		if err != nil {
			return Entry{}, fmt.Errorf("reading content cache: %w", err)
		}

		if cached != nil && cached.Path == path &&
			cached.MTime == info.ModTime().UnixNano() && cached.Size == info.Size() {
			return *cached, nil
		}
	}

	sum, size, err := checksum.MD5(c.fs, path)
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		EntityID: entityID,
		Path:     path,
		MTime:    info.ModTime().UnixNano(),
		Size:     size,
		MD5:      sum,
	}, nil
}
