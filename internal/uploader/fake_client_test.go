package uploader

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/alexjbarnes/dirsync/internal/checksum"
	apperrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/remote"
	"github.com/spf13/afero"
)

// fakeClient is an in-memory remote.Client with the same create/update
// rules as the real stores. It counts mutations (creates and version
// bumps) so tests can assert idempotence.
type fakeClient struct {
	mu       sync.Mutex
	fs       afero.Fs
	seq      int
	entities map[string]*remote.Entity

	mutations   int
	storeCalls  int
	listCalls   int
	evicted     []string
	storeErrors map[string]int // remaining injected failures by entity name
	alwaysFail  map[string]bool
}

var _ remote.Client = (*fakeClient)(nil)

func newFakeClient(fsys afero.Fs) *fakeClient {
	return &fakeClient{
		fs:          fsys,
		entities:    map[string]*remote.Entity{},
		storeErrors: map[string]int{},
		alwaysFail:  map[string]bool{},
	}
}

func (c *fakeClient) nextID() string {
	c.seq++
	return "syn" + strconv.Itoa(c.seq)
}

func (c *fakeClient) addProject(name string) *remote.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &remote.Entity{ID: c.nextID(), Kind: remote.KindProject, Name: name, Version: 1}
	c.entities[e.ID] = e

	return e.Clone()
}

func (c *fakeClient) addFolder(name string, parent *remote.Entity) *remote.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &remote.Entity{ID: c.nextID(), Kind: remote.KindFolder, Name: name, ParentID: parent.ID, Version: 1}
	c.entities[e.ID] = e

	return e.Clone()
}

// addFile creates a remote file whose display name may differ from its
// stored filename.
func (c *fakeClient) addFile(name, fileName, content string, parent *remote.Entity) *remote.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &remote.Entity{
		ID:       c.nextID(),
		Kind:     remote.KindFile,
		Name:     name,
		ParentID: parent.ID,
		Version:  1,
		File: &remote.FileHandle{
			FileName:    fileName,
			ContentSize: int64(len(content)),
			ContentMD5:  md5Hex(content),
		},
	}
	c.entities[e.ID] = e

	return e.Clone()
}

func (c *fakeClient) failStore(name string, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.storeErrors[name] = times
}

func (c *fakeClient) failStoreAlways(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alwaysFail[name] = true
}

func (c *fakeClient) Get(ctx context.Context, id string) (*remote.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, id)
	}

	return e.Clone(), nil
}

func (c *fakeClient) GetChildren(ctx context.Context, parentID string, kinds ...remote.Kind) ([]remote.Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.listCalls++

	var out []remote.Child

	for _, e := range c.entities {
		if e.ParentID != parentID {
			continue
		}

		if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
			continue
		}

		out = append(out, remote.Child{ID: e.ID, Name: e.Name, Kind: e.Kind})
	}

	slices.SortFunc(out, func(a, b remote.Child) int { return strings.Compare(a.Name, b.Name) })

	return out, nil
}

func (c *fakeClient) Store(ctx context.Context, e *remote.Entity, forceVersion bool) (*remote.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.storeCalls++

	if c.alwaysFail[e.Name] {
		return nil, fmt.Errorf("injected failure storing %s", e.Name)
	}

	if n := c.storeErrors[e.Name]; n > 0 {
		c.storeErrors[e.Name] = n - 1
		return nil, fmt.Errorf("injected transient failure storing %s", e.Name)
	}

	if _, ok := c.entities[e.ParentID]; !ok && e.ID == "" {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrMissingParent, e.ParentID)
	}

	existing := c.lookup(e)
	if existing != nil && existing.Kind != e.Kind {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrNameConflict, e.Name)
	}

	if e.Kind == remote.KindFolder {
		if existing != nil {
			return existing.Clone(), nil
		}

		created := &remote.Entity{ID: c.nextID(), Kind: remote.KindFolder, Name: e.Name, ParentID: e.ParentID, Version: 1}
		c.entities[created.ID] = created
		c.mutations++

		return created.Clone(), nil
	}

	sum, size, err := checksum.MD5(c.fs, e.Path)
	if err != nil {
		return nil, err
	}

	handle := &remote.FileHandle{FileName: filepath.Base(e.Path), ContentSize: size, ContentMD5: sum}

	if existing == nil {
		created := &remote.Entity{ID: c.nextID(), Kind: remote.KindFile, Name: e.Name, ParentID: e.ParentID, Version: 1, File: handle}
		c.entities[created.ID] = created
		c.mutations++

		return created.Clone(), nil
	}

	if existing.File == nil || existing.File.ContentMD5 != sum || forceVersion {
		existing.Version++
		c.mutations++
	}

	existing.File = handle

	return existing.Clone(), nil
}

func (c *fakeClient) lookup(e *remote.Entity) *remote.Entity {
	if e.ID != "" {
		return c.entities[e.ID]
	}

	for _, other := range c.entities {
		if other.ParentID == e.ParentID && other.Name == e.Name {
			return other
		}
	}

	return nil
}

func (c *fakeClient) Cache() remote.Cache {
	return fakeCache{c}
}

type fakeCache struct{ c *fakeClient }

func (f fakeCache) Remove(_ context.Context, e *remote.Entity) error {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()

	f.c.evicted = append(f.c.evicted, e.ID)

	return nil
}

// tree returns every entity below root keyed by its slash path relative
// to root.
func (c *fakeClient) tree(root *remote.Entity) map[string]*remote.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := map[string]*remote.Entity{}

	var walk func(id, prefix string)
	walk = func(id, prefix string) {
		for _, e := range c.entities {
			if e.ParentID != id {
				continue
			}

			p := e.Name
			if prefix != "" {
				p = prefix + "/" + e.Name
			}

			out[p] = e.Clone()
			walk(e.ID, p)
		}
	}
	walk(root.ID, "")

	return out
}

func (c *fakeClient) childCount(parentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entities {
		if e.ParentID == parentID {
			n++
		}
	}

	return n
}

func (c *fakeClient) stats() (mutations, stores int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mutations, c.storeCalls
}
