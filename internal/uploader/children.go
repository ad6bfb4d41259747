package uploader

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/dirsync/internal/remote"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// childrenCache holds the file children of recently visited parents.
// Concurrent misses for the same parent share one load.
type childrenCache struct {
	client remote.Client
	lru    *lru.Cache[string, []*remote.Entity]
	group  singleflight.Group
}

func newChildrenCache(client remote.Client, size int) (*childrenCache, error) {
	c, err := lru.New[string, []*remote.Entity](size)
	if err != nil {
		return nil, fmt.Errorf("creating children cache: %w", err)
	}

	return &childrenCache{client: client, lru: c}, nil
}

// Files returns the file entities directly under parentID, loading and
// caching them on a miss. Failed loads are not cached.
func (c *childrenCache) Files(ctx context.Context, parentID string) ([]*remote.Entity, error) {
	if files, ok := c.lru.Get(parentID); ok {
		return files, nil
	}

	v, err, _ := c.group.Do(parentID, func() (any, error) {
		if files, ok := c.lru.Get(parentID); ok {
			return files, nil
		}

		files, err := c.load(ctx, parentID)
		if err != nil {
			return nil, err
		}

		c.lru.Add(parentID, files)

		return files, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]*remote.Entity), nil
}

func (c *childrenCache) load(ctx context.Context, parentID string) ([]*remote.Entity, error) {
	children, err := c.client.GetChildren(ctx, parentID, remote.KindFile)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}

	files := make([]*remote.Entity, 0, len(children))

	for _, child := range children {
		e, err := c.client.Get(ctx, child.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", child.ID, err)
		}

		files = append(files, e)
	}

	return files, nil
}
