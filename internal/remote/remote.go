// Package remote defines the contract between the upload engine and a
// hierarchical object store. Entities form a tree rooted at projects;
// folders and files hang off projects or other folders.
package remote

import (
	"context"
	"fmt"

	apperrors "github.com/alexjbarnes/dirsync/internal/errors"
)

//go:generate mockgen -source=remote.go -destination=../uploader/mock_client_test.go -package=uploader

// Kind discriminates the entity variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindProject
	KindFolder
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindProject:
		return "Project"
	case KindFolder:
		return "Folder"
	case KindFile:
		return "File"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	switch s {
	case "Project":
		return KindProject
	case "Folder":
		return KindFolder
	case "File":
		return KindFile
	default:
		return KindUnknown
	}
}

// MarshalText stores kinds by name so persisted entities stay readable.
func (k Kind) MarshalText() ([]byte, error) {
	if k < KindProject || k > KindFile {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidKind, k)
	}

	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed := ParseKind(string(b))
	if parsed == KindUnknown {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidKind, b)
	}

	*k = parsed

	return nil
}

// IsContainer reports whether entities of this kind can hold children.
func (k Kind) IsContainer() bool {
	return k == KindProject || k == KindFolder
}

// FileHandle describes the stored content of a file entity.
type FileHandle struct {
	FileName    string `json:"fileName"`
	ContentSize int64  `json:"contentSize"`
	ContentMD5  string `json:"contentMd5"`
}

// Entity is a node in the remote tree.
type Entity struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
	Version  int    `json:"version"`

	// File is set when Kind is KindFile and content has been stored.
	File *FileHandle `json:"file,omitempty"`

	Annotations map[string]string `json:"annotations,omitempty"`

	// Path is the local file to read content from on Store. Never persisted.
	Path string `json:"-"`
}

// NewFolder builds an unsaved folder under parent.
func NewFolder(name string, parent *Entity) *Entity {
	return &Entity{Kind: KindFolder, Name: name, ParentID: parent.ID}
}

// NewFile builds an unsaved file under parent whose content is read from
// localPath.
func NewFile(localPath, name string, parent *Entity) *Entity {
	return &Entity{Kind: KindFile, Name: name, ParentID: parent.ID, Path: localPath}
}

// FileName returns the stored original filename, or "" for non-files.
func (e *Entity) FileName() string {
	if e == nil || e.File == nil {
		return ""
	}

	return e.File.FileName
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}

	c := *e
	if e.File != nil {
		fh := *e.File
		c.File = &fh
	}

	if e.Annotations != nil {
		c.Annotations = make(map[string]string, len(e.Annotations))
		for k, v := range e.Annotations {
			c.Annotations[k] = v
		}
	}

	return &c
}

// Child is a listing entry returned by GetChildren.
type Child struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Cache is the client's local content cache.
type Cache interface {
	// Remove forgets any cached local copy of e so that the next Store
	// re-reads its content.
	Remove(ctx context.Context, e *Entity) error
}

// Client is the store API the engine relies on. Implementations handle
// authentication and transport-level retries themselves.
type Client interface {
	// Get fetches entity metadata without downloading content.
	Get(ctx context.Context, id string) (*Entity, error)
	// Store creates or updates e. forceVersion requests a version bump
	// even when content is unchanged.
	Store(ctx context.Context, e *Entity, forceVersion bool) (*Entity, error)
	// GetChildren lists the direct children of parentID, restricted to
	// kinds when any are given.
	GetChildren(ctx context.Context, parentID string, kinds ...Kind) ([]Child, error)
	Cache() Cache
}
