package uploader

import (
	"context"

	"github.com/alexjbarnes/dirsync/internal/remote"
	"golang.org/x/text/unicode/norm"
)

// sameName compares names after NFC normalization, so that a name
// written in decomposed form on one filesystem matches its composed
// form stored remotely.
func sameName(a, b string) bool {
	return a == b || norm.NFC.String(a) == norm.NFC.String(b)
}

// findByLocalName returns the remote file under parentID that the local
// file named localName corresponds to, or nil.
//
// A display name match wins, unless that entity's stored filename
// differs from localName and a sibling's stored filename matches; then
// the sibling is the real counterpart and the display match is only an
// alias. With no display match, a stored-filename match is used.
func (r *run) findByLocalName(ctx context.Context, parentID, localName string) (*remote.Entity, error) {
	files, err := r.children.Files(ctx, parentID)
	if err != nil {
		return nil, err
	}

	var byName *remote.Entity

	for _, f := range files {
		if sameName(f.Name, localName) {
			byName = f
			break
		}
	}

	if byName != nil && sameName(byName.FileName(), localName) {
		return byName, nil
	}

	for _, f := range files {
		if sameName(f.FileName(), localName) {
			return f, nil
		}
	}

	return byName, nil
}
