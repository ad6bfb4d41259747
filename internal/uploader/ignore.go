package uploader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-git-ignore"
	"github.com/spf13/afero"
)

// ignoreFunc reports whether a path below the sync root is excluded.
type ignoreFunc func(path string, isDir bool) bool

func acceptAll(string, bool) bool { return false }

// prepareIgnorer compiles root/.dirsyncignore. A missing file ignores
// nothing.
func prepareIgnorer(fsys afero.Fs, root string) (ignoreFunc, error) {
	data, err := afero.ReadFile(fsys, filepath.Join(root, IgnoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return acceptAll, nil
		}

		return acceptAll, fmt.Errorf("reading %s: %w", IgnoreFileName, err)
	}

	ignorer, err := ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
	if err != nil {
		return acceptAll, fmt.Errorf("failed to prepare ignorer: %w", err)
	}

	return func(path string, isDir bool) bool {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return false
		}

		rel = filepath.ToSlash(rel)
		if isDir && ignorer.MatchesPath(rel+"/") {
			return true
		}

		return ignorer.MatchesPath(rel)
	}, nil
}
