package uploader

import (
	"sync"

	"github.com/alexjbarnes/dirsync/internal/checksum"
	"github.com/spf13/afero"
)

// localFile is a snapshot of a local file taken when it is scheduled.
// The checksum is computed at most once, on first use.
type localFile struct {
	fs   afero.Fs
	path string
	name string
	size int64

	once sync.Once
	md5  string
	err  error
}

func (f *localFile) MD5() (string, error) {
	f.once.Do(func() {
		f.md5, _, f.err = checksum.MD5(f.fs, f.path)
	})

	return f.md5, f.err
}
