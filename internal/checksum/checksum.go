// Package checksum computes content digests of local files.
package checksum

import (
	"crypto/md5" //nolint:gosec // G501: MD5 is the store's content fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// chunkSize bounds memory use when hashing large files.
const chunkSize = 10 * 1024 * 1024

// MD5 returns the hex MD5 digest and size of the file at path.
func MD5(fs afero.Fs, path string) (string, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // see import
	buf := make([]byte, chunkSize)

	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", 0, fmt.Errorf("reading %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}
