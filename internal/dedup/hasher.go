package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// hashChunkSize bounds memory use while hashing: files are read in fixed
// chunks regardless of their total size.
const hashChunkSize = 4 * 1024 * 1024

// HashFile streams the file at path through SHA-256 and returns the hex
// digest and the number of bytes read. The digest depends only on content,
// never on path or timestamps. Failures are per-file: callers record them
// and move on.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.CopyBuffer(h, f, make([]byte, hashChunkSize))
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}
