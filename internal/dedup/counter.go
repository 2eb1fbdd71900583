package dedup

import (
	"io/fs"
	"path/filepath"
	"time"
)

// countCacheTTL is how long a cached file count stays valid. Counts are
// advisory (they only size progress estimates), so staleness is cheap.
const countCacheTTL = 7 * 24 * time.Hour

// CountFiles returns the number of regular files under dir, consulting the
// index's count cache first. refresh forces a re-count. The returned cached
// flag reports whether the cache satisfied the request.
func CountFiles(index Index, clock Clock, driveName, dir string, refresh bool) (count int64, cached bool, err error) {
	if !refresh {
		n, countedAt, ok, err := index.CachedFileCount(driveName, dir)
		if err != nil {
			return 0, false, err
		}
		if ok && clock.Now().Sub(countedAt) < countCacheTTL {
			return n, true, nil
		}
	}

	count, err = walkCount(dir)
	if err != nil {
		return 0, false, err
	}

	if err := index.SaveFileCount(driveName, dir, count, clock.Now()); err != nil {
		return 0, false, err
	}
	return count, false, nil
}

// walkCount counts regular files, skipping unreadable subtrees the same way
// the upload walk does: a directory we cannot enter costs us accuracy, not
// the run.
func walkCount(dir string) (int64, error) {
	var n int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d == nil {
				return err // the root itself is unreadable
			}
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
