package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTree materializes files under dir. Keys are slash-separated relative
// paths, values are file contents. Parent directories are created as needed.
func WriteTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
	}
}
