package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteArtifact writes a small fixture file with the given contents, creating
// parent directories as needed, and returns the path.
func WriteArtifact(t testing.TB, dir, name, contents string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
