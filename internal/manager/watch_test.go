package manager

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func copyTree(t *testing.T, src, dst string) {
	t.Helper()
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
	if err != nil {
		t.Fatalf("manager:watch_test - copy schemas: %v", err)
	}
}

func waitReload(t *testing.T, results <-chan error) error {
	t.Helper()
	select {
	case err := <-results:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("manager:watch_test - timeout waiting for reload")
		return nil
	}
}

func TestSchemaWatcher(t *testing.T) {
	_, nc := startTestServer(t, 14257)
	m := startManager(t, nc, "watch")

	root := t.TempDir()
	copyTree(t, testSchemas, root)

	results := make(chan error, 4)
	w, err := watchSchemas(m, root, func(err error) { results <- err })
	if err != nil {
		t.Fatalf("manager:watch_test - watchSchemas: %v", err)
	}
	defer w.Stop()

	manifest := filepath.Join(root, "modules", "RsErrors", "manifest.yaml")
	original, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(manifest, []byte("provides: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := waitReload(t, results); err == nil {
		t.Error("manager:watch_test - broken manifest must fail to reload")
	}
	if m.Module("rs_errors").Manifest.Description != "Module that provides interfaces with errors." {
		t.Error("manager:watch_test - failed reload replaced the catalog")
	}

	updated := strings.Replace(string(original), "Module that provides interfaces with errors.", "Reloaded description", 1)
	if err := os.WriteFile(manifest, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := waitReload(t, results); err != nil {
		t.Fatalf("manager:watch_test - reload: %v", err)
	}
	if got := m.Module("rs_errors").Manifest.Description; got != "Reloaded description" {
		t.Errorf("manager:watch_test - description = %q", got)
	}
}
