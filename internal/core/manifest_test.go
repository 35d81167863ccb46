package core

import (
	"path/filepath"
	"testing"
	"time"
)

func TestNewManifest(t *testing.T) {
	t.Run("lists files with their share location", func(t *testing.T) {
		rootDir := setupNestedTestDir(t, map[string]interface{}{
			"album": map[string]interface{}{
				"cover.png": "png",
				"notes": map[string]interface{}{
					"track1.txt": "lyrics",
				},
			},
		})

		tree, err := BuildFiletree([]ParsedPath{{FullPath: filepath.Join(rootDir, "album"), Kind: PathDir}}, nil)
		if err != nil {
			t.Fatal(err)
		}

		before := time.Now()
		m := NewManifest(tree)
		after := time.Now()

		if m.CreatedAt.Before(before) || m.CreatedAt.After(after) {
			t.Errorf("CreatedAt %v not between %v and %v", m.CreatedAt, before, after)
		}
		if len(m.Entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(m.Entries))
		}
		if m.TotalSize != 9 {
			t.Errorf("expected total size 9, got %d", m.TotalSize)
		}

		byName := map[string]ManifestEntry{}
		for _, e := range m.Entries {
			byName[e.Name] = e
		}
		if e := byName["cover.png"]; e.RelDir != "album" || e.Type != "image/png" {
			t.Errorf("unexpected cover entry %+v", e)
		}
		if e := byName["track1.txt"]; e.RelDir != "album/notes" || e.Size != 6 {
			t.Errorf("unexpected track entry %+v", e)
		}
	})

	t.Run("unknown extension", func(t *testing.T) {
		f := setupTestFile(t, "blob.zzunknown", "x")
		tree, err := BuildFiletree([]ParsedPath{{FullPath: f, Kind: PathFile}}, nil)
		if err != nil {
			t.Fatal(err)
		}

		m := NewManifest(tree)
		if m.Entries[0].Type != "application/octet-stream" {
			t.Errorf("expected octet-stream, got %s", m.Entries[0].Type)
		}
	})
}
