package migrations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	dbmigrations "github.com/coachpo/relay/db/migrations"
)

func TestSourceFor(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("data"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cases := []struct {
		name    string
		dir     string
		want    string
		wantErr error
	}{
		{name: "empty selects embedded", dir: "", want: EmbeddedSource},
		{name: "blank selects embedded", dir: "  ", want: EmbeddedSource},
		{name: "directory", dir: dir, want: filepath.Clean(dir)},
		{name: "missing", dir: filepath.Join(dir, "missing"), wantErr: fs.ErrNotExist},
		{name: "file", dir: file, wantErr: errNotDirectory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sourceFor(tc.dir)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("sourceFor returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestFileURL(t *testing.T) {
	cases := map[string]string{
		"/tmp/migrations":   "file:///tmp/migrations",
		"C:/tmp/migrations": "file:///C:/tmp/migrations",
	}
	for in, want := range cases {
		if got := fileURL(in); got != want {
			t.Fatalf("fileURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPathValidatedBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	if err := Apply(ctx, "postgresql://invalid", "does-not-exist", nil); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Apply: expected missing directory error, got %v", err)
	}
	if err := Rollback(ctx, "postgresql://invalid", "still-missing", 1, nil); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Rollback: expected missing directory error, got %v", err)
	}
	if err := Rollback(ctx, "postgresql://invalid", "", 0, nil); err == nil {
		t.Fatal("expected error for zero steps")
	}
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	entries, err := fs.ReadDir(dbmigrations.Files, ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down file", version)
		}
	}
	if len(ups) != len(downs) {
		t.Fatalf("expected paired migrations, got %d up and %d down", len(ups), len(downs))
	}
}
