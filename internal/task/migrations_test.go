package task

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func TestMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")

	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer second.Close()

	var versions int
	if err := second.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&versions); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if versions != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", versions)
	}
}

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	dir := fstest.MapFS{
		"0002_index.sql":  {Data: []byte("CREATE INDEX a ON t (x);")},
		"0001_create.sql": {Data: []byte("CREATE TABLE t (x INT);\n\nCREATE TABLE u (y INT);")},
		"README.md":       {Data: []byte("ignored")},
		"0003_empty.sql":  {Data: []byte("  ;  ")},
	}
	got, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(got))
	}
	if got[0].version != "0001" || len(got[0].statements) != 2 {
		t.Fatalf("unexpected first migration: %+v", got[0])
	}
	if got[1].version != "0002" {
		t.Fatalf("unexpected second migration: %+v", got[1])
	}
}
