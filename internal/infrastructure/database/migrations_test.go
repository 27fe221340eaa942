package database

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/nerrad567/broute-bridge/migrations"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260101_000000_samples.up.sql": {Data: []byte("CREATE TABLE samples (v INTEGER);")},
		"20260102_000000_more.up.sql":    {Data: []byte("CREATE TABLE more (v INTEGER); CREATE INDEX idx_more ON more (v);")},
		"20260102_000000_more.down.sql":  {Data: []byte("DROP TABLE more;")},
		"README.md":                      {Data: []byte("not a migration")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var got string
	err := db.QueryRowContext(context.Background(),
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&got)
	return err == nil
}

// TestMigrate verifies migration application and idempotence.
func TestMigrate(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if v, err := db.SchemaVersion(ctx); err != nil || v != "" {
		t.Fatalf("SchemaVersion() before Migrate = %q, %v; want empty", v, err)
	}

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"samples", "more"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s not created", table)
		}
	}

	v, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != "20260102_000000" {
		t.Errorf("SchemaVersion() = %q, want 20260102_000000", v)
	}

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

// TestMigrateFailureRollsBack verifies a failing migration leaves earlier ones applied.
func TestMigrateFailureRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"20260101_000000_ok.up.sql":     {Data: []byte("CREATE TABLE ok (v INTEGER);")},
		"20260102_000000_broken.up.sql": {Data: []byte("CREATE TABLE half (v INTEGER); NOT SQL;")},
	}

	err := db.Migrate(ctx, fsys)
	if err == nil || !strings.Contains(err.Error(), "20260102_000000") {
		t.Fatalf("Migrate() error = %v, want failure naming 20260102_000000", err)
	}
	if !tableExists(t, db, "ok") {
		t.Error("earlier migration was not kept")
	}
	if tableExists(t, db, "half") {
		t.Error("failed migration was not rolled back")
	}
	if v, _ := db.SchemaVersion(ctx); v != "20260101_000000" {
		t.Errorf("SchemaVersion() = %q, want 20260101_000000", v)
	}
}

// TestMigrateNoMigrations verifies an empty or nil filesystem is a no-op.
func TestMigrateNoMigrations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, nil); err != nil {
		t.Errorf("Migrate(nil) error = %v", err)
	}
	if err := db.Migrate(ctx, fstest.MapFS{}); err != nil {
		t.Errorf("Migrate(empty) error = %v", err)
	}
}

// TestEmbeddedSchema verifies the shipped migrations apply cleanly.
func TestEmbeddedSchema(t *testing.T) {
	db := openTestDB(t)

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate(migrations.FS) error = %v", err)
	}
	for _, table := range []string{"power_readings", "join_sessions"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s not created", table)
		}
	}
}

// TestLoadMigrations verifies ordering and filtering.
func TestLoadMigrations(t *testing.T) {
	got, err := LoadMigrations(testMigrations())
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Name != "samples" || got[1].Name != "more" {
		t.Errorf("names = %q, %q; want samples, more", got[0].Name, got[1].Name)
	}

	dup := fstest.MapFS{
		"20260101_000000_a.up.sql": {Data: []byte("SELECT 1;")},
		"20260101_000000_b.up.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := LoadMigrations(dup); err == nil {
		t.Error("LoadMigrations() should reject duplicate versions")
	}
}

// TestParseMigrationFilename verifies filename parsing.
func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     migrationFile
		wantOk   bool
	}{
		{"20261019_120000_power_readings.up.sql", migrationFile{version: "20261019_120000", name: "power_readings", up: true}, true},
		{"20261019_120100_join_sessions.down.sql", migrationFile{version: "20261019_120100", name: "join_sessions"}, true},
		{"20261019_120000.up.sql", migrationFile{version: "20261019_120000", name: "20261019_120000", up: true}, true},
		{"readme.txt", migrationFile{}, false},
		{"20261019_120000_power_readings.sql", migrationFile{}, false},
		{"invalid.up.sql", migrationFile{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if ok && got != tt.want {
				t.Errorf("parseMigrationFilename(%q) = %+v, want %+v", tt.filename, got, tt.want)
			}
		})
	}
}
