package migrate_test

import (
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"

	"github.com/plaenen/waitqueue/pkg/sqlite/migrate"
)

var testFS = fstest.MapFS{
	"migrations/0001_widgets.up.sql": &fstest.MapFile{
		Data: []byte(`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT);`),
	},
	"migrations/0001_widgets.down.sql": &fstest.MapFile{
		Data: []byte(`DROP TABLE widgets;`),
	},
	"migrations/0002_gadgets.up.sql": &fstest.MapFile{
		Data: []byte(`CREATE TABLE gadgets (id INTEGER PRIMARY KEY);`),
	},
	"migrations/0002_gadgets.down.sql": &fstest.MapFile{
		Data: []byte(`DROP TABLE gadgets;`),
	},
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrator_UpAndVersion(t *testing.T) {
	db := openTestDB(t)

	m := migrate.New(db, "test_schema_migrations")
	if err := m.LoadFromFS(testFS, "migrations"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("up failed: %v", err)
	}

	version, err := m.Version()
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	// Both tables exist.
	for _, table := range []string{"widgets", "gadgets"} {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Re-running is a no-op.
	if err := m.Up(); err != nil {
		t.Fatalf("second up failed: %v", err)
	}
}

func TestMigrator_Down(t *testing.T) {
	db := openTestDB(t)

	m := migrate.New(db, "test_schema_migrations")
	if err := m.LoadFromFS(testFS, "migrations"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("up failed: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("down failed: %v", err)
	}

	version, err := m.Version()
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after rollback, got %d", version)
	}

	var name string
	err = db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'gadgets'`,
	).Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("expected gadgets table dropped, got %v", err)
	}
}

func TestMigrator_DownWithoutMigrations(t *testing.T) {
	db := openTestDB(t)

	m := migrate.New(db, "test_schema_migrations")
	if err := m.Down(); err == nil {
		t.Fatal("expected error rolling back with no applied migrations")
	}
}

func TestMigrator_IndependentTrackingTables(t *testing.T) {
	db := openTestDB(t)

	first := migrate.New(db, "first_schema_migrations")
	if err := first.LoadFromFS(testFS, "migrations"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := first.Up(); err != nil {
		t.Fatalf("up failed: %v", err)
	}

	// A second migrator with its own tracking table starts from zero.
	second := migrate.New(db, "second_schema_migrations")
	version, err := second.Version()
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if version != 0 {
		t.Errorf("expected fresh tracking table at version 0, got %d", version)
	}
}
