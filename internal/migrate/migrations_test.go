package migrate

import (
	"testing"

	"stagegate/internal/db"
)

func TestStatementsSkipsComments(t *testing.T) {
	src := "-- header; with semicolon\nCREATE TABLE a(id TEXT);\n\nCREATE INDEX i ON a(id);\n"
	got := statements(src)
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a(id TEXT)" {
		t.Fatalf("unexpected first statement %q", got[0])
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	v, err := Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if v != migrations[len(migrations)-1].Version {
		t.Fatalf("schema version = %d", v)
	}
	for _, table := range []string{"workstreams", "role_assignments", "initiatives", "approval_tasks", "change_events", "snapshots"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
