package db

import (
	"os"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `UPDATE initiatives SET name=?, version=version+1 WHERE id=? AND version=?`
	if got := Rebind(SQLite, q); got != q {
		t.Fatalf("sqlite query should be untouched, got %s", got)
	}
	want := `UPDATE initiatives SET name=$1, version=version+1 WHERE id=$2 AND version=$3`
	if got := Rebind(Postgres, q); got != want {
		t.Fatalf("Rebind = %s, want %s", got, want)
	}
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if dialect != SQLite {
		t.Fatalf("dialect = %s", dialect)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, _, err := Open(Config{Driver: "oracle"}); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := Open(Config{Driver: Postgres}); err == nil {
		t.Fatal("expected dsn error")
	}
}
