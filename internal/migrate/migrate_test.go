package migrate_test

import (
	"testing"

	"mailpilot/internal/db"
	"mailpilot/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name='0001_init.sql'`).Scan(&n); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if n != 1 {
		t.Fatalf("ledger rows for 0001_init.sql = %d, want 1", n)
	}
	// the schema itself is usable after the re-run
	if _, err := conn.Exec(`SELECT COUNT(*) FROM missions`); err != nil {
		t.Fatalf("missions table: %v", err)
	}
}
