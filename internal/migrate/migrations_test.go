package migrate_test

import (
	"testing"

	"mechline/internal/db"
	"mechline/internal/migrate"
)

func TestMigrateRecordsLedgerAndIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	var applied int
	if err := conn.QueryRow(`SELECT count(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if applied == 0 {
		t.Fatal("expected at least one ledgered migration")
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT count(*) FROM schema_migrations`).Scan(&again); err != nil {
		t.Fatalf("re-read ledger: %v", err)
	}
	if again != applied {
		t.Fatalf("ledger grew on rerun: %d -> %d", applied, again)
	}

	// Schema is actually in place.
	if _, err := conn.Exec(`INSERT INTO sites(id,name,created_at) VALUES ('s1','Site','2026-03-14T09:00:00Z')`); err != nil {
		t.Fatalf("insert into migrated table: %v", err)
	}
}
