package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	tables := []string{"entities", "archived_versions", "deleted_versions", "sync_runs", "sync_cursors", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestCheckDBMigrationStatus(t *testing.T) {
	t.Run("fresh database needs migration", func(t *testing.T) {
		db := openTestDB(t)

		err := CheckDBMigrationStatus(db)
		if err == nil {
			t.Fatal("CheckDBMigrationStatus() expected error for fresh database, got nil")
		}
		if err.Error() != "database has no schema version (needs migration)" {
			t.Errorf("CheckDBMigrationStatus() error = %q, want error about needing migration", err.Error())
		}
	})

	t.Run("migrated database is current", func(t *testing.T) {
		db := openTestDB(t)

		if err := MigrateUp(db); err != nil {
			t.Fatalf("MigrateUp() failed: %v", err)
		}
		if err := CheckDBMigrationStatus(db); err != nil {
			t.Errorf("CheckDBMigrationStatus() after migration returned error: %v", err)
		}
	})
}

func TestGetStatus(t *testing.T) {
	db := openTestDB(t)

	before, err := GetStatus(db)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if before.Current != 0 || before.Latest == 0 || before.UpToDate() {
		t.Errorf("GetStatus() before migration = %+v, want Current=0 and a positive Latest", before)
	}

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	after, err := GetStatus(db)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if !after.UpToDate() {
		t.Errorf("GetStatus() after migration = %+v, want up to date", after)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Errorf("Second MigrateUp() failed: %v (should be idempotent)", err)
	}
	if err := CheckDBMigrationStatus(db); err != nil {
		t.Errorf("CheckDBMigrationStatus() after double migration returned error: %v", err)
	}
}

func TestSchema_EntityTitleUnique(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO entities (local_id, kind, namespace, title) VALUES (1, 'file', 6, 'Foo.png')")
	if err != nil {
		t.Fatalf("Failed to insert first entity: %v", err)
	}

	_, err = db.Exec("INSERT INTO entities (local_id, kind, namespace, title) VALUES (2, 'file', 6, 'Foo.png')")
	if err == nil {
		t.Error("Expected unique constraint violation for duplicate title, but insert succeeded")
	}

	// The same title in another namespace is a different entity.
	_, err = db.Exec("INSERT INTO entities (local_id, kind, namespace, title) VALUES (3, 'page', 0, 'Foo.png')")
	if err != nil {
		t.Errorf("Insert in another namespace failed: %v", err)
	}
}

func TestSchema_DeletedVersionKeyUnique(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	insert := "INSERT INTO deleted_versions (kind, namespace, title, timestamp) VALUES ('file', 6, 'Bar.png', 100)"
	if _, err := db.Exec(insert); err != nil {
		t.Fatalf("Failed to insert deleted version: %v", err)
	}
	if _, err := db.Exec(insert); err == nil {
		t.Error("Expected unique constraint violation for duplicate deleted version, but insert succeeded")
	}
}

// openTestDB opens an in-memory SQLite database for testing. A single
// connection keeps every statement on the same in-memory database.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
