package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens a file-backed SQLite database in a temp dir. A file is
// used instead of :memory: so every pooled connection sees the same data.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "txflow.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// OpenGorm connects gorm to the shared postgres container and drops the
// given tables so each test starts from a clean schema.
func OpenGorm(t *testing.T, dropTables ...string) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(postgres.Open(GetPostgresDSN(t)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open failed: %v", err)
	}
	for _, table := range dropTables {
		if err := db.Migrator().DropTable(table); err != nil {
			t.Fatalf("drop table %s: %v", table, err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("gorm DB() failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
