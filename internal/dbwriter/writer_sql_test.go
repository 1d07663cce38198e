//go:build sqltest
// +build sqltest

package dbwriter

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-txdb"
	_ "github.com/lib/pq" // PostgreSQL driver
)

func init() {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "user=test password=test dbname=test host=/var/run/postgresql sslmode=disable"
	}
	txdb.Register("txdb", "postgres", dsn)
}

// TestMigrations applies every up migration inside a rolled-back transaction.
func TestMigrations(t *testing.T) {
	migrationsDir := "../../db/schema"

	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("failed to read migrations directory: %v", err)
	}

	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".up.sql") {
			continue
		}
		t.Run(file.Name(), func(t *testing.T) {
			db, err := sql.Open("txdb", file.Name())
			if err != nil {
				t.Fatalf("failed to open database: %v", err)
			}
			defer db.Close()

			content, err := os.ReadFile(filepath.Join(migrationsDir, file.Name()))
			if err != nil {
				t.Fatalf("failed to read migration file: %v", err)
			}
			if _, err := db.Exec(string(content)); err != nil {
				t.Errorf("migration failed: %v", err)
			}
			if _, err := db.Exec(`INSERT INTO component_samples (time, component_id, component_type, return, pnl)
				VALUES (now(), 'c1', 'strategy_evaluator', 0.01, 5)`); err != nil {
				t.Errorf("insert into component_samples failed: %v", err)
			}
		})
	}
}
