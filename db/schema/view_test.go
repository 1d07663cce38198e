//go:build sqltest
// +build sqltest

package schema

import (
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-txdb"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "user=test password=test dbname=test host=/var/run/postgresql sslmode=disable"
	}
	txdb.Register("txdb_schema", "postgres", dsn)
}

func TestViewComponentPerformance(t *testing.T) {
	db, err := sql.Open("txdb_schema", t.Name())
	require.NoError(t, err)
	defer db.Close()

	applyUpMigrations(t, db)

	bucket := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	samples := []struct {
		offset time.Duration
		id     string
		ret    float64
		pnl    float64
	}{
		{5 * time.Minute, "c1", 0.01, 10},
		{20 * time.Minute, "c1", -0.005, -5},
		{40 * time.Minute, "c2", 0.02, 40},
		{70 * time.Minute, "c1", 0.03, 30}, // next hour
	}
	for _, s := range samples {
		_, err := db.Exec(`INSERT INTO component_samples (time, component_id, component_type, return, pnl)
			VALUES ($1, $2, 'strategy_generator', $3, $4)`, bucket.Add(s.offset), s.id, s.ret, s.pnl)
		require.NoError(t, err)
	}

	rows, err := db.Query(`SELECT bucket, component_id, samples, cumulative_return, pnl
		FROM v_component_performance ORDER BY bucket, component_id`)
	require.NoError(t, err)
	defer rows.Close()

	type resultRow struct {
		Bucket  time.Time
		ID      string
		Samples int
		Return  float64
		PnL     float64
	}
	var results []resultRow
	for rows.Next() {
		var r resultRow
		require.NoError(t, rows.Scan(&r.Bucket, &r.ID, &r.Samples, &r.Return, &r.PnL))
		results = append(results, r)
	}
	require.NoError(t, rows.Err())

	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].ID)
	assert.Equal(t, 2, results[0].Samples)
	assert.InDelta(t, 0.005, results[0].Return, 1e-9)
	assert.InDelta(t, 5.0, results[0].PnL, 1e-9)
	assert.Equal(t, "c2", results[1].ID)
	assert.True(t, results[2].Bucket.Equal(bucket.Add(time.Hour)))
}

func applyUpMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	files, err := filepath.Glob("*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files, "no up migrations found")
	sort.Strings(files)

	for _, file := range files {
		content, err := os.ReadFile(file)
		require.NoError(t, err)
		_, err = db.Exec(string(content))
		require.NoError(t, err, "failed to apply %s", file)
	}
}
