package database

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	db, err := New(Config{Path: ":memory:", Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Conn().Exec(`CREATE TABLE IF NOT EXISTS test_table (id INTEGER PRIMARY KEY, value TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func TestWithTransaction_Success(t *testing.T) {
	db := setupTestDB(t)

	var result int
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO test_table (value) VALUES (?)", "test-value"); err != nil {
			return err
		}
		return tx.QueryRow("SELECT COUNT(*) FROM test_table WHERE value = ?", "test-value").Scan(&result)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := setupTestDB(t)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO test_table (value) VALUES (?)", "rolled-back"); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM test_table WHERE value = ?", "rolled-back").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestQuickCheck_SucceedsOnOpenConnection(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.QuickCheck(context.Background()))
}

func TestHealthCheck_RunsIntegrityCheck(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestWALCheckpointAndVacuum_DoNotError(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.WALCheckpoint(""))
	require.NoError(t, db.Vacuum())

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageSize, int64(0))
}
