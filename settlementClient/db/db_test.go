package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guess5/escrow-settler/settlementClient/store"
)

func TestDB_OpenModes(t *testing.T) {
	t.Run("in-memory", func(t *testing.T) {
		db, err := OpenInMemoryDB(true)
		require.NoError(t, err)
		require.NotNil(t, db)

		runSampleInsertSelectTest(t, db)
		assert.NoError(t, db.Ping(context.Background()))
		assert.NoError(t, db.Close())
	})

	t.Run("file-based DB", func(t *testing.T) {
		dir := t.TempDir()
		dbName := "test.db"

		db, err := OpenFileDB(dir, dbName, true)
		require.NoError(t, err)
		require.NotNil(t, db)

		assert.FileExists(t, filepath.Join(dir, dbName))

		runSampleInsertSelectTest(t, db)

		assert.NoError(t, db.Close())
	})

	t.Run("nested directory is created", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")

		db, err := OpenFileDB(dir, "x.db", true)
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(dir, "x.db"))
		assert.NoError(t, db.Close())
	})

	t.Run("empty file name", func(t *testing.T) {
		_, err := OpenFileDB(t.TempDir(), "", true)
		assert.Error(t, err)
	})
}

func TestDB_AuditEntriesAreAppendOnly(t *testing.T) {
	db, err := OpenInMemoryDB(true)
	require.NoError(t, err)
	defer db.Close()

	entry := store.AuditEntry{MatchID: "m1", Action: "vault.created"}
	require.NoError(t, db.Client().Create(&entry).Error)
	assert.NotEmpty(t, entry.ID)

	entry.Action = "tampered"
	err = db.Client().Save(&entry).Error
	assert.ErrorIs(t, err, store.ErrAuditImmutable)

	err = db.Client().Delete(&entry).Error
	assert.ErrorIs(t, err, store.ErrAuditImmutable)

	var count int64
	require.NoError(t, db.Client().Model(&store.AuditEntry{}).Where("action = ?", "vault.created").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func runSampleInsertSelectTest(t *testing.T, db *DB) {
	entry := store.Match{
		MatchID:       "match-1",
		PlayerA:       "A",
		PlayerB:       "B",
		StakeLamports: 10101,
		State:         store.MatchStatePending,
	}

	err := db.Client().Create(&entry).Error
	require.NoError(t, err)

	var result store.Match
	err = db.Client().First(&result).Error
	require.NoError(t, err)
	assert.Equal(t, uint64(10101), result.StakeLamports)
	assert.Equal(t, "match-1", result.MatchID)
}
