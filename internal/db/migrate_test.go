package db

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n))
	return n > 0
}

func TestLatestMigrationVersion(t *testing.T) {
	v, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestMigrateUpDown(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)
	assert.False(t, tableExists(t, db, "conversion_jobs"))

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "second run is a no-op")
	assert.True(t, tableExists(t, db, "conversion_jobs"))
	assert.True(t, tableExists(t, db, "departure_events"))

	st, err := db.GetMigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{Current: 2, Latest: 2}, st)
	assert.Zero(t, st.Pending())

	require.NoError(t, db.MigrateDown())
	assert.False(t, tableExists(t, db, "departure_events"))
	st, err = db.GetMigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, uint(1), st.Pending())
}

func TestMigrateForce(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.MigrateForce(1))
	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand(&out, path, "status", nil))
	assert.Contains(t, out.String(), "Current version: 0")
	assert.Contains(t, out.String(), "Outstanding migrations: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, path, "up", nil))
	assert.Contains(t, out.String(), "applied successfully")
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, path, "down", nil))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, path, "force", []string{"2"}))
	assert.Contains(t, out.String(), "Forced version to 2")

	tests := []struct {
		name   string
		action string
		args   []string
		want   string
	}{
		{"unknown action", "sideways", nil, "unknown migrate action"},
		{"force without version", "force", nil, "usage"},
		{"force with junk", "force", []string{"abc"}, "invalid version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RunMigrateCommand(&bytes.Buffer{}, path, tt.action, tt.args)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
