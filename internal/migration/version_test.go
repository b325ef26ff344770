package migration

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLatestMigrationVersion(t *testing.T) {
	version, err := LatestMigrationVersion()
	require.NoError(t, err)
	require.Equal(t, uint(2), version)
}

func TestParseMigrationVersion(t *testing.T) {
	v, ok := parseMigrationVersion("0001_init.up.sql")
	require.True(t, ok)
	require.Equal(t, uint(1), v)

	v, ok = parseMigrationVersion("0002_dunning.up.sql")
	require.True(t, ok)
	require.Equal(t, uint(2), v)

	_, ok = parseMigrationVersion("init.up.sql")
	require.False(t, ok)
}
