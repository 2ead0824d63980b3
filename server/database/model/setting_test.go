package dbmodel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	dbops "github.com/metalyard/region/server/database"
	dbtest "github.com/metalyard/region/server/database/test"
)

// Creates an in-memory store with the default settings.
func newTestDB(t *testing.T) dbops.DB {
	db := dbtest.NewMemoryDB(t)
	runTx(t, db, InitializeSettings)
	return db
}

// Runs the function in a transaction and requires it to succeed.
func runTx(t *testing.T, db dbops.DB, fn func(tx dbops.Tx) error) {
	t.Helper()
	require.NoError(t, db.Transaction(context.Background(), fn))
}

// Test that the default settings are inserted and have proper types.
func TestInitializeSettings(t *testing.T) {
	db := newTestDB(t)

	runTx(t, db, func(tx dbops.Tx) error {
		interval, err := GetSettingInt(tx, SettingPodRefreshInterval)
		require.NoError(t, err)
		require.EqualValues(t, 300, interval)

		domain, err := GetSettingStr(tx, SettingDefaultDomain)
		require.NoError(t, err)
		require.Equal(t, "maas", domain)

		key, err := GetSettingPasswd(tx, SettingOMAPIKey)
		require.NoError(t, err)
		require.Empty(t, key)

		// Wrong type.
		_, err = GetSettingInt(tx, SettingDefaultDomain)
		require.Error(t, err)
		return nil
	})
}

// Test that initializing the settings again keeps the modified values.
func TestInitializeSettingsKeepsValues(t *testing.T) {
	db := newTestDB(t)

	runTx(t, db, func(tx dbops.Tx) error {
		return SetSettingStr(tx, SettingNTPServers, "ntp.example.org")
	})
	runTx(t, db, InitializeSettings)
	runTx(t, db, func(tx dbops.Tx) error {
		servers, err := GetSettingStr(tx, SettingNTPServers)
		require.NoError(t, err)
		require.Equal(t, "ntp.example.org", servers)
		return nil
	})
}

// Test setting values of various types.
func TestSetSettings(t *testing.T) {
	db := newTestDB(t)

	runTx(t, db, func(tx dbops.Tx) error {
		require.NoError(t, SetSettingInt(tx, SettingPodRefreshInterval, 60))
		require.NoError(t, SetSettingBool(tx, "enable_feature", true))
		require.NoError(t, SetSettingPasswd(tx, SettingOMAPIKey, "secret"))

		interval, err := GetSettingInt(tx, SettingPodRefreshInterval)
		require.NoError(t, err)
		require.EqualValues(t, 60, interval)

		enabled, err := GetSettingBool(tx, "enable_feature")
		require.NoError(t, err)
		require.True(t, enabled)

		key, err := GetSettingPasswd(tx, SettingOMAPIKey)
		require.NoError(t, err)
		require.Equal(t, "secret", key)

		// The type of an existing setting cannot change.
		require.Error(t, SetSettingStr(tx, SettingPodRefreshInterval, "x"))

		_, err = GetSetting(tx, "unknown")
		require.ErrorIs(t, err, dbops.ErrNotFound)
		return nil
	})
}
