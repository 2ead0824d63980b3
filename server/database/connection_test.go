package dbops_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
	dbtest "github.com/metalyard/region/server/database/test"
)

// Test that the store is migrated to the latest schema version. The test
// is skipped without a database server.
func TestPgStoreMigrated(t *testing.T) {
	db := dbtest.SetupPgTestCase(t)

	version, err := dbops.CurrentVersion(db.Conn())
	require.NoError(t, err)
	require.Equal(t, dbops.AvailableVersion(), version)
}

// Test that the changes are committed only when the transaction
// function succeeds.
func TestPgStoreTransaction(t *testing.T) {
	db := dbtest.SetupPgTestCase(t)
	ctx := context.Background()

	require.NoError(t, db.Transaction(ctx, dbmodel.InitializeSettings))

	err := db.Transaction(ctx, func(tx dbops.Tx) error {
		if err := dbmodel.SetSettingInt(tx, dbmodel.SettingPodRefreshInterval, 60); err != nil {
			return err
		}
		return errors.New("rollback")
	})
	require.EqualError(t, err, "rollback")

	err = db.Transaction(ctx, func(tx dbops.Tx) error {
		interval, err := dbmodel.GetSettingInt(tx, dbmodel.SettingPodRefreshInterval)
		require.NoError(t, err)
		require.EqualValues(t, 300, interval)
		return dbmodel.SetSettingInt(tx, dbmodel.SettingPodRefreshInterval, 120)
	})
	require.NoError(t, err)

	err = db.Transaction(ctx, func(tx dbops.Tx) error {
		interval, err := dbmodel.GetSettingInt(tx, dbmodel.SettingPodRefreshInterval)
		require.NoError(t, err)
		require.EqualValues(t, 120, interval)
		return nil
	})
	require.NoError(t, err)
}
