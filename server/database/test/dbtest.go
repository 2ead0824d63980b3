package dbtest

import (
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/go-pg/pg/v10"
	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"

	dbops "github.com/metalyard/region/server/database"
)

// Creates a fresh in-memory store. The store is released when the test
// finishes.
func NewMemoryDB(t testing.TB) *dbops.MemoryDB {
	db, err := dbops.NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// Reads the database settings for the tests from the REGION_DB_*
// environment. The database name is the prefix of the names of the test
// databases.
func testDatabaseSettings(t testing.TB) *dbops.DatabaseSettings {
	settings := &dbops.DatabaseSettings{}
	_, err := flags.NewParser(settings, flags.IgnoreUnknown).ParseArgs([]string{})
	require.NoError(t, err)
	if os.Getenv("REGION_DB_NAME") == "" {
		settings.DBName = "regiontest"
	}
	if os.Getenv("REGION_DB_USER") == "" {
		settings.User = "regiontest"
	}
	return settings
}

// Checks if the database server answers without the retries done when
// the server connects.
func isReachable(settings *dbops.DatabaseSettings) error {
	opts, err := settings.PgParams()
	if err != nil {
		return err
	}
	db := pg.Connect(opts)
	defer db.Close()
	var n int
	_, err = db.QueryOne(pg.Scan(&n), "SELECT 1")
	return err
}

// Creates a PostgreSQL database for the test and connects to it. The schema is migrated to the latest version. The
// test is skipped when the database server is not reachable. The database
// is dropped when the test finishes.
func SetupPgTestCase(t testing.TB) *dbops.PgStore {
	settings := testDatabaseSettings(t)
	prefix := settings.DBName

	maintenance := *settings
	maintenance.DBName = "postgres"
	if err := isReachable(&maintenance); err != nil {
		t.Skipf("database server is not available: %v", err)
	}
	maintenanceDB, err := dbops.NewPgDBConn(&maintenance)
	require.NoError(t, err)
	defer maintenanceDB.Close()

	dbName := fmt.Sprintf("%s%d", prefix, rand.Int63()) //nolint:gosec
	_, err = dbops.CreateDatabase(maintenanceDB, dbName, "")
	require.NoError(t, err)

	settings.DBName = dbName
	db, err := dbops.NewPgDB(settings)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		cleanupDB, err := dbops.NewPgDBConn(&maintenance)
		if err != nil {
			return
		}
		defer cleanupDB.Close()
		_ = dbops.DropDatabaseIfExists(cleanupDB, dbName)
	})
	return db
}
