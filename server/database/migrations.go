package dbops

import (
	"context"
	"strconv"

	"github.com/go-pg/migrations/v8"
	"github.com/go-pg/pg/v10"
	"github.com/pkg/errors"

	// Registers the schema migrations.
	_ "github.com/metalyard/region/server/database/migrations"
)

// Checks if the migrations table exists, i.e. the 'init' command was called.
func Initialized(db *PgDB) bool {
	var n int
	_, err := db.QueryOne(pg.Scan(&n), "SELECT count(*) FROM gopg_migrations")
	return err == nil
}

// Migrates the database version down to 0 and then removes the gopg_migrations
// table.
func Toss(db *PgDB) error {
	if db == nil {
		return errors.New("database is nil")
	}
	if !Initialized(db) {
		return nil
	}
	if _, _, err := Migrate(db, "reset"); err != nil {
		return err
	}
	return db.RunInTransaction(context.Background(), func(tx *pg.Tx) error {
		if _, err := tx.Exec("DROP TABLE IF EXISTS gopg_migrations"); err != nil {
			return errors.Wrap(err, "problem dropping the migrations table")
		}
		if _, err := tx.Exec("DROP SEQUENCE IF EXISTS gopg_migrations_id_seq"); err != nil {
			return errors.Wrap(err, "problem dropping the migrations sequence")
		}
		return nil
	})
}

// Migrates the database. The args specify one of the migration operations
// supported by go-pg/migrations. The "down" operation may be followed by
// the target version. The returned values are the old and the new schema
// version.
func Migrate(db *PgDB, args ...string) (oldVersion, newVersion int64, err error) {
	if len(args) > 0 && args[0] == "up" && !Initialized(db) {
		if oldVersion, newVersion, err = migrations.Run(db, "init"); err != nil {
			return oldVersion, newVersion, errors.Wrapf(err, "problem initiating database")
		}
	}

	// The migrations package only migrates down one step at a time.
	if len(args) > 1 && args[0] == "down" {
		var current int64
		if current, _, err = migrations.Run(db, "version"); err != nil {
			return current, current, errors.Wrapf(err, "problem checking database version")
		}
		target, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return current, current, errors.Wrapf(err, "can't parse %s as database version (expected integer)", args[1])
		}
		if target >= current {
			return current, current, errors.Errorf("can't migrate down, current version %d, want to migrate to %d", current, target)
		}
		newVersion = current
		for v := current; v > target; v-- {
			if _, newVersion, err = migrations.Run(db, "down"); err != nil {
				return current, newVersion, errors.Wrapf(err, "problem migrating database down")
			}
		}
		return current, newVersion, nil
	}

	oldVersion, newVersion, err = migrations.Run(db, args...)
	if err != nil {
		return oldVersion, newVersion, errors.Wrapf(err, "problem migrating database, old: %d, new: %d", oldVersion, newVersion)
	}
	return oldVersion, newVersion, nil
}

// Migrates the database to the latest version. If the migrations are not initialized
// in the database, it also performs initialization step prior to running the
// migration.
func MigrateToLatest(db *PgDB) (oldVersion, newVersion int64, err error) {
	return Migrate(db, "up")
}

// Checks what is the highest available schema version.
func AvailableVersion() int64 {
	if registered := migrations.RegisteredMigrations(); len(registered) > 0 {
		return registered[len(registered)-1].Version
	}
	return 0
}

// Returns current schema version.
func CurrentVersion(db *PgDB) (int64, error) {
	return migrations.Version(db)
}
