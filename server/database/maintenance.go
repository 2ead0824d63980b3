package dbops

import (
	"github.com/go-pg/pg/v10"
	"github.com/pkg/errors"
)

// Database administration helpers run over a connection to the
// maintenance database, typically "postgres" with a superuser.

// Creates the database. The template may be empty. It returns false
// when the database already exists.
func CreateDatabase(db *PgDB, dbName, templateName string) (created bool, err error) {
	if templateName == "" {
		_, err = db.Exec("CREATE DATABASE ?", pg.Ident(dbName))
	} else {
		_, err = db.Exec("CREATE DATABASE ? TEMPLATE ?", pg.Ident(dbName), pg.Ident(templateName))
	}
	if err != nil {
		var pgErr pg.Error
		if errors.As(err, &pgErr) && pgErr.Field('C') == "42P04" { // duplicate_database
			return false, nil
		}
		return false, errors.Wrapf(err, `problem creating the database "%s"`, dbName)
	}
	return true, nil
}

// Drops the database if it exists.
func DropDatabaseIfExists(db *PgDB, dbName string) error {
	if _, err := db.Exec("DROP DATABASE IF EXISTS ?", pg.Ident(dbName)); err != nil {
		return errors.Wrapf(err, `problem dropping the database "%s"`, dbName)
	}
	return nil
}

// Creates the user with the password unless it exists and grants it all
// privileges on the database. The password of an existing user is
// changed.
func CreateUserForDatabase(db *PgDB, dbName, userName, password string) error {
	var exists int
	if _, err := db.Query(pg.Scan(&exists), "SELECT count(*) FROM pg_roles WHERE rolname = ?", userName); err != nil {
		return errors.Wrapf(err, `problem checking if the user "%s" exists`, userName)
	}
	if exists == 0 {
		if _, err := db.Exec("CREATE USER ?", pg.Ident(userName)); err != nil {
			return errors.Wrapf(err, `problem creating the user "%s"`, userName)
		}
	}
	if _, err := db.Exec("SET password_encryption = 'scram-sha-256'"); err != nil {
		return errors.Wrap(err, "problem setting password encryption")
	}
	if _, err := db.Exec("ALTER USER ? WITH PASSWORD ?", pg.Ident(userName), password); err != nil {
		return errors.Wrapf(err, `problem setting password for user "%s"`, userName)
	}
	if _, err := db.Exec("GRANT ALL PRIVILEGES ON DATABASE ? TO ?", pg.Ident(dbName), pg.Ident(userName)); err != nil {
		return errors.Wrapf(err, `problem granting privileges on database "%s" to user "%s"`, dbName, userName)
	}
	return nil
}
