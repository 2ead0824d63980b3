package dbops

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Database connection settings. The members carry go-flags tags so the
// structure can be embedded in the command line settings of the server.
type DatabaseSettings struct {
	DBName      string `long:"db-name" description:"The name of the database to connect to" env:"REGION_DB_NAME" default:"region"`
	User        string `long:"db-user" description:"The user name to be used for database connections" env:"REGION_DB_USER" default:"region"`
	Password    string `long:"db-password" description:"The database password to be used for database connections" env:"REGION_DB_PASSWORD"`
	Host        string `long:"db-host" description:"The name of the host where the database is available" env:"REGION_DB_HOST" default:"localhost"`
	Port        int    `long:"db-port" description:"The port on which the database is available" env:"REGION_DB_PORT" default:"5432"`
	SSLMode     string `long:"db-sslmode" description:"The SSL mode for connecting to the database" choice:"disable" choice:"require" choice:"verify-ca" choice:"verify-full" env:"REGION_DB_SSLMODE" default:"disable"`
	SSLCert     string `long:"db-sslcert" description:"The location of the SSL certificate used by the server to connect to the database" env:"REGION_DB_SSLCERT"`
	SSLKey      string `long:"db-sslkey" description:"The location of the SSL key used by the server to connect to the database" env:"REGION_DB_SSLKEY"`
	SSLRootCert string `long:"db-sslrootcert" description:"The location of the root certificate file used to verify the database server's certificate" env:"REGION_DB_SSLROOTCERT"`
	TraceSQL    bool   `long:"db-trace-queries" description:"Log SQL queries sent to the database" env:"REGION_DB_TRACE"`
	InMemory    bool   `long:"db-in-memory" description:"Keep the data in memory instead of the database; the data is lost on shutdown" env:"REGION_DB_IN_MEMORY"`
}

// Alias to pg.Options.
type PgOptions = pg.Options

// Enables singular SQL table names for go-pg ORM.
func init() {
	orm.SetTableNameInflector(func(s string) string {
		return s
	})
}

// Creates new settings with the defaults used by the region.
func NewDatabaseSettings() *DatabaseSettings {
	return &DatabaseSettings{
		DBName:  "region",
		User:    "region",
		Host:    "localhost",
		Port:    5432,
		SSLMode: "disable",
	}
}

// Returns the connection parameters as a list of space separated
// name=value pairs. The password is never included.
func (s *DatabaseSettings) ConnectionParams() string {
	params := []string{
		fmt.Sprintf("dbname='%s'", s.DBName),
		fmt.Sprintf("user='%s'", s.User),
		fmt.Sprintf("host='%s'", s.Host),
		fmt.Sprintf("port=%d", s.Port),
		fmt.Sprintf("sslmode='%s'", s.SSLMode),
	}
	return strings.Join(params, " ")
}

// Converts the settings to go-pg specific options. A host starting with
// a slash is a directory holding the unix socket.
func (s *DatabaseSettings) PgParams() (*PgOptions, error) {
	opts := &PgOptions{
		Database:    s.DBName,
		User:        s.User,
		Password:    s.Password,
		DialTimeout: 5 * time.Second,
	}
	if strings.HasPrefix(s.Host, "/") {
		opts.Network = "unix"
		opts.Addr = fmt.Sprintf("%s/.s.PGSQL.%d", s.Host, s.Port)
	} else {
		opts.Addr = fmt.Sprintf("%s:%d", s.Host, s.Port)
	}
	tlsConfig, err := GetTLSConfig(s.SSLMode, s.Host, s.SSLCert, s.SSLKey, s.SSLRootCert)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsConfig
	return opts, nil
}

// Prompts the user for the database password unless it was already
// provided. Nothing is prompted when the standard input is not a
// terminal.
func Password(settings *DatabaseSettings) error {
	if settings.Password != "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	fmt.Printf("database password: ")
	pass, err := term.ReadPassword(fd)
	fmt.Print("\n")
	if err != nil {
		return errors.Wrap(err, "problem reading database password")
	}
	settings.Password = string(pass)
	return nil
}
