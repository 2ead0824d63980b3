package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/metalyard/region"
	"github.com/metalyard/region/drivers"
	"github.com/metalyard/region/pki"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
	regionutil "github.com/metalyard/region/util"
)

// Random hash size in the generated password.
const passwordGenRandomLength = 24

// Returns the flags selecting the database and the credentials.
func databaseFlags() []cli.Flag {
	defaults := dbops.NewDatabaseSettings()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "db-name",
			Usage:   "The name of the database to connect to",
			Aliases: []string{"d"},
			EnvVars: []string{"REGION_DB_NAME"},
			Value:   defaults.DBName,
		},
		&cli.StringFlag{
			Name:    "db-user",
			Usage:   "The user name to be used for database connections",
			Aliases: []string{"u"},
			EnvVars: []string{"REGION_DB_USER"},
			Value:   defaults.User,
		},
		&cli.StringFlag{
			Name:    "db-password",
			Usage:   "The database password; it is prompted for when not provided",
			EnvVars: []string{"REGION_DB_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "db-host",
			Usage:   "The name of the host where the database is available",
			EnvVars: []string{"REGION_DB_HOST"},
			Value:   defaults.Host,
		},
		&cli.IntFlag{
			Name:    "db-port",
			Usage:   "The port on which the database is available",
			Aliases: []string{"p"},
			EnvVars: []string{"REGION_DB_PORT"},
			Value:   defaults.Port,
		},
		&cli.StringFlag{
			Name:    "db-sslmode",
			Usage:   "The SSL mode for connecting to the database: disable, require, verify-ca or verify-full",
			EnvVars: []string{"REGION_DB_SSLMODE"},
			Value:   defaults.SSLMode,
		},
		&cli.StringFlag{
			Name:    "db-sslcert",
			Usage:   "The location of the SSL certificate used to connect to the database",
			EnvVars: []string{"REGION_DB_SSLCERT"},
		},
		&cli.StringFlag{
			Name:    "db-sslkey",
			Usage:   "The location of the SSL key used to connect to the database",
			EnvVars: []string{"REGION_DB_SSLKEY"},
		},
		&cli.StringFlag{
			Name:    "db-sslrootcert",
			Usage:   "The location of the root certificate used to verify the database server's certificate",
			EnvVars: []string{"REGION_DB_SSLROOTCERT"},
		},
		&cli.BoolFlag{
			Name:    "db-trace-queries",
			Usage:   "Log SQL queries sent to the database",
			EnvVars: []string{"REGION_DB_TRACE"},
		},
	}
}

// Reads the database settings from the command line.
func getDatabaseSettings(c *cli.Context) *dbops.DatabaseSettings {
	return &dbops.DatabaseSettings{
		DBName:      c.String("db-name"),
		User:        c.String("db-user"),
		Password:    c.String("db-password"),
		Host:        c.String("db-host"),
		Port:        c.Int("db-port"),
		SSLMode:     c.String("db-sslmode"),
		SSLCert:     c.String("db-sslcert"),
		SSLKey:      c.String("db-sslkey"),
		SSLRootCert: c.String("db-sslrootcert"),
		TraceSQL:    c.Bool("db-trace-queries"),
	}
}

// Establish connection to a database with opts from command line.
// Returns the database instance. It must be closed by caller.
func getDBConn(c *cli.Context) (*dbops.PgDB, error) {
	settings := getDatabaseSettings(c)
	if err := dbops.Password(settings); err != nil {
		return nil, err
	}
	return dbops.NewPgDBConn(settings)
}

// Execute db-create command. It connects to the maintenance database
// and creates the region database and the user accessing it with the
// given or generated password.
func runDBCreate(c *cli.Context) error {
	settings := getDatabaseSettings(c)
	logFields := log.Fields{
		"database_name": settings.DBName,
		"user":          settings.User,
	}

	password := c.String("new-password")
	if password == "" {
		var err error
		password, err = regionutil.Base64Random(passwordGenRandomLength)
		if err != nil {
			return err
		}
		// Only the generated password is logged.
		logFields["password"] = password
	}

	maintenance := *settings
	maintenance.DBName = c.String("db-maintenance-name")
	maintenance.User = c.String("db-maintenance-user")
	if err := dbops.Password(&maintenance); err != nil {
		return err
	}
	db, err := dbops.NewPgDBConn(&maintenance)
	if err != nil {
		return err
	}
	defer db.Close()

	if c.Bool("force") {
		if err := dbops.DropDatabaseIfExists(db, settings.DBName); err != nil {
			return err
		}
	}
	created, err := dbops.CreateDatabase(db, settings.DBName, "")
	if err != nil {
		return err
	}
	if !created {
		log.WithFields(logFields).Info("Database already exists")
	}
	if err := dbops.CreateUserForDatabase(db, settings.DBName, settings.User, password); err != nil {
		return err
	}
	log.WithFields(logFields).Info("Created database and user for the region with the following credentials")
	return nil
}

// Execute db-password-gen command.
func runDBPasswordGen() error {
	password, err := regionutil.Base64Random(passwordGenRandomLength)
	if err != nil {
		return err
	}
	log.WithField("password", password).Info("Generated new database password")
	return nil
}

// Execute DB migration command. The up and down commands accept an
// optional target version, set_version requires one.
func runDBMigrate(c *cli.Context, command, version string) error {
	args := []string{command}
	switch command {
	case "up", "down":
		if version != "" {
			args = append(args, version)
			log.Infof("Requested migration %s to version %s", command, version)
		}
	case "set_version":
		if version == "" {
			return cli.Exit("Flag --version/-t is missing but required", 1)
		}
		args = append(args, version)
		log.Infof("Requested setting version to %s", version)
	}

	db, err := getDBConn(c)
	if err != nil {
		return err
	}
	defer db.Close()

	oldVersion, newVersion, err := dbops.Migrate(db, args...)
	if err == nil && newVersion == 0 {
		// Init doesn't fetch the version.
		newVersion, err = dbops.CurrentVersion(db)
		oldVersion = newVersion
	}
	if err != nil {
		return err
	}

	availVersion := dbops.AvailableVersion()
	switch {
	case newVersion != oldVersion:
		log.Infof("Migrated database from version %d to %d", oldVersion, newVersion)
	case newVersion == 0:
		log.Info("Database schema is empty (version 0)")
	case availVersion == oldVersion:
		log.Infof("Database version is %d (up-to-date)", oldVersion)
	default:
		log.Infof("Database version is %d (new version %d available)", oldVersion, availVersion)
	}
	return nil
}

// Parses the power parameters given as key=value pairs.
func parsePowerParameters(pairs []string) (map[string]any, error) {
	params := map[string]any{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Errorf("invalid power parameter %q, expected key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

// Adds the pod with the power parameters validated and partitioned by the
// settings schema of its driver.
func addPod(ctx context.Context, db dbops.DB, registry *drivers.Registry, name, powerType string, pairs []string) (*dbmodel.Pod, error) {
	driver, err := registry.Get(powerType)
	if err != nil {
		return nil, err
	}
	params, err := parsePowerParameters(pairs)
	if err != nil {
		return nil, err
	}
	schema := driver.Settings()
	var p *dbmodel.Pod
	err = db.Transaction(ctx, func(tx dbops.Tx) (err error) {
		p, err = dbmodel.AddPod(tx, name, powerType, params, &schema)
		return err
	})
	return p, err
}

// Execute pod-add command. The pod is discovered by the region server on
// its next refresh.
func runPodAdd(c *cli.Context) error {
	settings := getDatabaseSettings(c)
	if err := dbops.Password(settings); err != nil {
		return err
	}
	db, err := dbops.NewPgDB(settings)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := addPod(c.Context, db, drivers.Default(), c.String("name"), c.String("type"), c.StringSlice("param"))
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"id":      p.ID,
		"name":    p.Name,
		"address": p.IPAddress,
	}).Info("Added pod; it is discovered on the next refresh")
	return nil
}

// Execute cert-gen command. It generates the CA and the certificates
// securing the communication between the region and the rack agents.
// The existing files are not overwritten.
func runCertGen(c *cli.Context) error {
	dir := c.String("dir")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "cannot create directory %s", dir)
	}

	var agentIPs []net.IP
	for _, value := range c.StringSlice("agent-ip") {
		ip := net.ParseIP(value)
		if ip == nil {
			return errors.Errorf("invalid agent IP address: %s", value)
		}
		agentIPs = append(agentIPs, ip)
	}

	caKey, caKeyPEM, caCert, caCertPEM, err := pki.GenCAKeyCert(1)
	if err != nil {
		return err
	}
	agentCertPEM, agentKeyPEM, err := pki.GenKeyCert("agent", c.StringSlice("agent-name"), agentIPs, 2,
		caCert, caKey, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return errors.WithMessage(err, "problem generating agent certificate")
	}
	regionCertPEM, regionKeyPEM, err := pki.GenKeyCert("region", []string{c.String("region-name")}, nil, 3,
		caCert, caKey, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return errors.WithMessage(err, "problem generating region certificate")
	}

	files := []struct {
		name    string
		content []byte
	}{
		{"ca-key.pem", caKeyPEM},
		{"ca-cert.pem", caCertPEM},
		{"agent-key.pem", agentKeyPEM},
		{"agent-cert.pem", agentCertPEM},
		{"region-key.pem", regionKeyPEM},
		{"region-cert.pem", regionCertPEM},
	}
	for _, file := range files {
		path := filepath.Join(dir, file.name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return errors.Wrapf(err, "cannot create %s", path)
		}
		_, err = f.Write(file.content)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return errors.Wrapf(err, "cannot write %s", path)
		}
	}
	log.WithField("dir", dir).Info("Generated the CA and the certificates of the region and the agents")
	return nil
}

// Prepare urfave cli app with all flags and commands defined.
func setupApp() *cli.App {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintln(c.App.Writer, c.App.Version)
	}

	dbFlags := databaseFlags()

	dbCreateFlags := append(databaseFlags(),
		&cli.StringFlag{
			Name:    "db-maintenance-name",
			Usage:   "The existing maintenance database used to create the region database",
			Aliases: []string{"m"},
			EnvVars: []string{"REGION_DB_MAINTENANCE_NAME"},
			Value:   "postgres",
		},
		&cli.StringFlag{
			Name:    "db-maintenance-user",
			Usage:   "The user with privileges to create the database",
			Aliases: []string{"a"},
			EnvVars: []string{"REGION_DB_MAINTENANCE_USER"},
			Value:   "postgres",
		},
		&cli.StringFlag{
			Name:    "new-password",
			Usage:   "The password of the created user; it is generated when not provided",
			EnvVars: []string{"REGION_TOOL_NEW_PASSWORD"},
		},
		&cli.BoolFlag{
			Name:    "force",
			Usage:   "Recreate the database if it exists",
			Aliases: []string{"f"},
		},
	)

	dbVerFlags := append(databaseFlags(),
		&cli.StringFlag{
			Name:    "version",
			Usage:   "Target database schema version (optional)",
			Aliases: []string{"t"},
			EnvVars: []string{"REGION_TOOL_DB_VERSION"},
		})

	certGenFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "dir",
			Usage:   "The directory where the keys and the certificates are written",
			Aliases: []string{"o"},
			EnvVars: []string{"REGION_TOOL_CERT_DIR"},
			Value:   "/etc/region/certs",
		},
		&cli.StringSliceFlag{
			Name:     "agent-name",
			Usage:    "The DNS name of the rack agent put in its certificate; it can be repeated",
			Required: true,
			Aliases:  []string{"n"},
			EnvVars:  []string{"REGION_TOOL_AGENT_NAME"},
		},
		&cli.StringSliceFlag{
			Name:    "agent-ip",
			Usage:   "The IP address of the rack agent put in its certificate; it can be repeated",
			Aliases: []string{"i"},
			EnvVars: []string{"REGION_TOOL_AGENT_IP"},
		},
		&cli.StringFlag{
			Name:    "region-name",
			Usage:   "The name put in the certificate of the region",
			EnvVars: []string{"REGION_TOOL_REGION_NAME"},
			Value:   "region",
		},
	}

	podAddFlags := append(databaseFlags(),
		&cli.StringFlag{
			Name:     "name",
			Usage:    "The name of the pod",
			Required: true,
			Aliases:  []string{"n"},
		},
		&cli.StringFlag{
			Name:    "type",
			Usage:   "The power type of the pod selecting its driver",
			Aliases: []string{"T"},
			Value:   "lxd",
		},
		&cli.StringSliceFlag{
			Name:    "param",
			Usage:   "The power parameter of the pod as key=value; it can be repeated",
			Aliases: []string{"P"},
		},
	)

	cli.HelpFlag = &cli.BoolFlag{
		Name:    "help",
		Aliases: []string{"h"},
		Usage:   "Show help",
	}

	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "Print the version",
	}

	migrate := func(command string) cli.ActionFunc {
		return func(c *cli.Context) error {
			return runDBMigrate(c, command, c.String("version"))
		}
	}

	app := &cli.App{
		Name:  "Region Tool",
		Usage: "A tool for managing the region database.",
		Description: `The tool creates the database used by the region server and the user
   accessing it, migrates the database schema and generates the certificates
   securing the communication with the rack agents.`,
		Version:  region.Version,
		HelpName: "region-tool",
		Commands: []*cli.Command{
			{
				Name:      "db-create",
				Usage:     "Create new region database",
				UsageText: "region-tool db-create [options for db creation] -f",
				Flags:     dbCreateFlags,
				Category:  "Database Creation",
				Action:    runDBCreate,
			},
			{
				Name:      "db-password-gen",
				Usage:     "Generate random region database password",
				UsageText: "region-tool db-password-gen",
				Category:  "Database Creation",
				Action: func(c *cli.Context) error {
					return runDBPasswordGen()
				},
			},
			{
				Name:      "db-init",
				Usage:     "Create schema versioning table in the database",
				UsageText: "region-tool db-init [options for db connection]",
				Flags:     dbFlags,
				Category:  "Database Migration",
				Action:    migrate("init"),
			},
			{
				Name:      "db-up",
				Usage:     "Run all available migrations or use -t to specify version",
				UsageText: "region-tool db-up [options for db connection] [-t version]",
				Flags:     dbVerFlags,
				Category:  "Database Migration",
				Action:    migrate("up"),
			},
			{
				Name:      "db-down",
				Usage:     "Revert last migration or use -t to specify version to downgrade to",
				UsageText: "region-tool db-down [options for db connection] [-t version]",
				Flags:     dbVerFlags,
				Category:  "Database Migration",
				Action:    migrate("down"),
			},
			{
				Name:      "db-reset",
				Usage:     "Revert all migrations",
				UsageText: "region-tool db-reset [options for db connection]",
				Flags:     dbFlags,
				Category:  "Database Migration",
				Action:    migrate("reset"),
			},
			{
				Name:      "db-version",
				Usage:     "Print current migration version",
				UsageText: "region-tool db-version [options for db connection]",
				Flags:     dbFlags,
				Category:  "Database Migration",
				Action:    migrate("version"),
			},
			{
				Name:      "db-set-version",
				Usage:     "Set database version without running migrations",
				UsageText: "region-tool db-set-version [options for db connection] -t version",
				Flags:     dbVerFlags,
				Category:  "Database Migration",
				Action:    migrate("set_version"),
			},
			{
				Name:      "pod-add",
				Usage:     "Add a pod managed by the region",
				UsageText: "region-tool pod-add [options for db connection] -n name [-T type] -P key=value ...",
				Flags:     podAddFlags,
				Category:  "Pods Management",
				Action:    runPodAdd,
			},
			{
				Name:      "cert-gen",
				Usage:     "Generate the CA and the certificates of the region and the rack agents",
				UsageText: "region-tool cert-gen -n agent-name [-i agent-ip] [-o directory]",
				Flags:     certGenFlags,
				Category:  "Certificates Management",
				Action:    runCertGen,
			},
		},
	}

	return app
}

func main() {
	// Setup logging
	regionutil.SetupLogging("info")
	if level := os.Getenv("REGION_LOG_LEVEL"); level != "" {
		regionutil.SetupLogging(level)
	}

	app := setupApp()
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}
