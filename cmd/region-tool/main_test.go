package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/metalyard/region"
	"github.com/metalyard/region/drivers"
	"github.com/metalyard/region/pki"
	dbmodel "github.com/metalyard/region/server/database/model"
	dbtest "github.com/metalyard/region/server/database/test"
)

// Runs the tool with the output captured.
func runTool(t *testing.T, args ...string) (string, error) {
	app := setupApp()
	var output bytes.Buffer
	app.Writer = &output
	app.ErrWriter = &output
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"region-tool"}, args...))
	return output.String(), err
}

// Test that the help lists the database commands.
func TestMainHelp(t *testing.T) {
	output, err := runTool(t, "-h")
	require.NoError(t, err)
	for _, fragment := range []string{
		"region-tool", "--version", "--help", "db-create", "db-password-gen",
		"db-init", "db-up", "db-down", "db-reset", "db-version", "db-set-version",
		"pod-add",
	} {
		require.Contains(t, output, fragment)
	}
}

// Test that the version is printed.
func TestMainVersion(t *testing.T) {
	output, err := runTool(t, "-v")
	require.NoError(t, err)
	require.Contains(t, output, region.Version)
}

// Test that the migration commands describe the connection flags.
func TestDBOptsHelp(t *testing.T) {
	for _, command := range []string{"db-init", "db-up", "db-down", "db-reset", "db-version", "db-set-version", "db-create"} {
		t.Run(command, func(t *testing.T) {
			output, err := runTool(t, command, "-h")
			require.NoError(t, err)
			for _, flag := range []string{"--db-name", "--db-user", "--db-password", "--db-host", "--db-port", "--db-sslmode"} {
				require.Contains(t, output, flag)
			}
		})
	}
}

// Test that the database settings are read from the flags.
func TestGetDatabaseSettings(t *testing.T) {
	app := &cli.App{
		Flags: databaseFlags(),
		Action: func(c *cli.Context) error {
			settings := getDatabaseSettings(c)
			require.Equal(t, "maas", settings.DBName)
			require.Equal(t, "region", settings.User)
			require.Equal(t, "db.example.org", settings.Host)
			require.Equal(t, 6543, settings.Port)
			require.Equal(t, "require", settings.SSLMode)
			require.True(t, settings.TraceSQL)
			return nil
		},
	}
	err := app.Run([]string{"test", "--db-name", "maas", "--db-host", "db.example.org", "-p", "6543", "--db-sslmode", "require", "--db-trace-queries"})
	require.NoError(t, err)
}

// Test that setting the version requires the target version.
func TestSetVersionRequiresVersion(t *testing.T) {
	_, err := runTool(t, "db-set-version")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--version/-t")
}

// Test that the password is generated without the database.
func TestDBPasswordGen(t *testing.T) {
	_, err := runTool(t, "db-password-gen")
	require.NoError(t, err)
}

// Test that the certificates are generated and signed by the CA.
func TestCertGen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	_, err := runTool(t, "cert-gen", "-o", dir, "-n", "rack01.example.org", "-i", "10.0.0.2")
	require.NoError(t, err)

	caPEM, err := os.ReadFile(filepath.Join(dir, "ca-cert.pem"))
	require.NoError(t, err)
	ca, err := pki.ParseCert(caPEM)
	require.NoError(t, err)

	agentPEM, err := os.ReadFile(filepath.Join(dir, "agent-cert.pem"))
	require.NoError(t, err)
	agentCert, err := pki.ParseCert(agentPEM)
	require.NoError(t, err)
	require.NoError(t, agentCert.CheckSignatureFrom(ca))
	require.Equal(t, []string{"rack01.example.org"}, agentCert.DNSNames)
	require.Equal(t, "10.0.0.2", agentCert.IPAddresses[0].String())

	_, err = tls.LoadX509KeyPair(filepath.Join(dir, "region-cert.pem"), filepath.Join(dir, "region-key.pem"))
	require.NoError(t, err)

	// The existing files are kept.
	_, err = runTool(t, "cert-gen", "-o", dir, "-n", "rack01.example.org")
	require.Error(t, err)
}

// Test that an invalid agent address is rejected.
func TestCertGenInvalidIP(t *testing.T) {
	_, err := runTool(t, "cert-gen", "-o", t.TempDir(), "-n", "rack01", "-i", "10.0.0")
	require.ErrorContains(t, err, "invalid agent IP address")
}

// Test that the pod is added with the power parameters validated and
// partitioned by the schema of its driver.
func TestPodAdd(t *testing.T) {
	db := dbtest.NewMemoryDB(t)
	registry := drivers.Default()
	ctx := context.Background()

	p, err := addPod(ctx, db, registry, "pod1", "lxd", []string{
		"power_address=10.0.0.1:8443",
		"password=secret",
		"instance_name=vm1",
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotZero(t, p.ID)
	require.Equal(t, "10.0.0.1", p.IPAddress)
	require.Equal(t, "default", p.PowerParameters["project"])
	require.NotContains(t, p.PowerParameters, "instance_name")

	_, err = addPod(ctx, db, registry, "pod2", "lxd", []string{"password=secret"})
	var validationErr *dbmodel.ValidationError
	require.ErrorAs(t, err, &validationErr)

	_, err = addPod(ctx, db, registry, "pod3", "unknown", []string{"power_address=10.0.0.2"})
	require.Error(t, err)

	_, err = addPod(ctx, db, registry, "pod4", "lxd", []string{"power_address"})
	require.ErrorContains(t, err, "expected key=value")
}

// Test that the pod name is required.
func TestPodAddRequiresName(t *testing.T) {
	_, err := runTool(t, "pod-add", "-P", "power_address=10.0.0.1")
	require.ErrorContains(t, err, "name")
}
