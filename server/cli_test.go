package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Removes the variables from the environment for the duration of the
// test.
func unsetenv(t *testing.T, keys ...string) {
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

// Test that the CLI parser is constructed properly.
func TestNewCLIParser(t *testing.T) {
	parser := NewCLIParser()
	require.NotNil(t, parser)
}

// Test that the defaults are used when no flags are given.
func TestParseDefaults(t *testing.T) {
	unsetenv(t, "REGION_DB_NAME", "REGION_DB_PORT", "REGION_LOG_LEVEL", "REGION_DHCP_CONNECT", "REGION_ENABLE_METRICS", "REGION_METRICS_PORT")
	command, settings, err := NewCLIParser().Parse([]string{})
	require.NoError(t, err)
	require.Equal(t, RunCommand, command)
	require.Equal(t, "region", settings.DatabaseSettings.DBName)
	require.Equal(t, 5432, settings.DatabaseSettings.Port)
	require.Equal(t, "info", settings.GeneralSettings.LogLevel)
	require.True(t, settings.GeneralSettings.DHCPConnectEnabled())
	require.False(t, settings.MetricsSettings.EnableMetricsEndpoint)
	require.Equal(t, 9150, settings.MetricsSettings.Port)
}

// Test that the flags are parsed into the groups.
func TestParseFlags(t *testing.T) {
	command, settings, err := NewCLIParser().Parse([]string{
		"-m", "--metrics-port", "9999",
		"--db-name", "maasdb", "--db-host", "dbhost", "--db-in-memory",
		"--agent-ca-cert", "ca.pem", "--agent-call-timeout", "30s",
		"--dhcp-connect", "false",
		"--log-level", "debug",
	})
	require.NoError(t, err)
	require.Equal(t, RunCommand, command)
	require.True(t, settings.MetricsSettings.EnableMetricsEndpoint)
	require.Equal(t, 9999, settings.MetricsSettings.Port)
	require.Equal(t, "maasdb", settings.DatabaseSettings.DBName)
	require.Equal(t, "dbhost", settings.DatabaseSettings.Host)
	require.True(t, settings.DatabaseSettings.InMemory)
	require.Equal(t, "ca.pem", settings.RacksSettings.CACertFile)
	require.EqualValues(t, 30_000_000_000, settings.RacksSettings.CallTimeout)
	require.False(t, settings.GeneralSettings.DHCPConnectEnabled())
	require.Equal(t, "debug", settings.GeneralSettings.LogLevel)
}

// Test the help and version requests.
func TestParseHelpAndVersion(t *testing.T) {
	for _, arg := range []string{"-v", "--version"} {
		command, settings, err := NewCLIParser().Parse([]string{arg})
		require.NoError(t, err)
		require.Equal(t, VersionCommand, command)
		require.Nil(t, settings)
	}

	// The help is printed to the standard output.
	stdout := os.Stdout
	devNull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer devNull.Close()
	os.Stdout = devNull
	command, settings, err := NewCLIParser().Parse([]string{"-h"})
	os.Stdout = stdout
	require.NoError(t, err)
	require.Equal(t, HelpCommand, command)
	require.Nil(t, settings)
}

// Test that the environment variables from the environment file are loaded
// and parsed by the CLI parser.
func TestEnvironmentFileIsLoaded(t *testing.T) {
	unsetenv(t, "REGION_DB_HOST", "REGION_METRICS_HOST")
	envPath := filepath.Join(t.TempDir(), "server.env")
	require.NoError(t, os.WriteFile(envPath, []byte("REGION_DB_HOST=foo\nREGION_METRICS_HOST=bar\n"), 0o600))

	command, settings, err := NewCLIParser().Parse([]string{"--use-env-file", "--env-file", envPath})
	require.NoError(t, err)
	require.Equal(t, RunCommand, command)
	require.Equal(t, "foo", settings.DatabaseSettings.Host)
	require.Equal(t, "bar", settings.MetricsSettings.Host)
}

// Test that the CLI arguments take precedence over the environment file
// and that the environment file overrides the environment variables.
func TestParseArgsFromMultipleSources(t *testing.T) {
	t.Setenv("REGION_DB_HOST", "database-host-envvar")
	t.Setenv("REGION_DB_NAME", "database-name-envvar")
	t.Setenv("REGION_METRICS_HOST", "metrics-host-envvar")

	envPath := filepath.Join(t.TempDir(), "server.env")
	require.NoError(t, os.WriteFile(envPath, []byte("REGION_DB_NAME=database-name-envfile\nREGION_METRICS_HOST=metrics-host-envfile\n"), 0o600))

	_, settings, err := NewCLIParser().Parse([]string{
		"--metrics-host", "metrics-host-cli",
		"--use-env-file",
		"--env-file", envPath,
	})
	require.NoError(t, err)
	require.Equal(t, "database-host-envvar", settings.DatabaseSettings.Host)
	require.Equal(t, "database-name-envfile", settings.DatabaseSettings.DBName)
	require.Equal(t, "metrics-host-cli", settings.MetricsSettings.Host)
}

// Test that the parser rejects the unknown flags and the invalid choices.
func TestCLIParserRejectsWrongCLIArguments(t *testing.T) {
	for _, args := range [][]string{
		{"--foo-bar-baz"},
		{"--dhcp-connect", "maybe"},
		{"--use-env-file", "--env-file", filepath.Join(t.TempDir(), "missing.env")},
	} {
		command, settings, err := NewCLIParser().Parse(args)
		require.Error(t, err, args)
		require.Nil(t, settings)
		require.Equal(t, NoneCommand, command)
	}
}
