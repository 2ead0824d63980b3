package server

import (
	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/metalyard/region/server/agentcomm"
	dbops "github.com/metalyard/region/server/database"
	regionutil "github.com/metalyard/region/util"
)

// The passed command to the server by the CLI.
type Command string

// Valid commands supported by the region server.
const (
	// None command provided.
	NoneCommand Command = "none"
	// Run the server.
	RunCommand Command = "run"
	// Show help message.
	HelpCommand Command = "help"
	// Show version.
	VersionCommand Command = "version"
)

// Read environment file settings. It's parsed before the main settings.
type EnvironmentFileSettings struct {
	EnvFile    string `long:"env-file" description:"Environment file location; applicable only if the use-env-file is provided" default:"/etc/region/server.env"`
	UseEnvFile bool   `long:"use-env-file" description:"Read the environment variables from the environment file"`
}

// General server settings.
type GeneralSettings struct {
	EnvironmentFileSettings
	Version     bool   `short:"v" long:"version" description:"Show software version"`
	LogLevel    string `long:"log-level" description:"The logging level" choice:"debug" choice:"info" choice:"warn" choice:"error" env:"REGION_LOG_LEVEL" default:"info"`
	DHCPConnect string `long:"dhcp-connect" description:"Send the generated DHCP configuration to the rack controllers" choice:"true" choice:"false" env:"REGION_DHCP_CONNECT" default:"true"`
}

// Checks if the DHCP configuration is sent to the racks.
func (s *GeneralSettings) DHCPConnectEnabled() bool {
	return s.DHCPConnect != "false"
}

// Settings of the Prometheus endpoint.
type MetricsSettings struct {
	EnableMetricsEndpoint bool   `short:"m" long:"metrics" description:"Enable Prometheus /metrics endpoint (no auth)" env:"REGION_ENABLE_METRICS"`
	Host                  string `long:"metrics-host" description:"The IP or hostname to listen on for the metrics requests" env:"REGION_METRICS_HOST" default:"localhost"`
	Port                  int    `long:"metrics-port" description:"The TCP port to listen on for the metrics requests" env:"REGION_METRICS_PORT" default:"9150"`
}

// Groups all region settings.
type Settings struct {
	GeneralSettings  *GeneralSettings
	DatabaseSettings *dbops.DatabaseSettings
	RacksSettings    *agentcomm.RacksSettings
	MetricsSettings  *MetricsSettings
}

// Constructs a new settings instance.
// The members must be initialized because the go-flags library requires
// non-empty pointers.
func newSettings() *Settings {
	return &Settings{
		GeneralSettings:  &GeneralSettings{},
		DatabaseSettings: &dbops.DatabaseSettings{},
		RacksSettings:    &agentcomm.RacksSettings{},
		MetricsSettings:  &MetricsSettings{},
	}
}

// Region server specific CLI arguments/flags parser.
type CLIParser struct {
	shortDescription string
	longDescription  string
}

// Constructs CLI parser.
func NewCLIParser() *CLIParser {
	return &CLIParser{
		shortDescription: "Region Server",
		longDescription: `Region Server manages the DHCP configuration of the rack controllers
and the machines hosted by the registered pods.`,
	}
}

// Parses the command line arguments. First, it parses the settings
// related to an environment file and if the file is provided, the content
// is loaded into the process environment. Next, it parses all flags.
func (p *CLIParser) Parse(args []string) (command Command, settings *Settings, err error) {
	envFileSettings, err := p.parseEnvironmentFileSettings(args)
	if err != nil {
		return NoneCommand, nil, err
	}

	if err = p.loadEnvironmentFile(envFileSettings); err != nil {
		return NoneCommand, nil, err
	}

	settings, err = p.parseSettings(args)
	if err != nil {
		if isHelpRequest(err) {
			return HelpCommand, nil, nil
		}
		return NoneCommand, nil, err
	}

	if settings.GeneralSettings.Version {
		return VersionCommand, nil, nil
	}

	return RunCommand, settings, nil
}

// Check if a given error is a request to display the help.
func isHelpRequest(err error) bool {
	var flagsError *flags.Error
	if errors.As(err, &flagsError) {
		if flagsError.Type == flags.ErrHelp {
			return true
		}
	}
	return false
}

// Parses the CLI flags related to the environment file.
func (p *CLIParser) parseEnvironmentFileSettings(args []string) (*EnvironmentFileSettings, error) {
	envFileSettings := &EnvironmentFileSettings{}
	parser := flags.NewParser(envFileSettings, flags.IgnoreUnknown)
	parser.ShortDescription = p.shortDescription
	parser.LongDescription = p.longDescription

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, errors.Wrap(err, "invalid CLI argument")
	}
	return envFileSettings, nil
}

// Loads the environment file content to the environment of the current
// process.
func (p *CLIParser) loadEnvironmentFile(envFileSettings *EnvironmentFileSettings) error {
	if !envFileSettings.UseEnvFile {
		return nil
	}

	err := regionutil.LoadEnvironmentFileToSetter(
		envFileSettings.EnvFile,
		regionutil.NewProcessEnvironmentVariableSetter(),
	)
	if err != nil {
		return errors.WithMessagef(err, "invalid environment file: '%s'", envFileSettings.EnvFile)
	}
	return nil
}

// Parses all CLI flags.
func (p *CLIParser) parseSettings(args []string) (*Settings, error) {
	settings := newSettings()

	parser := flags.NewParser(settings.GeneralSettings, flags.Default)
	parser.ShortDescription = p.shortDescription
	parser.LongDescription = p.longDescription

	if _, err := parser.AddGroup("Database Connection Flags", "", settings.DatabaseSettings); err != nil {
		return nil, errors.Wrap(err, "cannot add the database group")
	}
	if _, err := parser.AddGroup("Rack Agents Communication Flags", "", settings.RacksSettings); err != nil {
		return nil, errors.Wrap(err, "cannot add the rack agents group")
	}
	if _, err := parser.AddGroup("Metrics Endpoint Flags", "", settings.MetricsSettings); err != nil {
		return nil, errors.Wrap(err, "cannot add the metrics group")
	}

	if _, err := parser.ParseArgs(args); err != nil {
		if isHelpRequest(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "cannot parse the CLI flags")
	}
	return settings, nil
}
