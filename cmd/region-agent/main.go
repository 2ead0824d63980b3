package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/metalyard/region"
	"github.com/metalyard/region/agent"
	"github.com/metalyard/region/drivers"
	regionutil "github.com/metalyard/region/util"
)

// Returned when the agent received the SIGHUP signal.
type sighupError struct{}

// Returns sighupError error text.
func (e *sighupError) Error() string {
	return "received SIGHUP signal"
}

// Returned when Ctrl-C was pressed to terminate the agent.
type ctrlcError struct{}

// Returns ctrlcError error text.
func (e *ctrlcError) Error() string {
	return "received Ctrl-C signal"
}

// Reads the agent settings from the command line.
func getSettings(c *cli.Context) *agent.Settings {
	return &agent.Settings{
		Host:       c.String("host"),
		Port:       c.Int("port"),
		CertFile:   c.Path("cert"),
		KeyFile:    c.Path("key"),
		CACertFile: c.Path("ca-cert"),
	}
}

// Starts the agent and waits for a signal.
func runAgent(c *cli.Context, reload bool) error {
	if !reload {
		log.Printf("Starting rack agent, version %s, build date %s", region.Version, region.BuildDate)
	}

	rackAgent := agent.NewRackAgent(getSettings(c), drivers.Default())
	if err := rackAgent.Setup(); err != nil {
		return err
	}

	go func() {
		if err := rackAgent.Serve(); err != nil {
			log.Fatalf("Failed to serve the rack agent: %+v", err)
		}
	}()
	defer rackAgent.Shutdown()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)
	sig := <-signals
	switch sig {
	case syscall.SIGHUP:
		log.Info("Reloading rack agent after receiving SIGHUP signal")
		return &sighupError{}
	default:
		log.Infof("Received %s signal", sig)
		return &ctrlcError{}
	}
}

// Prepares the urfave cli app with all flags defined.
func setupApp(reload bool) *cli.App {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintln(c.App.Writer, c.App.Version)
	}

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

	return &cli.App{
		Name:     "Rack Agent",
		Usage:    "Runs the pod drivers on a rack controller on behalf of the region",
		Version:  region.Version,
		HelpName: "region-agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "0.0.0.0",
				Usage:   "The IP or hostname to listen on for incoming region connections",
				EnvVars: []string{"REGION_AGENT_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   5250,
				Usage:   "The TCP port to listen on for incoming region connections",
				EnvVars: []string{"REGION_AGENT_PORT"},
			},
			&cli.PathFlag{
				Name:    "cert",
				Usage:   "The path to the certificate presented to the region; TLS is disabled when it is not set",
				EnvVars: []string{"REGION_AGENT_CERT"},
			},
			&cli.PathFlag{
				Name:    "key",
				Usage:   "The path to the key of the agent certificate",
				EnvVars: []string{"REGION_AGENT_KEY"},
			},
			&cli.PathFlag{
				Name:    "ca-cert",
				Usage:   "The path to the CA certificate verifying the region; client certificates are not required when it is not set",
				EnvVars: []string{"REGION_AGENT_CA_CERT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "The logging level: debug, info, warn or error",
				EnvVars: []string{"REGION_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "use-env-file",
				Usage: "Read the environment variables from the environment file",
			},
			&cli.PathFlag{
				Name:  "env-file",
				Usage: "Environment file location; applicable only if the use-env-file is provided",
				Value: "/etc/region/agent.env",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("use-env-file") {
				err := regionutil.LoadEnvironmentFileToSetter(
					c.Path("env-file"),
					c,
					regionutil.NewProcessEnvironmentVariableSetter(),
				)
				if err != nil {
					return errors.WithMessagef(err, "the '%s' environment file is invalid", c.Path("env-file"))
				}
			} else if c.IsSet("env-file") {
				log.Warning("The environment file is provided but it is not used because the '--use-env-file' flag is not set")
			}
			regionutil.SetupLogging(c.String("log-level"))
			return nil
		},
		Action: func(c *cli.Context) error {
			return runAgent(c, reload)
		},
	}
}

func main() {
	reload := false
	for {
		regionutil.SetupLogging("info")
		app := setupApp(reload)
		err := app.Run(os.Args)
		switch {
		case err == nil:
			return
		case errors.Is(err, &ctrlcError{}):
			os.Exit(130)
		case errors.Is(err, &sighupError{}):
			reload = true
		default:
			log.Fatal(err)
			return
		}
	}
}
