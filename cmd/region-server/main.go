package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region"
	"github.com/metalyard/region/server"
	regionutil "github.com/metalyard/region/util"
)

func main() {
	// Setup logging
	regionutil.SetupLogging("info")

	command, settings, err := server.NewCLIParser().Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid command line: %+v", err)
	}
	switch command {
	case server.HelpCommand:
		return
	case server.VersionCommand:
		fmt.Println(region.Version)
		return
	}

	regionutil.SetupLogging(settings.GeneralSettings.LogLevel)
	log.Printf("Starting region server, version %s, build date %s", region.Version, region.BuildDate)

	regionServer, err := server.NewRegionServer(settings)
	if err != nil {
		log.Fatalf("Unexpected error: %+v", err)
	}
	defer regionServer.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := regionServer.Serve(ctx); err != nil {
		log.Errorf("Region server failed: %+v", err)
	}
}
