package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region"
	"github.com/metalyard/region/server/agentcomm"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
	"github.com/metalyard/region/server/dhcp"
	"github.com/metalyard/region/server/metrics"
	"github.com/metalyard/region/server/pods"
)

// Maximum duration of the graceful shutdown of the metrics endpoint.
const metricsShutdownTimeout = 5 * time.Second

// Global region server state.
type RegionServer struct {
	Settings *Settings

	DB    dbops.DB
	Racks *agentcomm.RackConnections

	DHCP         *dhcp.Dispatcher
	PodManager   *pods.Manager
	PodRefresher *pods.Refresher

	MetricsCollector metrics.Collector
	metricsServer    *http.Server

	shutdownOnce sync.Once
}

// Opens the database selected in the settings. The PostgreSQL schema is
// migrated to the latest version.
func openDatabase(settings *dbops.DatabaseSettings) (dbops.DB, error) {
	if settings.InMemory {
		log.Warn("Keeping the data in memory; it is lost on shutdown")
		db, err := dbops.NewMemoryDB()
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	if err := dbops.Password(settings); err != nil {
		return nil, err
	}
	db, err := dbops.NewPgDB(settings)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Creates the region server. The components are created in order and
// the already created ones are shut down when a later one fails.
func NewRegionServer(settings *Settings) (rs *RegionServer, err error) {
	rs = &RegionServer{Settings: settings}
	defer func() {
		if err != nil {
			rs.Shutdown()
			rs = nil
		}
	}()

	rs.DB, err = openDatabase(settings.DatabaseSettings)
	if err != nil {
		return rs, err
	}

	// Insert the defaults of the runtime settings.
	err = rs.DB.Transaction(context.Background(), dbmodel.InitializeSettings)
	if err != nil {
		return rs, errors.WithMessage(err, "problem initializing settings")
	}

	rs.Racks, err = agentcomm.NewRackConnections(settings.RacksSettings)
	if err != nil {
		return rs, err
	}
	count, err := rs.Racks.RegisterFromDB(context.Background(), rs.DB)
	if err != nil {
		return rs, err
	}
	log.Infof("Registered %d rack agents", count)

	rs.DHCP = dhcp.NewDispatcher(rs.DB, rs.Racks, nil, settings.GeneralSettings.DHCPConnectEnabled())

	rs.PodManager = pods.NewManager(rs.DB, pods.NewRackClientFactory(rs.Racks), pods.NewLoggingCommissioner())

	if settings.MetricsSettings.EnableMetricsEndpoint {
		rs.MetricsCollector, err = metrics.NewCollector(rs.DB)
		if err != nil {
			return rs, err
		}
		rs.metricsServer = &http.Server{
			Addr:              net.JoinHostPort(settings.MetricsSettings.Host, strconv.Itoa(settings.MetricsSettings.Port)),
			Handler:           rs.MetricsCollector.GetHTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.Info("The metrics endpoint is enabled (ensure that it is properly secured)")
	} else {
		log.Warn("The metrics endpoint is disabled (it can be enabled with the -m flag)")
	}

	rs.PodRefresher, err = pods.NewRefresher(rs.DB, rs.PodManager, rs.countPodSyncFailure)
	if err != nil {
		return rs, err
	}

	return rs, nil
}

// Counts the failed pod refresh when the metrics are enabled.
func (rs *RegionServer) countPodSyncFailure(podName string) {
	if rs.MetricsCollector != nil {
		rs.MetricsCollector.CountPodSyncFailure(podName)
	}
}

// Sends the DHCP configuration to every registered rack. The failures are
// logged only.
func (rs *RegionServer) configureRacks(ctx context.Context) {
	for _, client := range rs.Racks.GetAllClients() {
		var rackID int64
		err := rs.DB.Transaction(ctx, func(tx dbops.Tx) error {
			rack, err := dbmodel.GetNodeBySystemID(tx, client.Ident())
			if err != nil {
				return err
			}
			rackID = rack.ID
			return nil
		})
		if err == nil {
			err = rs.DHCP.ConfigureDHCP(ctx, rackID)
		}
		if err != nil {
			log.WithError(err).WithField("rack", client.Ident()).Error("Failed to configure DHCP on rack")
		}
	}
}

// Runs the region server until the context is cancelled.
func (rs *RegionServer) Serve(ctx context.Context) error {
	log.Printf("Started region server, version %s, build date %s", region.Version, region.BuildDate)

	serveErr := make(chan error, 1)
	if rs.metricsServer != nil {
		go func() {
			log.WithField("address", rs.metricsServer.Addr).Info("Serving metrics")
			if err := rs.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- errors.Wrapf(err, "problem serving metrics on %s", rs.metricsServer.Addr)
			}
		}()
	}

	rs.configureRacks(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	}
}

// Stops the components in the reverse order of their creation. It may be
// called many times.
func (rs *RegionServer) Shutdown() {
	rs.shutdownOnce.Do(func() {
		log.Println("Shutting down region server")
		if rs.PodRefresher != nil {
			rs.PodRefresher.Shutdown()
		}
		if rs.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			if err := rs.metricsServer.Shutdown(ctx); err != nil {
				log.WithError(err).Warn("Failed to stop the metrics endpoint gracefully")
			}
			cancel()
		}
		if rs.MetricsCollector != nil {
			rs.MetricsCollector.Shutdown()
		}
		if rs.Racks != nil {
			rs.Racks.Shutdown()
		}
		if rs.DB != nil {
			if err := rs.DB.Close(); err != nil {
				log.WithError(err).Warn("Failed to close the database")
			}
		}
		log.Println("Region server shut down")
	})
}
