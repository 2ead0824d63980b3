package metrics

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/metalyard/region/server/agentcomm"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
)

// Interface of the metrics collector. Metric collector is a background
// worker which collects various metrics about the region.
//
// It is responsible for creating HTTP handler to access the metrics.
type Collector interface {
	// Returns the router serving the metrics and the health check.
	GetHTTPHandler() http.Handler
	// Counts the failed refresh of the pod.
	CountPodSyncFailure(podName string)
	// Shutdown metrics collecting.
	Shutdown()
}

// Metrics collector created on top of Prometheus library.
type prometheusCollector struct {
	metrics *metrics
	puller  *agentcomm.PeriodicPuller
}

var _ Collector = (*prometheusCollector)(nil)

// Creates an instance of the metrics collector and starts collecting the
// metrics according to the interval specified in the database.
func NewCollector(db dbops.DB) (Collector, error) {
	metrics := newMetrics(db)

	// Initialize the metrics
	if err := metrics.Update(context.Background()); err != nil {
		return nil, errors.WithMessage(err, "error during metrics initialization")
	}

	puller, err := agentcomm.NewPeriodicPuller(db, nil, "Metrics Collector",
		dbmodel.SettingMetricsCollectorInterval, metrics.Update)
	if err != nil {
		return nil, err
	}

	return &prometheusCollector{
		metrics: metrics,
		puller:  puller,
	}, nil
}

// Creates the router serving the metrics at /metrics and the liveness
// check at /healthz.
func (c *prometheusCollector) GetHTTPHandler() http.Handler {
	router := chi.NewRouter()
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(c.metrics.Registry, promhttp.HandlerOpts{
		ErrorLog: logrus.StandardLogger(),
	}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return router
}

// Counts the failed refresh of the pod.
func (c *prometheusCollector) CountPodSyncFailure(podName string) {
	c.metrics.PodSyncFailures.With(prometheus.Labels{"pod": podName}).Inc()
}

// Stops periodically collecting the metrics and unregisters all
// metrics.
func (c *prometheusCollector) Shutdown() {
	c.puller.Shutdown()
	c.metrics.UnregisterAll()
}
