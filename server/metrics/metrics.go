package metrics

// Functions to manage the Prometheus metrics.
//
// To add new statistic you should:
// 1. Update the metrics structure.
// 2. Prepare the metric instance in the newMetrics function.
// 3. Collect the value in the Update function or count it where it
//    happens.

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
)

const namespace = "region"

// Set of region metrics.
type metrics struct {
	Registry *prometheus.Registry
	db       dbops.DB

	PodTotal          prometheus.Gauge
	PodMachines       *prometheus.GaugeVec
	DHCPServiceStatus *prometheus.GaugeVec
	PodSyncFailures   *prometheus.CounterVec
}

// Constructor of the metrics. They are automatically registered in the
// registry.
func newMetrics(db dbops.DB) *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &metrics{
		Registry: registry,
		db:       db,

		PodTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pods_total",
			Help:      "Registered pods",
		}),
		PodMachines: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pod_machines",
			Help:      "Machines hosted by the pod",
		}, []string{"pod"}),
		DHCPServiceStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dhcp_service_status",
			Help:      "DHCP service of the rack controller running (1) or not (0)",
		}, []string{"rack", "service"}),
		PodSyncFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pod_sync_failures_total",
			Help:      "Failed periodic pod refreshes",
		}, []string{"pod"}),
	}
}

// Calculates the current metric values from the database. The gauges of
// the removed pods and racks are dropped.
func (m *metrics) Update(ctx context.Context) error {
	type serviceKey struct{ rack, service string }
	podMachines := map[string]int{}
	serviceStatus := map[serviceKey]bool{}

	err := m.db.Transaction(ctx, func(tx dbops.Tx) error {
		pods, err := dbmodel.GetPods(tx)
		if err != nil {
			return err
		}
		for _, p := range pods {
			machines, err := dbmodel.GetMachinesByBMC(tx, p.ID)
			if err != nil {
				return err
			}
			podMachines[p.Name] = len(machines)
		}

		services, err := dbmodel.GetAllServices(tx)
		if err != nil {
			return err
		}
		for _, service := range services {
			node, err := dbops.Get[dbmodel.Node](tx, service.NodeID)
			if err != nil {
				if errors.Is(err, dbops.ErrNotFound) {
					continue
				}
				return err
			}
			if !node.IsRackController() {
				continue
			}
			key := serviceKey{rack: node.Hostname, service: service.Name}
			serviceStatus[key] = service.Status == dbmodel.ServiceStatusRunning
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "problem calculating metrics")
	}

	m.PodTotal.Set(float64(len(podMachines)))
	m.PodMachines.Reset()
	for name, count := range podMachines {
		m.PodMachines.With(prometheus.Labels{"pod": name}).Set(float64(count))
	}
	m.DHCPServiceStatus.Reset()
	for key, running := range serviceStatus {
		value := 0.0
		if running {
			value = 1.0
		}
		m.DHCPServiceStatus.With(prometheus.Labels{"rack": key.rack, "service": key.service}).Set(value)
	}
	return nil
}

// Unregister all metrics from the Prometheus registry.
func (m *metrics) UnregisterAll() {
	v := reflect.ValueOf(*m)
	typeMetrics := v.Type()
	for i := 0; i < typeMetrics.NumField(); i++ {
		fieldObj := v.Field(i)
		if !fieldObj.CanInterface() {
			// Field is not exported.
			continue
		}
		collector, ok := fieldObj.Interface().(prometheus.Collector)
		if !ok {
			continue
		}
		m.Registry.Unregister(collector)
	}
}
