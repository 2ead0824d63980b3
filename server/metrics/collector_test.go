package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
	dbtest "github.com/metalyard/region/server/database/test"
)

func newTestDB(t *testing.T) dbops.DB {
	db := dbtest.NewMemoryDB(t)
	runTx(t, db, dbmodel.InitializeSettings)
	return db
}

func runTx(t *testing.T, db dbops.DB, fn func(tx dbops.Tx) error) {
	t.Helper()
	require.NoError(t, db.Transaction(context.Background(), fn))
}

// Adds a pod hosting the given number of machines.
func addTestPod(t *testing.T, db dbops.DB, name, address string, machines int) *dbmodel.Pod {
	p := dbmodel.NewPod(name, "lxd", map[string]any{"power_address": address})
	runTx(t, db, func(tx dbops.Tx) error {
		if _, err := dbmodel.SaveBMC(tx, p.AsBMC(), nil); err != nil {
			return err
		}
		for i := 0; i < machines; i++ {
			machine := &dbmodel.Node{NodeType: dbmodel.NodeTypeMachine, BMCID: p.ID}
			if err := dbmodel.AddNode(tx, machine); err != nil {
				return err
			}
		}
		return nil
	})
	return p
}

// Adds a rack controller with the DHCP services in the given states.
func addTestRack(t *testing.T, db dbops.DB, hostname string, v4, v6 dbmodel.ServiceStatus) *dbmodel.Node {
	rack := &dbmodel.Node{Hostname: hostname, NodeType: dbmodel.NodeTypeRackController}
	runTx(t, db, func(tx dbops.Tx) error {
		if err := dbmodel.AddNode(tx, rack); err != nil {
			return err
		}
		if err := dbmodel.UpdateServiceStatus(tx, rack.ID, "dhcpd", v4, ""); err != nil {
			return err
		}
		return dbmodel.UpdateServiceStatus(tx, rack.ID, "dhcpd6", v6, "")
	})
	return rack
}

// Test that the collector is created and initialized from the database.
func TestCollectorConstruct(t *testing.T) {
	db := newTestDB(t)
	addTestPod(t, db, "pod1", "10.0.0.1", 2)

	collector, err := NewCollector(db)
	require.NoError(t, err)
	require.NotNil(t, collector)
	defer collector.Shutdown()

	m := collector.(*prometheusCollector).metrics
	require.EqualValues(t, 1, testutil.ToFloat64(m.PodTotal))
	require.EqualValues(t, 2, testutil.ToFloat64(m.PodMachines.With(prometheus.Labels{"pod": "pod1"})))
}

// Test that the collector cannot be created without the interval
// setting.
func TestCollectorConstructNoSettings(t *testing.T) {
	db := dbtest.NewMemoryDB(t)
	collector, err := NewCollector(db)
	require.Error(t, err)
	require.Nil(t, collector)
}

// Test that the pod and DHCP service metrics follow the database.
func TestMetricsUpdate(t *testing.T) {
	db := newTestDB(t)
	addTestPod(t, db, "pod1", "10.0.0.1", 3)
	p2 := addTestPod(t, db, "pod2", "10.0.0.2", 0)
	addTestRack(t, db, "rack1", dbmodel.ServiceStatusRunning, dbmodel.ServiceStatusOff)
	addTestRack(t, db, "rack2", dbmodel.ServiceStatusDead, dbmodel.ServiceStatusRunning)

	m := newMetrics(db)
	require.NoError(t, m.Update(context.Background()))

	require.EqualValues(t, 2, testutil.ToFloat64(m.PodTotal))
	require.EqualValues(t, 3, testutil.ToFloat64(m.PodMachines.With(prometheus.Labels{"pod": "pod1"})))
	require.EqualValues(t, 0, testutil.ToFloat64(m.PodMachines.With(prometheus.Labels{"pod": "pod2"})))
	require.EqualValues(t, 1, testutil.ToFloat64(m.DHCPServiceStatus.With(prometheus.Labels{"rack": "rack1", "service": "dhcpd"})))
	require.EqualValues(t, 0, testutil.ToFloat64(m.DHCPServiceStatus.With(prometheus.Labels{"rack": "rack1", "service": "dhcpd6"})))
	require.EqualValues(t, 0, testutil.ToFloat64(m.DHCPServiceStatus.With(prometheus.Labels{"rack": "rack2", "service": "dhcpd"})))
	require.EqualValues(t, 1, testutil.ToFloat64(m.DHCPServiceStatus.With(prometheus.Labels{"rack": "rack2", "service": "dhcpd6"})))

	// The removed pod disappears from the metrics.
	runTx(t, db, func(tx dbops.Tx) error {
		return dbmodel.ForceDeletePod(tx, p2)
	})
	require.NoError(t, m.Update(context.Background()))
	require.EqualValues(t, 1, testutil.ToFloat64(m.PodTotal))
	require.Equal(t, 1, testutil.CollectAndCount(m.PodMachines))
}

// Test that the metrics and the health check are served.
func TestCollectorHTTPHandler(t *testing.T) {
	db := newTestDB(t)
	addTestPod(t, db, "pod1", "10.0.0.1", 1)
	addTestRack(t, db, "rack1", dbmodel.ServiceStatusRunning, dbmodel.ServiceStatusOff)

	collector, err := NewCollector(db)
	require.NoError(t, err)
	defer collector.Shutdown()
	collector.CountPodSyncFailure("pod1")
	collector.CountPodSyncFailure("pod1")

	server := httptest.NewServer(collector.GetHTTPHandler())
	defer server.Close()

	response, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Contains(t, string(body), "region_pods_total 1")
	require.Contains(t, string(body), `region_pod_machines{pod="pod1"} 1`)
	require.Contains(t, string(body), `region_dhcp_service_status{rack="rack1",service="dhcpd"} 1`)
	require.Contains(t, string(body), `region_pod_sync_failures_total{pod="pod1"} 2`)

	response, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	body, err = io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, "ok\n", string(body))

	response, err = http.Post(server.URL+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, response.StatusCode)
}

// Test that all metrics are unregistered on shutdown.
func TestUnregisterAll(t *testing.T) {
	db := newTestDB(t)
	m := newMetrics(db)
	m.PodTotal.Set(1)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	m.UnregisterAll()
	families, err = m.Registry.Gather()
	require.NoError(t, err)
	require.Empty(t, families)
}

// Test that the failed refreshes are counted per pod.
func TestCountPodSyncFailure(t *testing.T) {
	db := newTestDB(t)
	collector, err := NewCollector(db)
	require.NoError(t, err)
	defer collector.Shutdown()

	collector.CountPodSyncFailure("pod1")
	collector.CountPodSyncFailure("pod2")
	collector.CountPodSyncFailure("pod1")

	m := collector.(*prometheusCollector).metrics
	metric := &dto.Metric{}
	require.NoError(t, m.PodSyncFailures.With(prometheus.Labels{"pod": "pod1"}).Write(metric))
	require.EqualValues(t, 2, metric.GetCounter().GetValue())
	require.Len(t, metric.GetLabel(), 1)
	require.Equal(t, "pod", metric.GetLabel()[0].GetName())
	require.Equal(t, "pod1", metric.GetLabel()[0].GetValue())
	require.Equal(t, 2, testutil.CollectAndCount(m.PodSyncFailures))
}
