package agent

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	agentapi "github.com/metalyard/region/api"
	"github.com/metalyard/region/datamodel/pod"
	"github.com/metalyard/region/drivers"
	"github.com/metalyard/region/server/agentcomm"
	"github.com/metalyard/region/testutil"
)

// Driver recording the calls and returning canned results.
type fakeDriver struct {
	calls      []string
	lastPodID  int64
	lastCtx    pod.Context
	composeErr error
	powerState pod.PowerState
}

var _ pod.Driver = (*fakeDriver)(nil)

func (d *fakeDriver) record(name string, podID int64, podContext pod.Context) {
	d.calls = append(d.calls, name)
	d.lastPodID = podID
	d.lastCtx = podContext
}

func (d *fakeDriver) Name() string {
	return "fake"
}

func (d *fakeDriver) Settings() pod.Settings {
	return pod.Settings{
		Name:        "fake",
		Description: "Fake pod",
		Fields: []pod.SettingField{
			{Name: "power_address", Label: "Address", Scope: pod.ScopeBMC, Required: true},
		},
	}
}

func (d *fakeDriver) Discover(ctx context.Context, podID int64, podContext pod.Context) (*pod.DiscoveredPod, error) {
	d.record("discover", podID, podContext)
	discovered := pod.NewDiscoveredPod()
	discovered.Name = "host"
	discovered.Cores = 16
	discovered.Machines = []pod.DiscoveredMachine{{Hostname: "vm1", Cores: 2}}
	return discovered, nil
}

func (d *fakeDriver) Compose(ctx context.Context, podID int64, podContext pod.Context, request pod.RequestedMachine) (*pod.DiscoveredMachine, *pod.DiscoveredPodHints, error) {
	d.record("compose", podID, podContext)
	if d.composeErr != nil {
		return nil, nil, d.composeErr
	}
	return &pod.DiscoveredMachine{Hostname: request.Hostname, Cores: request.Cores}, nil, nil
}

func (d *fakeDriver) Decompose(ctx context.Context, podID int64, podContext pod.Context) (*pod.DiscoveredPodHints, error) {
	d.record("decompose", podID, podContext)
	hints := pod.UnknownHints()
	hints.Cores = 12
	return &hints, nil
}

func (d *fakeDriver) GetCommissioningData(ctx context.Context, podID int64, podContext pod.Context) (pod.CommissioningData, error) {
	d.record("commissioning", podID, podContext)
	return pod.CommissioningData{"resources": map[string]any{"cpu": "x86_64"}}, nil
}

func (d *fakeDriver) PowerOn(ctx context.Context, podID int64, podContext pod.Context) error {
	d.record("on", podID, podContext)
	return nil
}

func (d *fakeDriver) PowerOff(ctx context.Context, podID int64, podContext pod.Context) error {
	d.record("off", podID, podContext)
	return errors.New("instance is locked")
}

func (d *fakeDriver) PowerQuery(ctx context.Context, podID int64, podContext pod.Context) (pod.PowerState, error) {
	d.record("query", podID, podContext)
	return d.powerState, nil
}

// Starts the agent with the fake driver over an in-memory listener and
// returns the client of the region talking to it.
func setupTestAgent(t *testing.T, driver pod.Driver) (*RackAgent, agentcomm.RackClient) {
	registry := drivers.NewRegistry()
	require.NoError(t, registry.Register(driver))

	agent := NewRackAgent(&Settings{Host: "localhost", Port: 5060}, registry)
	require.NoError(t, agent.Setup())

	listener := bufconn.Listen(1024 * 1024)
	go func() {
		_ = agent.ServeListener(listener)
	}()

	racks, err := agentcomm.NewRackConnections(&agentcomm.RacksSettings{}, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}))
	require.NoError(t, err)
	require.NoError(t, racks.Register("rack01", "passthrough:///bufnet"))
	t.Cleanup(func() {
		racks.Shutdown()
		agent.Shutdown()
	})

	client, err := racks.GetClientFor(context.Background(), "rack01")
	require.NoError(t, err)
	return agent, client
}

// Test the address built from the settings.
func TestSettingsAddress(t *testing.T) {
	settings := &Settings{Host: "::1", Port: 5060}
	require.Equal(t, "[::1]:5060", settings.Address())
	settings = &Settings{Host: "10.0.0.2", Port: 8080}
	require.Equal(t, "10.0.0.2:8080", settings.Address())
}

// Test that the agent cannot be set up with a missing key pair.
func TestSetupMissingCertificate(t *testing.T) {
	dir := t.TempDir()
	agent := NewRackAgent(&Settings{
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
	}, drivers.NewRegistry())
	require.Error(t, agent.Setup())
}

// Test that serving fails before the agent is set up.
func TestServeListenerNotSetUp(t *testing.T) {
	agent := NewRackAgent(&Settings{}, drivers.NewRegistry())
	listener := bufconn.Listen(1024)
	defer listener.Close()
	require.Error(t, agent.ServeListener(listener))
	// Shutting down an agent which never served is harmless.
	agent.Shutdown()
}

// Test that the pod commands reach the driver with the pod ID and the
// context.
func TestDiscoverPod(t *testing.T) {
	driver := &fakeDriver{}
	_, client := setupTestAgent(t, driver)

	discovered, err := agentcomm.NewPodClient(client).Discover(context.Background(), "fake", 3, pod.Context{"power_address": "10.0.0.1"})
	require.NoError(t, err)
	require.Equal(t, "host", discovered.Name)
	require.EqualValues(t, 16, discovered.Cores)
	require.Len(t, discovered.Machines, 1)
	require.Equal(t, "vm1", discovered.Machines[0].Hostname)

	require.Equal(t, []string{"discover"}, driver.calls)
	require.EqualValues(t, 3, driver.lastPodID)
	require.Equal(t, "10.0.0.1", driver.lastCtx.String("power_address"))
}

// Test composing and decomposing the machine. The hints missing from the
// driver response are reported as unknown.
func TestComposeDecomposeMachine(t *testing.T) {
	driver := &fakeDriver{}
	_, client := setupTestAgent(t, driver)
	podClient := agentcomm.NewPodClient(client)

	machine, hints, err := podClient.Compose(context.Background(), "fake", 1, pod.Context{}, pod.RequestedMachine{Hostname: "new", Cores: 4})
	require.NoError(t, err)
	require.Equal(t, "new", machine.Hostname)
	require.EqualValues(t, 4, machine.Cores)
	require.Equal(t, pod.UnknownHints(), *hints)

	hints, err = podClient.Decompose(context.Background(), "fake", 1, pod.Context{"instance_name": "new"})
	require.NoError(t, err)
	require.EqualValues(t, 12, hints.Cores)
	require.EqualValues(t, pod.Unknown, hints.Memory)
	require.Equal(t, "new", driver.lastCtx.String("instance_name"))
}

// Test that the invalid resources error keeps its kind and the hints
// across the wire.
func TestComposeMachineInvalidResources(t *testing.T) {
	hints := pod.UnknownHints()
	hints.Cores = 2
	invalid := pod.NewPodInvalidResourcesError("not enough cores")
	invalid.Hints = &hints
	driver := &fakeDriver{composeErr: invalid}
	_, client := setupTestAgent(t, driver)

	_, _, err := agentcomm.NewPodClient(client).Compose(context.Background(), "fake", 1, pod.Context{}, pod.RequestedMachine{Cores: 8})
	var received *pod.PodInvalidResourcesError
	require.True(t, errors.As(err, &received))
	require.Equal(t, "not enough cores", received.Message)
	require.NotNil(t, received.Hints)
	require.EqualValues(t, 2, received.Hints.Cores)
}

// Test that a failure of the driver is returned as a pod problem.
func TestPowerCommands(t *testing.T) {
	driver := &fakeDriver{powerState: pod.PowerStateOn}
	_, client := setupTestAgent(t, driver)
	podClient := agentcomm.NewPodClient(client)

	require.NoError(t, podClient.PowerOn(context.Background(), "fake", 1, pod.Context{}))

	err := podClient.PowerOff(context.Background(), "fake", 1, pod.Context{})
	var problem *pod.PodProblemError
	require.True(t, errors.As(err, &problem))
	require.Contains(t, problem.Message, "instance is locked")

	state, err := podClient.PowerQuery(context.Background(), "fake", 1, pod.Context{})
	require.NoError(t, err)
	require.Equal(t, pod.PowerStateOn, state)

	data, err := podClient.GetCommissioningData(context.Background(), "fake", 1, pod.Context{})
	require.NoError(t, err)
	require.Contains(t, data, "resources")

	require.Equal(t, []string{"on", "off", "query", "commissioning"}, driver.calls)
}

// Test that a command for an unregistered driver fails.
func TestUnknownDriver(t *testing.T) {
	driver := &fakeDriver{}
	_, client := setupTestAgent(t, driver)

	_, err := agentcomm.NewPodClient(client).Discover(context.Background(), "virsh", 1, pod.Context{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "virsh")
	require.Empty(t, driver.calls)
}

// Test that the agent describes the registered drivers.
func TestDescribePowerTypes(t *testing.T) {
	_, client := setupTestAgent(t, &fakeDriver{})

	settings, err := agentcomm.NewPodClient(client).DescribePowerTypes(context.Background())
	require.NoError(t, err)
	require.Len(t, settings, 1)
	require.Equal(t, "fake", settings[0].Name)
	require.Len(t, settings[0].Fields, 1)
	require.Equal(t, pod.ScopeBMC, settings[0].Fields[0].Scope)
}

// Test that the DHCP commands are reported as unhandled so the region
// can fall back or give up.
func TestDHCPCommandUnhandled(t *testing.T) {
	_, client := setupTestAgent(t, &fakeDriver{})

	err := client.Call(context.Background(), agentapi.ConfigureDHCPv4V2, &agentapi.Empty{}, nil)
	var unhandled *agentcomm.UnhandledCommandError
	require.True(t, errors.As(err, &unhandled))
	require.Equal(t, agentapi.ConfigureDHCPv4V2, unhandled.Command)
	require.Equal(t, "rack01", unhandled.SystemID)
}

// Starts the agent with TLS on a local TCP port and returns its address.
func startTLSAgent(t *testing.T, certs *testutil.TestCerts) string {
	registry := drivers.NewRegistry()
	require.NoError(t, registry.Register(&fakeDriver{powerState: pod.PowerStateOn}))

	agent := NewRackAgent(&Settings{
		Host:       "127.0.0.1",
		CertFile:   certs.ServerCert,
		KeyFile:    certs.ServerKey,
		CACertFile: certs.CACert,
	}, registry)
	require.NoError(t, agent.Setup())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = agent.ServeListener(listener)
	}()
	t.Cleanup(agent.Shutdown)
	return listener.Addr().String()
}

// Test that the region and the agent authenticate each other with the
// certificates signed by the common CA.
func TestMutualTLS(t *testing.T) {
	certs := testutil.CreateTestCerts(testutil.NewSandbox(t))
	address := startTLSAgent(t, certs)

	racks, err := agentcomm.NewRackConnections(&agentcomm.RacksSettings{
		CACertFile:  certs.CACert,
		CertFile:    certs.ClientCert,
		KeyFile:     certs.ClientKey,
		CallTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	defer racks.Shutdown()
	require.NoError(t, racks.Register("rack01", address))

	client, err := racks.GetClientFor(context.Background(), "rack01")
	require.NoError(t, err)
	state, err := agentcomm.NewPodClient(client).PowerQuery(context.Background(), "fake", 1, pod.Context{})
	require.NoError(t, err)
	require.Equal(t, pod.PowerStateOn, state)
}

// Test that the agent rejects the region without a client certificate.
func TestTLSClientCertificateRequired(t *testing.T) {
	certs := testutil.CreateTestCerts(testutil.NewSandbox(t))
	address := startTLSAgent(t, certs)

	racks, err := agentcomm.NewRackConnections(&agentcomm.RacksSettings{
		CACertFile:  certs.CACert,
		CallTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	defer racks.Shutdown()
	require.NoError(t, racks.Register("rack01", address))

	client, err := racks.GetClientFor(context.Background(), "rack01")
	require.NoError(t, err)
	_, err = agentcomm.NewPodClient(client).PowerQuery(context.Background(), "fake", 1, pod.Context{})
	require.Error(t, err)
}
