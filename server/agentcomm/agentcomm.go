package agentcomm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	agentapi "github.com/metalyard/region/api"
)

// Settings specific to communication with the rack agents.
type RacksSettings struct {
	CACertFile  string        `long:"agent-ca-cert" description:"The path to the CA certificate verifying the agents; TLS is disabled when it is not set" env:"REGION_AGENT_CA_CERT"`
	CertFile    string        `long:"agent-cert" description:"The path to the certificate presented by the region to the agents" env:"REGION_AGENT_CERT"`
	KeyFile     string        `long:"agent-key" description:"The path to the key of the certificate presented to the agents" env:"REGION_AGENT_KEY"`
	CallTimeout time.Duration `long:"agent-call-timeout" description:"The maximum duration of a single call to an agent" env:"REGION_AGENT_CALL_TIMEOUT" default:"2m"`
}

// Client calling the commands on a single rack controller.
type RackClient interface {
	// System ID of the rack.
	Ident() string
	// Calls the command with the arguments and unmarshals the response
	// into the result. The result may be nil when the command returns
	// nothing.
	Call(ctx context.Context, command string, args any, result any) error
}

// Interface for obtaining the clients of the connected racks.
type ConnectedRacks interface {
	// Returns the client of the rack. It fails with the
	// NoConnectionsAvailableError when the rack is not connected.
	GetClientFor(ctx context.Context, systemID string) (RackClient, error)
	// Returns the client of the first connected rack from the list.
	GetClientFromIdentifiers(ctx context.Context, systemIDs []string) (RackClient, error)
	// Returns the clients of all connected racks ordered by system ID.
	GetAllClients() []RackClient
	Shutdown()
}

// Connection with the agent running on a rack controller.
type rackConnection struct {
	systemID string
	address  string
	conn     *grpc.ClientConn
	timeout  time.Duration
	stats    *RackCommStats
}

// Returns the system ID of the rack.
func (rack *rackConnection) Ident() string {
	return rack.systemID
}

// Invokes the command on the agent using the JSON codec.
func (rack *rackConnection) Call(ctx context.Context, command string, args any, result any) error {
	if result == nil {
		result = &agentapi.Empty{}
	}
	if rack.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rack.timeout)
		defer cancel()
	}
	err := rack.conn.Invoke(ctx, agentapi.MethodName(command), args, result, grpc.CallContentSubtype(agentapi.CodecName))
	if err != nil {
		err = convertStatusError(rack.systemID, command, err)
	}
	rack.logTransition(command, err)
	return err
}

// Logs the change of the communication state with the agent. Only the
// unavailable agent counts as a communication failure.
func (rack *rackConnection) logTransition(command string, err error) {
	var unavailable *NoConnectionsAvailableError
	if err != nil && !errors.As(err, &unavailable) {
		err = nil
	}
	fields := log.Fields{
		"rack":    rack.systemID,
		"address": rack.address,
		"command": command,
	}
	switch rack.stats.RecordCall(rack.systemID, command, err) {
	case CommErrorNew:
		log.WithFields(fields).WithError(err).Warn("Failed to communicate with the rack agent")
	case CommErrorContinued:
		log.WithFields(fields).WithError(err).Debug("Communication with the rack agent is still failing")
	case CommErrorReset:
		log.WithFields(fields).Info("Communication with the rack agent restored")
	}
}

// Checks if the connection can carry calls.
func (rack *rackConnection) usable() bool {
	state := rack.conn.GetState()
	return state != connectivity.Shutdown
}

// Pool of gRPC connections to the agents of the registered racks. The
// connections are established lazily on the first call.
type RackConnections struct {
	settings    *RacksSettings
	dialOptions []grpc.DialOption
	mutex       sync.RWMutex
	racks       map[string]*rackConnection
	stats       *RackCommStats
}

var _ ConnectedRacks = (*RackConnections)(nil)

// Prepares the TLS credentials when the certificates are configured.
// Insecure credentials are returned otherwise.
func prepareCreds(settings *RacksSettings) (credentials.TransportCredentials, error) {
	if settings.CACertFile == "" {
		return insecure.NewCredentials(), nil
	}
	caCertPEM, err := os.ReadFile(settings.CACertFile)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read CA certificate %s", settings.CACertFile)
	}
	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(caCertPEM); !ok {
		return nil, errors.New("failed to append CA certs")
	}
	config := &tls.Config{
		RootCAs:    certPool,
		MinVersion: tls.VersionTLS13,
	}
	if settings.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "could not load client key pair")
		}
		config.Certificates = []tls.Certificate{certificate}
	}
	return credentials.NewTLS(config), nil
}

// Creates the connection pool. The extra dial options are appended to
// the transport credentials derived from the settings.
func NewRackConnections(settings *RacksSettings, dialOptions ...grpc.DialOption) (*RackConnections, error) {
	creds, err := prepareCreds(settings)
	if err != nil {
		return nil, errors.WithMessage(err, "problem preparing TLS credentials")
	}
	options := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, dialOptions...)
	return &RackConnections{
		settings:    settings,
		dialOptions: options,
		racks:       make(map[string]*rackConnection),
		stats:       NewRackCommStats(),
	}, nil
}

// Registers the agent address of the rack. An existing connection to a
// different address is closed.
func (racks *RackConnections) Register(systemID, address string) error {
	racks.mutex.Lock()
	defer racks.mutex.Unlock()

	if rack, ok := racks.racks[systemID]; ok {
		if rack.address == address {
			return nil
		}
		rack.conn.Close()
		delete(racks.racks, systemID)
	}
	conn, err := grpc.NewClient(address, racks.dialOptions...)
	if err != nil {
		return errors.Wrapf(err, "problem with connection to the agent %s of rack %s", address, systemID)
	}
	racks.racks[systemID] = &rackConnection{
		systemID: systemID,
		address:  address,
		conn:     conn,
		timeout:  racks.settings.CallTimeout,
		stats:    racks.stats,
	}
	log.WithFields(log.Fields{
		"rack":    systemID,
		"address": address,
	}).Info("Registered rack agent")
	return nil
}

// Closes the connection to the rack and forgets it.
func (racks *RackConnections) Unregister(systemID string) {
	racks.mutex.Lock()
	defer racks.mutex.Unlock()
	if rack, ok := racks.racks[systemID]; ok {
		rack.conn.Close()
		delete(racks.racks, systemID)
	}
	racks.stats.Reset(systemID)
}

// Returns the statistics of the failed calls to the agents.
func (racks *RackConnections) GetStats() *RackCommStats {
	return racks.stats
}

// Returns the client of the rack.
func (racks *RackConnections) GetClientFor(ctx context.Context, systemID string) (RackClient, error) {
	return racks.GetClientFromIdentifiers(ctx, []string{systemID})
}

// Returns the client of the first connected rack from the list.
func (racks *RackConnections) GetClientFromIdentifiers(ctx context.Context, systemIDs []string) (RackClient, error) {
	racks.mutex.RLock()
	defer racks.mutex.RUnlock()
	for _, systemID := range systemIDs {
		if rack, ok := racks.racks[systemID]; ok && rack.usable() {
			return rack, nil
		}
	}
	return nil, NewNoConnectionsAvailableError(systemIDs...)
}

// Returns the clients of all connected racks ordered by system ID.
func (racks *RackConnections) GetAllClients() []RackClient {
	racks.mutex.RLock()
	defer racks.mutex.RUnlock()
	clients := []RackClient{}
	for _, rack := range racks.racks {
		if rack.usable() {
			clients = append(clients, rack)
		}
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].Ident() < clients[j].Ident()
	})
	return clients
}

// Closes the connections to all racks.
func (racks *RackConnections) Shutdown() {
	log.Info("Stopping communication with rack agents")
	racks.mutex.Lock()
	defer racks.mutex.Unlock()
	for systemID, rack := range racks.racks {
		rack.conn.Close()
		delete(racks.racks, systemID)
	}
	log.Info("Stopped communication with rack agents")
}
