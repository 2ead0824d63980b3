package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	agentapi "github.com/metalyard/region/api"
	"github.com/metalyard/region/datamodel/pod"
	"github.com/metalyard/region/drivers"
)

// Settings of the agent endpoint. TLS is enabled when the certificate
// is configured.
type Settings struct {
	Host       string
	Port       int
	CertFile   string
	KeyFile    string
	CACertFile string
}

// Returns the address the agent listens on.
func (s *Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Agent running on a rack controller. It performs the pod driver
// commands sent by the region.
type RackAgent struct {
	Settings *Settings
	Registry *drivers.Registry

	server *grpc.Server
}

var _ RackServer = (*RackAgent)(nil)

// Creates the agent serving the drivers from the registry.
func NewRackAgent(settings *Settings, registry *drivers.Registry) *RackAgent {
	return &RackAgent{
		Settings: settings,
		Registry: registry,
	}
}

// Reads the latest CA certificate verifying the region.
func readRootCertificates(caCertFile string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read CA certificate: %s", caCertFile)
	}
	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(ca); !ok {
		return nil, errors.New("failed to append client certs")
	}
	return certPool, nil
}

// Prepares the TLS configuration. The certificates are read from the
// files on each handshake so new connections use the latest versions.
func newTLSConfig(settings *Settings) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			certificate, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
			if err != nil {
				err = errors.Wrapf(err, "could not load key pair %s and %s", settings.CertFile, settings.KeyFile)
				log.WithError(err).Error("Failed to prepare TLS handshake")
				return nil, err
			}
			config := &tls.Config{
				MinVersion:   tls.VersionTLS13,
				Certificates: []tls.Certificate{certificate},
			}
			if settings.CACertFile != "" {
				certPool, err := readRootCertificates(settings.CACertFile)
				if err != nil {
					log.WithError(err).Error("Failed to prepare TLS handshake")
					return nil, err
				}
				config.ClientCAs = certPool
				config.ClientAuth = tls.RequireAndVerifyClientCert
			}
			return config, nil
		},
	}
}

// Prepares the gRPC server serving the rack commands.
func (ra *RackAgent) Setup(options ...grpc.ServerOption) error {
	options = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logCalls)}, options...)
	if ra.Settings.CertFile != "" {
		if _, err := tls.LoadX509KeyPair(ra.Settings.CertFile, ra.Settings.KeyFile); err != nil {
			return errors.Wrapf(err, "cannot load agent key pair")
		}
		options = append(options, grpc.Creds(credentials.NewTLS(newTLSConfig(ra.Settings))))
	} else {
		log.Warn("Agent certificate not configured; the region connects without TLS")
	}
	ra.server = grpc.NewServer(options...)
	RegisterRackServer(ra.server, ra)
	return nil
}

// Serves the commands on the configured address. It blocks until the
// agent is shut down.
func (ra *RackAgent) Serve() error {
	listener, err := net.Listen("tcp", ra.Settings.Address())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", ra.Settings.Port)
	}
	return ra.ServeListener(listener)
}

// Serves the commands on the listener.
func (ra *RackAgent) ServeListener(listener net.Listener) error {
	if ra.server == nil {
		return errors.New("agent is not set up")
	}
	log.WithFields(log.Fields{
		"address": listener.Addr().String(),
		"drivers": ra.Registry.Names(),
	}).Info("Started serving rack agent")
	if err := ra.server.Serve(listener); err != nil {
		return errors.Wrapf(err, "failed to serve on %s", listener.Addr())
	}
	return nil
}

// Stops the server waiting for the pending commands.
func (ra *RackAgent) Shutdown() {
	if ra.server != nil {
		log.Info("Stopping rack agent")
		ra.server.GracefulStop()
	}
}

// Returns the driver of the pod type.
func (ra *RackAgent) driver(powerType string) (pod.Driver, error) {
	return ra.Registry.Get(powerType)
}

// Discovers the pod.
func (ra *RackAgent) DiscoverPod(ctx context.Context, args *agentapi.PodArgs) (*pod.DiscoveredPod, error) {
	driver, err := ra.driver(args.Type)
	if err != nil {
		return nil, err
	}
	return driver.Discover(ctx, args.PodID, args.Context)
}

// Composes a machine in the pod.
func (ra *RackAgent) ComposeMachine(ctx context.Context, args *agentapi.ComposeArgs) (*agentapi.ComposeResult, error) {
	driver, err := ra.driver(args.Type)
	if err != nil {
		return nil, err
	}
	machine, hints, err := driver.Compose(ctx, args.PodID, args.Context, args.Request)
	if err != nil {
		return nil, err
	}
	result := &agentapi.ComposeResult{Hints: pod.UnknownHints()}
	if machine != nil {
		result.Machine = *machine
	}
	if hints != nil {
		result.Hints = *hints
	}
	return result, nil
}

// Decomposes the machine named in the context.
func (ra *RackAgent) DecomposeMachine(ctx context.Context, args *agentapi.PodArgs) (*agentapi.DecomposeResult, error) {
	driver, err := ra.driver(args.Type)
	if err != nil {
		return nil, err
	}
	hints, err := driver.Decompose(ctx, args.PodID, args.Context)
	if err != nil {
		return nil, err
	}
	result := &agentapi.DecomposeResult{Hints: pod.UnknownHints()}
	if hints != nil {
		result.Hints = *hints
	}
	return result, nil
}

// Returns the hardware information of the pod host.
func (ra *RackAgent) GetCommissioningData(ctx context.Context, args *agentapi.PodArgs) (*agentapi.CommissioningDataResult, error) {
	driver, err := ra.driver(args.Type)
	if err != nil {
		return nil, err
	}
	data, err := driver.GetCommissioningData(ctx, args.PodID, args.Context)
	if err != nil {
		return nil, err
	}
	return &agentapi.CommissioningDataResult{Data: data}, nil
}

// Powers the machine on.
func (ra *RackAgent) PowerOn(ctx context.Context, args *agentapi.PodArgs) (*agentapi.Empty, error) {
	driver, err := ra.driver(args.Type)
	if err != nil {
		return nil, err
	}
	if err := driver.PowerOn(ctx, args.PodID, args.Context); err != nil {
		return nil, err
	}
	return &agentapi.Empty{}, nil
}

// Powers the machine off.
func (ra *RackAgent) PowerOff(ctx context.Context, args *agentapi.PodArgs) (*agentapi.Empty, error) {
	driver, err := ra.driver(args.Type)
	if err != nil {
		return nil, err
	}
	if err := driver.PowerOff(ctx, args.PodID, args.Context); err != nil {
		return nil, err
	}
	return &agentapi.Empty{}, nil
}

// Queries the power state of the machine.
func (ra *RackAgent) PowerQuery(ctx context.Context, args *agentapi.PodArgs) (*agentapi.PowerQueryResult, error) {
	driver, err := ra.driver(args.Type)
	if err != nil {
		return nil, err
	}
	state, err := driver.PowerQuery(ctx, args.PodID, args.Context)
	if err != nil {
		return nil, err
	}
	return &agentapi.PowerQueryResult{State: state}, nil
}

// Returns the settings schemas of the registered drivers.
func (ra *RackAgent) DescribePowerTypes(ctx context.Context, args *agentapi.Empty) (*agentapi.PowerTypesResult, error) {
	return &agentapi.PowerTypesResult{Drivers: ra.Registry.Settings()}, nil
}
