package agent

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	agentapi "github.com/metalyard/region/api"
	"github.com/metalyard/region/datamodel/pod"
)

// Commands served by the agent to the region. The DHCP commands are
// served by the DHCP subsystem of the rack and are unknown here.
type RackServer interface {
	DiscoverPod(ctx context.Context, args *agentapi.PodArgs) (*pod.DiscoveredPod, error)
	ComposeMachine(ctx context.Context, args *agentapi.ComposeArgs) (*agentapi.ComposeResult, error)
	DecomposeMachine(ctx context.Context, args *agentapi.PodArgs) (*agentapi.DecomposeResult, error)
	GetCommissioningData(ctx context.Context, args *agentapi.PodArgs) (*agentapi.CommissioningDataResult, error)
	PowerOn(ctx context.Context, args *agentapi.PodArgs) (*agentapi.Empty, error)
	PowerOff(ctx context.Context, args *agentapi.PodArgs) (*agentapi.Empty, error)
	PowerQuery(ctx context.Context, args *agentapi.PodArgs) (*agentapi.PowerQueryResult, error)
	DescribePowerTypes(ctx context.Context, args *agentapi.Empty) (*agentapi.PowerTypesResult, error)
}

// Returns the method descriptor decoding the arguments of the command
// and converting the returned error to a status.
func unaryMethod[A any, R any](command string, call func(srv RackServer, ctx context.Context, args *A) (R, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: command,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			args := new(A)
			if err := dec(args); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "malformed %s arguments: %s", command, err)
			}
			handler := func(ctx context.Context, req any) (any, error) {
				result, err := call(srv.(RackServer), ctx, req.(*A))
				if err != nil {
					return nil, agentapi.StatusFromError(err)
				}
				return result, nil
			}
			if interceptor == nil {
				return handler(ctx, args)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: agentapi.MethodName(command),
			}
			return interceptor(ctx, args, info, handler)
		},
	}
}

// Service descriptor of the rack commands.
var rackServiceDesc = grpc.ServiceDesc{
	ServiceName: agentapi.ServiceName,
	HandlerType: (*RackServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(agentapi.DiscoverPod, RackServer.DiscoverPod),
		unaryMethod(agentapi.ComposeMachine, RackServer.ComposeMachine),
		unaryMethod(agentapi.DecomposeMachine, RackServer.DecomposeMachine),
		unaryMethod(agentapi.GetCommissioningData, RackServer.GetCommissioningData),
		unaryMethod(agentapi.PowerOn, RackServer.PowerOn),
		unaryMethod(agentapi.PowerOff, RackServer.PowerOff),
		unaryMethod(agentapi.PowerQuery, RackServer.PowerQuery),
		unaryMethod(agentapi.DescribePowerTypes, RackServer.DescribePowerTypes),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rack",
}

// Registers the rack commands in the server.
func RegisterRackServer(server grpc.ServiceRegistrar, srv RackServer) {
	server.RegisterService(&rackServiceDesc, srv)
}

// Logs every command with its duration and outcome.
func logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	started := time.Now()
	resp, err := handler(ctx, req)
	entry := log.WithFields(log.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(started).Round(time.Millisecond),
	})
	if args, ok := req.(*agentapi.PodArgs); ok {
		entry = entry.WithFields(log.Fields{
			"type":   args.Type,
			"pod_id": args.PodID,
		})
	}
	if err != nil {
		entry.WithError(err).Warn("Command failed")
	} else {
		entry.Debug("Command completed")
	}
	return resp, err
}
