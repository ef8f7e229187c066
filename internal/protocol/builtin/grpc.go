package builtin

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/strest-io/strest/internal/protocol"
)

func init() {
	protocol.Register(&grpcUnaryAdapter{})
	protocol.Register(&metadataOnlyAdapter{
		kind: protocol.KindGRPCStreaming,
		name: "gRPC streaming",
		modes: []protocol.LoadMode{
			protocol.LoadArrival, protocol.LoadSoak,
		},
		stateful: true,
	})
}

// grpcUnaryAdapter drives unary health-check pings against a gRPC target.
// The request payload is fixed; what matters for load purposes is the full
// HTTP/2 unary round trip.
type grpcUnaryAdapter struct {
	mu     sync.Mutex
	conn   *grpc.ClientConn
	client healthpb.HealthClient
}

func (*grpcUnaryAdapter) Kind() protocol.Kind   { return protocol.KindGRPCUnary }
func (*grpcUnaryAdapter) DisplayName() string   { return "gRPC unary" }
func (*grpcUnaryAdapter) ExecutesTraffic() bool { return true }
func (*grpcUnaryAdapter) SupportsStatefulConnections() bool { return true }

func (*grpcUnaryAdapter) SupportedLoadModes() []protocol.LoadMode {
	return []protocol.LoadMode{
		protocol.LoadArrival, protocol.LoadStep, protocol.LoadRamp, protocol.LoadSoak,
	}
}

func (a *grpcUnaryAdapter) NewRequestFunc(target protocol.Target) (protocol.RequestFunc, error) {
	address := strings.TrimPrefix(strings.TrimPrefix(target.URL, "grpc://"), "http://")
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.conn = conn
	a.client = healthpb.NewHealthClient(conn)
	a.mu.Unlock()

	expected := target.ExpectedStatus
	return func(ctx context.Context) protocol.Outcome {
		resp, err := a.client.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return classifyError(err)
		}
		status := expected
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			status = 0
		}
		return protocol.Outcome{
			StatusCode:    status,
			ResponseBytes: uint64(len(resp.String())),
		}
	}, nil
}
