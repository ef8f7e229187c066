package builtin

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/strest-io/strest/internal/protocol"
)

func init() {
	protocol.Register(&streamAdapter{})
	protocol.Register(&datagramAdapter{})
}

// hostPort strips any scheme from the target URL so bare "host:port"
// targets and "tcp://host:port" targets both work.
func hostPort(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	return parsed.Host
}

// streamAdapter issues one TCP round trip per request: connect, write the
// payload, read one response buffer.
type streamAdapter struct{}

func (*streamAdapter) Kind() protocol.Kind   { return protocol.KindTCP }
func (*streamAdapter) DisplayName() string   { return "TCP" }
func (*streamAdapter) ExecutesTraffic() bool { return true }
func (*streamAdapter) SupportsStatefulConnections() bool { return true }

func (*streamAdapter) SupportedLoadModes() []protocol.LoadMode {
	return []protocol.LoadMode{
		protocol.LoadArrival, protocol.LoadStep, protocol.LoadRamp, protocol.LoadSoak,
	}
}

func (*streamAdapter) NewRequestFunc(target protocol.Target) (protocol.RequestFunc, error) {
	address := hostPort(target.URL)
	dialer := &net.Dialer{Timeout: target.ConnectTimeout}
	payload := target.Body
	if len(payload) == 0 {
		payload = []byte("ping\n")
	}
	expected := target.ExpectedStatus

	return func(ctx context.Context) protocol.Outcome {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return classifyError(err)
		}
		defer conn.Close()
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}

		if _, err := conn.Write(payload); err != nil {
			return classifyError(err)
		}
		buf := make([]byte, 64*1024)
		n, err := conn.Read(buf)
		if err != nil {
			return classifyError(err)
		}
		return protocol.Outcome{StatusCode: expected, ResponseBytes: uint64(n)}
	}, nil
}

// datagramAdapter sends one UDP datagram and waits for a single reply.
type datagramAdapter struct{}

func (*datagramAdapter) Kind() protocol.Kind   { return protocol.KindUDP }
func (*datagramAdapter) DisplayName() string   { return "UDP" }
func (*datagramAdapter) ExecutesTraffic() bool { return true }
func (*datagramAdapter) SupportsStatefulConnections() bool { return false }

func (*datagramAdapter) SupportedLoadModes() []protocol.LoadMode {
	return []protocol.LoadMode{
		protocol.LoadArrival, protocol.LoadStep, protocol.LoadRamp,
		protocol.LoadJitter, protocol.LoadBurst, protocol.LoadSoak,
	}
}

func (*datagramAdapter) NewRequestFunc(target protocol.Target) (protocol.RequestFunc, error) {
	address := hostPort(target.URL)
	payload := target.Body
	if len(payload) == 0 {
		payload = []byte("ping")
	}
	expected := target.ExpectedStatus

	return func(ctx context.Context) protocol.Outcome {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "udp", address)
		if err != nil {
			return classifyError(err)
		}
		defer conn.Close()
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}

		if _, err := conn.Write(payload); err != nil {
			return classifyError(err)
		}
		buf := make([]byte, 64*1024)
		n, err := conn.Read(buf)
		if err != nil {
			return classifyError(err)
		}
		return protocol.Outcome{StatusCode: expected, ResponseBytes: uint64(n)}
	}, nil
}
