// Package builtin registers the protocol adapters that ship with the
// tester. Importing it for side effects wires the registry.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/strest-io/strest/internal/log"
	"github.com/strest-io/strest/internal/protocol"
)

func init() {
	protocol.Register(&httpAdapter{})
}

type httpAdapter struct{}

func (*httpAdapter) Kind() protocol.Kind    { return protocol.KindHTTP }
func (*httpAdapter) DisplayName() string    { return "HTTP" }
func (*httpAdapter) ExecutesTraffic() bool  { return true }
func (*httpAdapter) SupportsStatefulConnections() bool { return true }

func (*httpAdapter) SupportedLoadModes() []protocol.LoadMode {
	return []protocol.LoadMode{
		protocol.LoadArrival, protocol.LoadStep, protocol.LoadRamp,
		protocol.LoadJitter, protocol.LoadBurst, protocol.LoadSoak,
	}
}

func (*httpAdapter) NewRequestFunc(target protocol.Target) (protocol.RequestFunc, error) {
	dialer := &net.Dialer{Timeout: target.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 1024,
		IdleConnTimeout:     90 * time.Second,
	}
	if target.HTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, err
		}
	}
	client := &http.Client{Transport: transport}

	method := target.Method
	if method == "" {
		method = http.MethodGet
	}
	headers, err := parseHeaders(target.Headers)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) protocol.Outcome {
		var body io.Reader
		if len(target.Body) > 0 {
			body = bytes.NewReader(target.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target.URL, body)
		if err != nil {
			return protocol.Outcome{TransportError: true}
		}
		for key, values := range headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return classifyError(err)
		}
		defer resp.Body.Close()

		n, err := io.Copy(io.Discard, resp.Body)
		if err != nil {
			outcome := classifyError(err)
			outcome.ResponseBytes = uint64(n)
			return outcome
		}
		status := resp.StatusCode
		if status < 0 || status > int(^uint16(0)) {
			status = 0
		}
		return protocol.Outcome{
			StatusCode:    uint16(status),
			ResponseBytes: uint64(n),
		}
	}, nil
}

func parseHeaders(raw []string) (http.Header, error) {
	headers := make(http.Header, len(raw))
	for _, entry := range raw {
		key, value, found := strings.Cut(entry, ":")
		if !found || strings.TrimSpace(key) == "" {
			log.GetLogger().Warnf("ignoring malformed header %q (want 'Name: value')", entry)
			continue
		}
		headers.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return headers, nil
}

// classifyError maps a transport failure onto the metric flags. A context
// deadline means the configured request timeout fired.
func classifyError(err error) protocol.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.Outcome{TimedOut: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.Outcome{TimedOut: true}
	}
	return protocol.Outcome{TransportError: true}
}
