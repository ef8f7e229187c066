package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strest-io/strest/internal/protocol"
)

func TestRegistryContainsAllSpecProtocols(t *testing.T) {
	for _, kind := range []protocol.Kind{
		protocol.KindHTTP, protocol.KindGRPCUnary, protocol.KindGRPCStreaming,
		protocol.KindWebSocket, protocol.KindTCP, protocol.KindUDP,
		protocol.KindQUIC, protocol.KindMQTT, protocol.KindENet,
		protocol.KindKCP, protocol.KindRakNet,
	} {
		adapter, err := protocol.Lookup(kind)
		require.NoError(t, err, "kind %s", kind)
		assert.Equal(t, kind, adapter.Kind())
		assert.NotEmpty(t, adapter.SupportedLoadModes())
	}
}

func TestMetadataOnlyAdaptersRefuseTraffic(t *testing.T) {
	adapter, err := protocol.Lookup(protocol.KindMQTT)
	require.NoError(t, err)
	assert.False(t, adapter.ExecutesTraffic())
	_, err = adapter.NewRequestFunc(protocol.Target{URL: "mqtt://localhost:1883"})
	assert.ErrorIs(t, err, protocol.ErrNoTrafficSupport)
}

func TestHTTPAdapterCountsBytesAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Run"); got != "yes" {
			t.Errorf("header X-Run = %q, want yes", got)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	adapter, err := protocol.Lookup(protocol.KindHTTP)
	require.NoError(t, err)
	requestFn, err := adapter.NewRequestFunc(protocol.Target{
		URL:            server.URL,
		Method:         "GET",
		Headers:        []string{"X-Run: yes"},
		ExpectedStatus: 200,
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome := requestFn(ctx)
	assert.False(t, outcome.TimedOut)
	assert.False(t, outcome.TransportError)
	assert.Equal(t, uint16(200), outcome.StatusCode)
	assert.Equal(t, uint64(2), outcome.ResponseBytes)
}

func TestHTTPAdapterClassifiesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	adapter, err := protocol.Lookup(protocol.KindHTTP)
	require.NoError(t, err)
	requestFn, err := adapter.NewRequestFunc(protocol.Target{
		URL:            server.URL,
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome := requestFn(ctx)
	assert.True(t, outcome.TimedOut)
	assert.False(t, outcome.TransportError)
}

func TestHTTPAdapterClassifiesConnectFailure(t *testing.T) {
	adapter, err := protocol.Lookup(protocol.KindHTTP)
	require.NoError(t, err)
	// TCP port 1 on localhost is essentially never listening.
	requestFn, err := adapter.NewRequestFunc(protocol.Target{
		URL:            "http://127.0.0.1:1/",
		ConnectTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome := requestFn(ctx)
	assert.True(t, outcome.TransportError || outcome.TimedOut)
}

func TestHostPortStripsScheme(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9000", hostPort("tcp://127.0.0.1:9000"))
	assert.Equal(t, "127.0.0.1:9000", hostPort("127.0.0.1:9000"))
}

func TestParseHeadersSkipsMalformed(t *testing.T) {
	headers, err := parseHeaders([]string{"Good: value", "broken", "Also-Good: a:b"})
	require.NoError(t, err)
	assert.Equal(t, "value", headers.Get("Good"))
	assert.Equal(t, "a:b", headers.Get("Also-Good"))
	assert.Len(t, headers, 2)
}

func TestSupportsLoadMode(t *testing.T) {
	adapter, err := protocol.Lookup(protocol.KindHTTP)
	require.NoError(t, err)
	assert.True(t, protocol.SupportsLoadMode(adapter, protocol.LoadBurst))

	stream, err := protocol.Lookup(protocol.KindGRPCStreaming)
	require.NoError(t, err)
	assert.False(t, protocol.SupportsLoadMode(stream, protocol.LoadBurst))
}

func TestUnknownProtocolError(t *testing.T) {
	_, err := protocol.Lookup(protocol.Kind("smoke-signal"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "http"))
}
