package builtin

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strest-io/strest/internal/protocol"
)

func init() {
	protocol.Register(&websocketAdapter{})
}

type websocketAdapter struct{}

func (*websocketAdapter) Kind() protocol.Kind   { return protocol.KindWebSocket }
func (*websocketAdapter) DisplayName() string   { return "WebSocket" }
func (*websocketAdapter) ExecutesTraffic() bool { return true }
func (*websocketAdapter) SupportsStatefulConnections() bool { return true }

func (*websocketAdapter) SupportedLoadModes() []protocol.LoadMode {
	return []protocol.LoadMode{
		protocol.LoadArrival, protocol.LoadStep, protocol.LoadRamp, protocol.LoadSoak,
	}
}

func (*websocketAdapter) NewRequestFunc(target protocol.Target) (protocol.RequestFunc, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: target.ConnectTimeout}
	payload := target.Body
	if len(payload) == 0 {
		payload = []byte("ping")
	}
	expected := target.ExpectedStatus

	return func(ctx context.Context) protocol.Outcome {
		conn, _, err := dialer.DialContext(ctx, target.URL, nil)
		if err != nil {
			return classifyError(err)
		}
		defer conn.Close()

		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
			_ = conn.SetReadDeadline(deadline)
		}

		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return classifyError(err)
		}
		_, reply, err := conn.ReadMessage()
		if err != nil {
			return classifyError(err)
		}

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		// An echo round-trip has no status line; report the expected code
		// so classification stays byte-oriented.
		return protocol.Outcome{
			StatusCode:    expected,
			ResponseBytes: uint64(len(reply)),
		}
	}, nil
}
