package builtin

import (
	"github.com/strest-io/strest/internal/protocol"
)

func init() {
	// Wire encoders for these protocols ship as external adapters; the
	// registry still answers capability questions for them.
	for _, entry := range []struct {
		kind     protocol.Kind
		name     string
		stateful bool
	}{
		{protocol.KindQUIC, "QUIC", true},
		{protocol.KindMQTT, "MQTT", true},
		{protocol.KindENet, "ENet", true},
		{protocol.KindKCP, "KCP", true},
		{protocol.KindRakNet, "RakNet", true},
	} {
		protocol.Register(&metadataOnlyAdapter{
			kind:     entry.kind,
			name:     entry.name,
			stateful: entry.stateful,
			modes:    []protocol.LoadMode{protocol.LoadArrival, protocol.LoadSoak},
		})
	}
}

type metadataOnlyAdapter struct {
	kind     protocol.Kind
	name     string
	stateful bool
	modes    []protocol.LoadMode
}

func (a *metadataOnlyAdapter) Kind() protocol.Kind   { return a.kind }
func (a *metadataOnlyAdapter) DisplayName() string   { return a.name }
func (a *metadataOnlyAdapter) ExecutesTraffic() bool { return false }
func (a *metadataOnlyAdapter) SupportsStatefulConnections() bool { return a.stateful }
func (a *metadataOnlyAdapter) SupportedLoadModes() []protocol.LoadMode { return a.modes }

func (a *metadataOnlyAdapter) NewRequestFunc(protocol.Target) (protocol.RequestFunc, error) {
	return nil, protocol.UnsupportedError(a.kind)
}
