package fog

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	invalid := map[string]Option{
		"neighbour without port": WithNeighbours([]string{"localhost"}),
		"negative port":          WithListenOn("127.0.0.1", -1),
		"zero node id":           WithNodeID(NodeID{}),
		"nil tls config":         WithTlsConfig(nil),
		"unicast announce group": WithAnnounceGroup(net.IPv4(10, 0, 0, 1)),
		"negative reconnect":     WithReconnect(-1, time.Second),
		"null alive interval":    WithAliveInterval(0),
		"announce port overflow": WithAnnouncePort(70000),
	}

	for name, opt := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := Create(opt)
			require.ErrorIs(t, err, ErrInvalidCfg)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := defaultConfig()
		require.Equal(t, defaultListenPort, cfg.trCfg.BindPort)
		require.Equal(t, defaultReconnectAttempts, cfg.reconnectAttempts)
		require.Equal(t, defaultReconnectInterval, cfg.reconnectInterval)
	})

	t.Run("neighbours are accumulated", func(t *testing.T) {
		cfg := defaultConfig()
		require.NoError(t, WithNeighbours([]string{"10.0.0.1:27272", ""})(&cfg))
		require.NoError(t, WithNeighbours([]string{"[::1]:27272"})(&cfg))
		require.Equal(t, []string{"10.0.0.1:27272", "[::1]:27272"}, cfg.neighbours)
	})
}
