package fog

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestGossipAnnouncer(t *testing.T) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	newAnnouncer := func(name string, seeds ...string) (*GossipAnnouncer, chan Event) {
		g := NewGossipAnnouncer(GossipConfig{
			Name:       name,
			BindAddr:   "127.0.0.1",
			BindPort:   0,
			Seeds:      seeds,
			MetricSink: metrics.NewInmemSink(time.Second, 5*time.Minute),
			LogHandler: handler.WithAttrs([]slog.Attr{
				{Key: "emitter", Value: slog.StringValue(name)},
			}),
		})
		events := make(chan Event, 16)
		require.NoError(t, g.Start(func(ev Event) { events <- ev }))
		return g, events
	}

	g1, ev1 := newAnnouncer("node1")
	defer g1.Close()
	g2, ev2 := newAnnouncer("node2", g1.Addr())
	defer g2.Close()

	require.Eventually(t, func() bool {
		return g1.Members() == 2 && g2.Members() == 2
	}, 10*time.Second, 100*time.Millisecond)

	t.Run("datagrams reach the other members only", func(t *testing.T) {
		require.NoError(t, g1.Send([]byte("beacon")))

		select {
		case ev := <-ev2:
			require.Equal(t, EventDataReceived, ev.Kind)
			require.Nil(t, ev.Link)
			require.Equal(t, "beacon", string(ev.Body))
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for the datagram")
		}

		select {
		case ev := <-ev1:
			t.Fatalf("sender received its own datagram: %q", ev.Body)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("closed announcer refuses to send", func(t *testing.T) {
		require.NoError(t, g2.Close())
		require.NoError(t, g2.Close())
		require.ErrorIs(t, g2.Send([]byte("late")), ErrAnnounceClosed)

		require.Eventually(t, func() bool {
			return g1.Members() == 1
		}, 10*time.Second, 100*time.Millisecond)
	})
}
