package fog

import (
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestMulticastAnnouncer(t *testing.T) {
	newAnnouncer := func() (*MulticastAnnouncer, chan Event) {
		a := NewMulticastAnnouncer(MulticastConfig{
			Port:       27383,
			MetricSink: &metrics.BlackholeSink{},
			LogHandler: testHandler("announce"),
		})
		events := make(chan Event, 16)
		if err := a.Start(func(ev Event) { events <- ev }); err != nil {
			t.Skipf("multicast unavailable: %s", err)
		}
		return a, events
	}

	a1, ev1 := newAnnouncer()
	defer a1.Close()
	a2, ev2 := newAnnouncer()
	defer a2.Close()

	require.NoError(t, a1.Send([]byte("beacon")))

	for _, events := range []chan Event{ev1, ev2} {
		select {
		case ev := <-events:
			require.Equal(t, EventDataReceived, ev.Kind)
			require.Equal(t, "beacon", string(ev.Body))
			require.NotEmpty(t, ev.From)
		case <-time.After(2 * time.Second):
			t.Skip("multicast datagrams are not looped back on this host")
		}
	}

	require.NoError(t, a1.Close())
	require.NoError(t, a1.Close())
	require.ErrorIs(t, a1.Send([]byte("late")), ErrAnnounceClosed)
}
