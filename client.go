package fog

import (
	"log/slog"
	"time"
)

// client is the Router's record of one direct link.
//
// id is set by the first Alive received on the link, which also marks the
// client authenticated. At most one authenticated client exists per id; a
// redundant link to the same node is either retired or kept as a shadow
// until the remote end closes one of them.
type client struct {
	link Link
	id   NodeID

	authenticated bool
	shadow        bool

	// explicit clients come from Connect or the configured neighbours and
	// are reconnected when lost.
	explicit bool
	auto     bool
	addr     string

	// noReconnect is set when the Router itself closes the link.
	noReconnect bool
	// retired links are being closed as duplicates, whatever they still
	// deliver is ignored.
	retired bool

	established time.Time
}

func (c *client) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("link", c.link.ID()),
		slog.String("remote", c.link.RemoteAddr()),
		slog.String("direction", direction(c.link.Outbound())),
	}
	if !c.id.IsZero() {
		attrs = append(attrs, slog.String("id", c.id.String()))
	}
	return slog.GroupValue(attrs...)
}

// dialerOf returns who opened the link.
func (c *client) dialerOf(self NodeID) NodeID {
	if c.link.Outbound() {
		return self
	}
	return c.id
}

// route tells through which client a node is reached.
type route struct {
	via      *client
	hops     int
	lastSeen time.Time
}

// dialIntent remembers why an outbound link was opened until it connects
// or fails.
type dialIntent struct {
	addr      string
	explicit  bool
	auto      bool
	reconnect *reconnect
	cancelled bool
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
