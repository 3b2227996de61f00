package fog

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultHeartbeat         = 1 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectInterval = 15 * time.Second
	defaultAliveInterval     = 30 * time.Second
	defaultBeaconInterval    = 5 * time.Second
	defaultSettleTime        = 2 * time.Second
)

type config struct {
	id           NodeID
	identityPath string

	username string
	secret   string

	trCfg TransportConfig
	lm    LinkManager

	announcePort  int
	announceGroup net.IP
	gossip        *GossipConfig
	announcer     Announcer
	autoAnnounce  bool
	bridging      bool

	neighbours []string

	reconnectAttempts int
	reconnectInterval time.Duration
	heartbeat         time.Duration
	aliveInterval     time.Duration
	beaconInterval    time.Duration
	settleTime        time.Duration

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	clock clock
}

func defaultConfig() config {
	return config{
		trCfg: TransportConfig{
			BindPort: defaultListenPort,
		},
		announcePort:      defaultAnnouncePort,
		reconnectAttempts: defaultReconnectAttempts,
		reconnectInterval: defaultReconnectInterval,
		heartbeat:         defaultHeartbeat,
		aliveInterval:     defaultAliveInterval,
		beaconInterval:    defaultBeaconInterval,
		settleTime:        defaultSettleTime,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which UDP interface direct links are accepted on.
// Port 0 picks a free port and, unless an identity is configured, makes the
// node identity ephemeral.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidAddr
		}
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertiseAddr sets the host other nodes are told to dial. It is
// required with gossip discovery when listening on every interface.
func WithAdvertiseAddr(host string) Option {
	return func(c *config) error {
		c.trCfg.AdvertiseAddr = host
		return nil
	}
}

// WithCredentials sets the username and secret shared by every member of
// the overlay. Envelopes signed with other credentials are dropped.
func WithCredentials(username, secret string) Option {
	return func(c *config) error {
		c.username = username
		c.secret = secret
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Router.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Router`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithTlsConfig sets the `tls.Config` of direct links. Without it, links use
// an ephemeral self-signed certificate and do not verify peers.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithSendQueue sets how many frames a link buffers for a slow peer before
// giving up on it.
func WithSendQueue(frames int) Option {
	return func(c *config) error {
		if frames < 0 {
			return errors.New("send queue must not be negative")
		}
		c.trCfg.SendQueue = frames
		return nil
	}
}

// WithNeighbours lists host:port of peers connected at start-up. They are
// explicit links and are reconnected when lost.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		for _, n := range neighbours {
			if n == "" {
				continue
			}
			if _, _, err := net.SplitHostPort(n); err != nil {
				return err
			}
			c.neighbours = append(c.neighbours, n)
		}
		return nil
	}
}

// WithReconnect bounds the reconnection of lost explicit links. Zero
// attempts disables reconnection.
func WithReconnect(attempts int, interval time.Duration) Option {
	return func(c *config) error {
		if attempts < 0 || interval < 0 {
			return errors.New("reconnect attempts and interval must not be negative")
		}
		c.reconnectAttempts = attempts
		if interval > 0 {
			c.reconnectInterval = interval
		}
		return nil
	}
}

// WithHeartbeat sets the period of the maintenance tick driving
// reconnection, beacons and automatic connections. Zero disables the tick.
func WithHeartbeat(period time.Duration) Option {
	return func(c *config) error {
		if period < 0 {
			return errors.New("heartbeat must not be negative")
		}
		c.heartbeat = period
		return nil
	}
}

// WithAliveInterval sets how often a node refreshes its liveness across
// the overlay. Indirect peers are forgotten after three silent intervals.
func WithAliveInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return errors.New("alive interval must be positive")
		}
		c.aliveInterval = interval
		return nil
	}
}

// WithBeaconInterval sets how often discovery beacons are sent once
// announcing. Beacons older than three intervals are ignored.
func WithBeaconInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return errors.New("beacon interval must be positive")
		}
		c.beaconInterval = interval
		return nil
	}
}

// WithSettleTime sets how long membership must stay unchanged before the
// node connects automatically to a discovered peer.
func WithSettleTime(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return errors.New("settle time must not be negative")
		}
		c.settleTime = d
		return nil
	}
}

// WithAnnouncePort sets the UDP port of the multicast discovery group.
func WithAnnouncePort(port int) Option {
	return func(c *config) error {
		if port <= 0 || port > 65535 {
			return ErrInvalidAddr
		}
		c.announcePort = port
		return nil
	}
}

// WithAnnounceGroup overrides the IPv4 multicast group of discovery.
func WithAnnounceGroup(group net.IP) Option {
	return func(c *config) error {
		if group == nil || !group.IsMulticast() || group.To4() == nil {
			return ErrInvalidAddr
		}
		c.announceGroup = group
		return nil
	}
}

// WithGossipAnnounce replaces multicast discovery with a memberlist
// cluster bound on bindAddr:bindPort and joined through seeds.
func WithGossipAnnounce(bindAddr string, bindPort int, seeds ...string) Option {
	return func(c *config) error {
		c.gossip = &GossipConfig{
			BindAddr: bindAddr,
			BindPort: bindPort,
			Seeds:    seeds,
		}
		return nil
	}
}

// WithAnnouncer plugs a custom discovery channel.
func WithAnnouncer(a Announcer) Option {
	return func(c *config) error {
		c.announcer = a
		return nil
	}
}

// WithLinkManager plugs a custom transport for direct links.
func WithLinkManager(lm LinkManager) Option {
	return func(c *config) error {
		c.lm = lm
		return nil
	}
}

// WithAutoAnnounce makes `Create` start announcing right away.
func WithAutoAnnounce(enabled bool) Option {
	return func(c *config) error {
		c.autoAnnounce = enabled
		return nil
	}
}

// WithMulticastBridging relays application messages received from the
// announce channel over direct links.
func WithMulticastBridging(enabled bool) Option {
	return func(c *config) error {
		c.bridging = enabled
		return nil
	}
}

// WithIdentityFile sets where the node identity is persisted.
func WithIdentityFile(path string) Option {
	return func(c *config) error {
		c.identityPath = path
		return nil
	}
}

// WithNodeID forces the node identity, nothing is persisted.
func WithNodeID(id NodeID) Option {
	return func(c *config) error {
		if id.IsZero() {
			return ErrInvalidNodeID
		}
		c.id = id
		return nil
	}
}

func withClock(clk clock) Option {
	return func(c *config) error {
		c.clock = clk
		return nil
	}
}
