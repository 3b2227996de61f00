package fog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/net/ipv4"
)

const (
	defaultAnnouncePort = 27273
	maxDatagramSize     = 64 * 1024
)

// DefaultAnnounceGroup is the IPv4 group discovery beacons are sent to.
var DefaultAnnounceGroup = net.IPv4(239, 255, 77, 77)

// MulticastConfig configures the default Announcer.
type MulticastConfig struct {
	Group net.IP
	Port  int

	// Interfaces to join the group on. Every up, multicast-capable
	// interface is used when empty.
	Interfaces []net.Interface

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// MulticastAnnouncer sends and receives datagrams on a LAN multicast
// group. Its own datagrams are looped back to it.
type MulticastAnnouncer struct {
	cfg    MulticastConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	dst    *net.UDPAddr

	closed atomic.Bool
	conn   net.PacketConn
	pc     *ipv4.PacketConn
	wg     sync.WaitGroup
}

func NewMulticastAnnouncer(cfg MulticastConfig) *MulticastAnnouncer {
	if cfg.Group == nil {
		cfg.Group = DefaultAnnounceGroup
	}
	if cfg.Port == 0 {
		cfg.Port = defaultAnnouncePort
	}

	a := &MulticastAnnouncer{
		cfg: cfg,
		dst: &net.UDPAddr{IP: cfg.Group, Port: cfg.Port},
	}
	if cfg.LogHandler == nil {
		a.logger = slog.Default()
	} else {
		a.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		a.msink = metrics.Default()
	} else {
		a.msink = cfg.MetricSink
	}
	return a
}

func (a *MulticastAnnouncer) Start(sink EventSink) error {
	lc := net.ListenConfig{Control: reusePort}
	conn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(a.cfg.Port)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAnnounceJoin, err)
	}

	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: a.cfg.Group}

	ifaces := a.cfg.Interfaces
	if len(ifaces) == 0 {
		all, err := net.Interfaces()
		if err == nil {
			for _, ifi := range all {
				if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
					ifaces = append(ifaces, ifi)
				}
			}
		}
	}

	joined := 0
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], group); err != nil {
			a.logger.Debug("could not join discovery group", "interface", ifaces[i].Name, LabelError.L(err))
			continue
		}
		joined++
	}
	if joined == 0 {
		if err := pc.JoinGroup(nil, group); err != nil {
			conn.Close()
			return fmt.Errorf("%w: %w", ErrAnnounceJoin, err)
		}
	}

	// Other instances on this host must hear us.
	if err := pc.SetMulticastLoopback(true); err != nil {
		a.logger.Warn("multicast loopback unavailable", LabelError.L(err))
	}
	// Discovery never leaves the LAN.
	if err := pc.SetMulticastTTL(1); err != nil {
		a.logger.Warn("could not restrict multicast TTL", LabelError.L(err))
	}

	a.conn = conn
	a.pc = pc

	a.wg.Add(1)
	go a.receive(sink)
	a.logger.Info("announce channel ready", "group", a.dst.String(), "interfaces", joined)
	return nil
}

func (a *MulticastAnnouncer) receive(sink EventSink) {
	defer a.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, src, err := a.pc.ReadFrom(buf)
		if err != nil {
			if a.closed.Load() {
				return
			}
			a.msink.IncrCounterWithLabels(MetricAnnounceErrorCount, 1.0,
				withLabels(a.cfg.MetricLabels, LabelError.M("read")))
			a.logger.Error("error reading discovery datagram", LabelError.L(err))
			return
		}

		body := make([]byte, n)
		copy(body, buf[:n])

		from := ""
		if src != nil {
			from = src.String()
		}
		a.msink.IncrCounterWithLabels(MetricAnnounceInBytes, float32(n), a.cfg.MetricLabels)
		sink(Event{Kind: EventDataReceived, Body: body, From: from})
	}
}

func (a *MulticastAnnouncer) Send(body []byte) error {
	if a.closed.Load() || a.pc == nil {
		return ErrAnnounceClosed
	}
	if _, err := a.pc.WriteTo(body, nil, a.dst); err != nil {
		a.msink.IncrCounterWithLabels(MetricAnnounceErrorCount, 1.0,
			withLabels(a.cfg.MetricLabels, LabelError.M("write")))
		return err
	}
	a.msink.IncrCounterWithLabels(MetricAnnounceOutBytes, float32(len(body)), a.cfg.MetricLabels)
	return nil
}

func (a *MulticastAnnouncer) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if a.conn != nil {
		err = a.conn.Close()
	}
	a.wg.Wait()
	return err
}
