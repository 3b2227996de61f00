package fog

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// GossipConfig configures an Announcer running on a memberlist cluster,
// for networks where multicast does not reach every node.
type GossipConfig struct {
	// Name must be unique in the cluster, the NodeID is used when empty.
	Name     string
	BindAddr string
	BindPort int
	// Seeds are host:port of existing members.
	Seeds []string

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// GossipAnnouncer implements Announcer with memberlist best-effort user
// messages. Membership events are logged; the Router never learns about
// gossip members except through the beacons they send.
type GossipAnnouncer struct {
	cfg    GossipConfig
	mlCfg  *memberlist.Config
	logger *slog.Logger
	msink  metrics.MetricSink

	lk   sync.RWMutex
	ml   *memberlist.Memberlist
	sink EventSink
}

func NewGossipAnnouncer(cfg GossipConfig) *GossipAnnouncer {
	g := &GossipAnnouncer{cfg: cfg}

	if cfg.MetricSink == nil {
		g.msink = metrics.Default()
	} else {
		g.msink = cfg.MetricSink
	}

	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	g.logger = slog.New(handler)

	g.mlCfg = memberlist.DefaultLANConfig()
	if cfg.Name != "" {
		g.mlCfg.Name = cfg.Name
	}
	if cfg.BindAddr != "" {
		g.mlCfg.BindAddr = cfg.BindAddr
	}
	g.mlCfg.BindPort = cfg.BindPort
	g.mlCfg.AdvertisePort = cfg.BindPort
	g.mlCfg.Delegate = g
	g.mlCfg.Events = g
	g.mlCfg.LogOutput = nil
	g.mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	g.mlCfg.ProbeTimeout = 2 * time.Second

	// TODO(raskyld): drop the translation once memberlist emits with
	// hashicorp/go-metrics.
	g.mlCfg.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		g.mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return g
}

func (g *GossipAnnouncer) Start(sink EventSink) error {
	g.lk.Lock()
	g.sink = sink
	g.lk.Unlock()

	ml, err := memberlist.Create(g.mlCfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAnnounceJoin, err)
	}

	g.lk.Lock()
	g.ml = ml
	g.lk.Unlock()

	if len(g.cfg.Seeds) > 0 {
		joined, err := ml.Join(g.cfg.Seeds)
		if err != nil {
			g.logger.Warn("could not reach any gossip seed", LabelError.L(err))
		} else if joined != len(g.cfg.Seeds) {
			g.logger.Warn(
				"not all gossip seeds are reachable",
				"joined", joined,
				"expected", len(g.cfg.Seeds),
			)
		}
	}
	return nil
}

// Addr is where this announcer can be joined.
func (g *GossipAnnouncer) Addr() string {
	g.lk.RLock()
	defer g.lk.RUnlock()
	if g.ml == nil {
		return ""
	}
	node := g.ml.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
}

// Members is the number of nodes in the gossip cluster, this one included.
func (g *GossipAnnouncer) Members() int {
	g.lk.RLock()
	defer g.lk.RUnlock()
	if g.ml == nil {
		return 0
	}
	return g.ml.NumMembers()
}

func (g *GossipAnnouncer) Send(body []byte) error {
	g.lk.RLock()
	ml := g.ml
	g.lk.RUnlock()
	if ml == nil {
		return ErrAnnounceClosed
	}

	local := ml.LocalNode().Name
	var lastErr error
	for _, node := range ml.Members() {
		if node.Name == local {
			continue
		}
		if err := ml.SendBestEffort(node, body); err != nil {
			lastErr = err
			g.msink.IncrCounterWithLabels(MetricAnnounceErrorCount, 1.0,
				withLabels(g.cfg.MetricLabels, LabelError.M("write"), LabelPeerAddr.M(node.Address())))
			continue
		}
		g.msink.IncrCounterWithLabels(MetricAnnounceOutBytes, float32(len(body)), g.cfg.MetricLabels)
	}
	return lastErr
}

func (g *GossipAnnouncer) Close() error {
	g.lk.Lock()
	ml := g.ml
	g.ml = nil
	g.lk.Unlock()
	if ml == nil {
		return nil
	}
	if err := ml.Leave(2 * time.Second); err != nil {
		g.logger.Warn("could not leave gossip cluster gracefully", LabelError.L(err))
	}
	return ml.Shutdown()
}

func (g *GossipAnnouncer) NodeMeta(int) []byte { return nil }

func (g *GossipAnnouncer) NotifyMsg(buf []byte) {
	g.lk.RLock()
	sink := g.sink
	g.lk.RUnlock()
	if sink == nil || len(buf) == 0 {
		return
	}

	// memberlist reuses buf once we return.
	body := make([]byte, len(buf))
	copy(body, buf)
	g.msink.IncrCounterWithLabels(MetricAnnounceInBytes, float32(len(body)), g.cfg.MetricLabels)
	sink(Event{Kind: EventDataReceived, Body: body})
}

func (g *GossipAnnouncer) GetBroadcasts(int, int) [][]byte { return nil }
func (g *GossipAnnouncer) LocalState(bool) []byte          { return nil }
func (g *GossipAnnouncer) MergeRemoteState([]byte, bool)   {}

func (g *GossipAnnouncer) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined discovery cluster")
	g.gaugeMembers()
}

func (g *GossipAnnouncer) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left discovery cluster")
	g.gaugeMembers()
}

func (g *GossipAnnouncer) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("peer updated")
}

func (g *GossipAnnouncer) gaugeMembers() {
	// memberlist invokes event delegates with its own lock held, so we
	// cannot ask it for the member count here.
	go func() {
		g.msink.SetGaugeWithLabels(MetricAnnounceMemberCount, float32(g.Members()), g.cfg.MetricLabels)
	}()
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		slog.Group("gossip_node",
			slog.String("name", node.Name),
			slog.String("addr", node.Address()),
		),
	)
}
