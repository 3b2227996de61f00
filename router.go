package fog

import (
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru"
)

const (
	seenCacheSize   = 8192
	beaconCacheSize = 256
	eventQueueSize  = 1024
)

// Scope selects the channels an outbound message is sent on.
type Scope uint8

const (
	ScopeDirect    Scope = 1 << 0
	ScopeMulticast Scope = 1 << 1
)

func (s Scope) String() string {
	switch s {
	case ScopeDirect:
		return "direct"
	case ScopeMulticast:
		return "multicast"
	case ScopeDirect | ScopeMulticast:
		return "direct+multicast"
	default:
		return "none"
	}
}

// Message is an application message. Domain 0 is reserved.
type Message struct {
	Domain  int32
	Type    int32
	Payload []byte
}

// MessageContext describes where a dispatched message comes from.
type MessageContext struct {
	Source NodeID
	Scope  Scope
}

// Handler receives authenticated payloads. Handlers run on the Router
// loop: they must not block nor call the synchronous accessors of the
// Router.
type Handler func(payload []byte, mctx MessageContext)

type topic struct {
	domain int32
	kind   int32
}

// Router is the hub of the overlay: it owns the direct links and the
// announce channel, authenticates what it receives, dispatches it to
// handlers and floods it to the rest of the overlay.
//
// All the routing state is owned by a single goroutine, the other
// goroutines hand work over through channels.
type Router struct {
	config     config
	logger     *slog.Logger
	msink      metrics.MetricSink
	clock      clock
	id         NodeID
	marshaller *Marshaller
	lm         LinkManager
	announcer  Announcer

	handlersLk sync.RWMutex
	handlers   map[topic][]*Handler

	events chan Event
	calls  chan func()

	// owned by the loop
	clients    map[Link]*client
	byID       map[NodeID]*client
	shadows    map[NodeID][]*client
	routes     map[NodeID]*route
	dialing    map[Link]*dialIntent
	reconnects map[string]*reconnect
	seen       *lru.Cache
	beacons    *lru.Cache

	group         NodeID
	announcing    bool
	pendingAuto   Link
	lastAuto      *client
	aliveDue      bool
	beaconDue     bool
	lastAlive     time.Time
	lastBeacon    time.Time
	lastChange    time.Time
	cycleFailures uint64

	// 2-phase close:
	// phase 1: shutdown notification, the loop stops.
	// phase 2: drop, link and announce goroutines are released.
	lk         sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	dropCh     chan struct{}
	loopDone   chan struct{}
}

// Create builds a Router, starts its transport and announce channel and
// dials the configured neighbours.
func Create(opts ...Option) (*Router, error) {
	r := &Router{
		config:     defaultConfig(),
		handlers:   make(map[topic][]*Handler),
		events:     make(chan Event, eventQueueSize),
		calls:      make(chan func(), eventQueueSize),
		clients:    make(map[Link]*client),
		byID:       make(map[NodeID]*client),
		shadows:    make(map[NodeID][]*client),
		routes:     make(map[NodeID]*route),
		dialing:    make(map[Link]*dialIntent),
		reconnects: make(map[string]*reconnect),
		shutdownCh: make(chan struct{}),
		dropCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(&r.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if r.config.logHandler == nil {
		r.config.logHandler = slog.Default().Handler()
	}
	r.logger = slog.New(r.config.logHandler)

	// Metrics implementations.
	if r.config.msink == nil {
		r.config.msink = metrics.Default()
	}
	r.msink = r.config.msink

	r.clock = r.config.clock
	if r.clock == nil {
		r.clock = realClock{}
	}

	r.id = r.resolveIdentity()
	r.group = r.id
	r.logger = r.logger.With(LabelNodeID.L(r.id))
	r.marshaller = NewMarshaller(r.id, r.config.username, r.config.secret)
	if r.config.secret == "" {
		r.logger.Warn("no shared secret configured, any node with an empty secret can join")
	}

	var err error
	r.seen, err = lru.New(seenCacheSize)
	if err != nil {
		return nil, err
	}
	r.beacons, err = lru.New(beaconCacheSize)
	if err != nil {
		return nil, err
	}

	r.lm = r.config.lm
	if r.lm == nil {
		tr, err := NewTransport(&r.config.trCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		r.lm = tr
	}

	if err := r.lm.Start(r.sink); err != nil {
		r.lm.Close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	r.announcer = r.config.announcer
	if r.announcer == nil {
		r.announcer = r.defaultAnnouncer()
	}
	if err := r.announcer.Start(r.sink); err != nil {
		r.logger.Warn("announce channel unavailable, discovery disabled", LabelError.L(err))
		r.announcer = nil
	}

	now := r.clock.Now()
	r.lastAlive = now
	r.lastChange = now

	go r.run()

	r.logger.Info("router started", "addr", r.lm.AdvertiseAddr())

	for _, addr := range r.config.neighbours {
		r.post(func() {
			r.dial(&dialIntent{addr: addr, explicit: true})
		})
	}

	if r.config.autoAnnounce {
		if err := r.StartAnnounce(); err != nil {
			r.logger.Warn("could not start announcing", LabelError.L(err))
		}
	}
	return r, nil
}

func (r *Router) resolveIdentity() NodeID {
	if !r.config.id.IsZero() {
		return r.config.id
	}

	path := r.config.identityPath
	if path == "" {
		if r.config.trCfg.BindPort == 0 {
			id := NewNodeID()
			r.logger.Debug("identity is ephemeral: no identity file and no fixed port")
			return id
		}
		var err error
		path, err = DefaultIdentityPath(r.config.trCfg.BindPort)
		if err != nil {
			r.logger.Warn("identity is ephemeral", LabelError.L(err))
			return NewNodeID()
		}
	}

	id, err := LoadOrCreateIdentity(path)
	if err != nil {
		r.logger.Warn("identity is ephemeral", "path", path, LabelError.L(err))
		return NewNodeID()
	}
	return id
}

func (r *Router) defaultAnnouncer() Announcer {
	if gcfg := r.config.gossip; gcfg != nil {
		cfg := *gcfg
		if cfg.Name == "" {
			cfg.Name = r.id.String()
		}
		cfg.LogHandler = r.config.logHandler
		cfg.MetricSink = r.msink
		cfg.MetricLabels = r.config.metricLabels
		return NewGossipAnnouncer(cfg)
	}

	return NewMulticastAnnouncer(MulticastConfig{
		Group:        r.config.announceGroup,
		Port:         r.config.announcePort,
		LogHandler:   r.config.logHandler,
		MetricSink:   r.msink,
		MetricLabels: r.config.metricLabels,
	})
}

// ID of this node.
func (r *Router) ID() NodeID {
	return r.id
}

// Addr is the host:port other nodes dial to reach this node.
func (r *Router) Addr() string {
	return r.lm.AdvertiseAddr()
}

// Connect asks for a direct link to host:port. It is always attempted,
// even when the node at this address is already reachable, and it is
// reconnected when lost.
func (r *Router) Connect(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return r.post(func() {
		r.dial(&dialIntent{addr: addr, explicit: true})
	})
}

// SendMessage signs msg and sends it over every direct link and/or the
// announce channel. It never waits for the network.
func (r *Router) SendMessage(msg Message, scope Scope) error {
	if msg.Domain == DomainMembership {
		return ErrReservedTopic
	}
	if scope&(ScopeDirect|ScopeMulticast) == 0 {
		return ErrInvalidScope
	}
	if scope&ScopeMulticast != 0 && r.announcer == nil {
		return ErrNoAnnounce
	}

	env := &Envelope{Domain: msg.Domain, Type: msg.Type, Payload: msg.Payload}
	body, err := r.marshaller.Marshal(env)
	if err != nil {
		return err
	}

	return r.post(func() {
		if scope&ScopeDirect != 0 {
			r.broadcast(body, nil)
		}
		if scope&ScopeMulticast != 0 {
			r.multicast(body)
		}
	})
}

// Signal is the subscription point of one (domain, type) pair.
type Signal struct {
	r   *Router
	key topic
}

// SignalMessage returns the subscription point of messages of the given
// domain and type.
func (r *Router) SignalMessage(domain, kind int32) *Signal {
	return &Signal{r: r, key: topic{domain: domain, kind: kind}}
}

// Connect registers h and returns a function removing it. It may be
// called from a Handler.
func (s *Signal) Connect(h Handler) (disconnect func()) {
	hp := &h
	s.r.handlersLk.Lock()
	s.r.handlers[s.key] = append(s.r.handlers[s.key], hp)
	s.r.handlersLk.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.r.handlersLk.Lock()
			defer s.r.handlersLk.Unlock()
			s.r.handlers[s.key] = slices.DeleteFunc(s.r.handlers[s.key], func(other *Handler) bool {
				return other == hp
			})
			if len(s.r.handlers[s.key]) == 0 {
				delete(s.r.handlers, s.key)
			}
		})
	}
}

// StartAnnounce starts sending discovery beacons and connecting to
// discovered peers.
func (r *Router) StartAnnounce() error {
	var err error
	ierr := r.invoke(func() {
		if r.announcer == nil {
			err = ErrNoAnnounce
			return
		}
		if !r.announcing {
			r.announcing = true
			r.beaconDue = true
			r.logger.Info("announce started")
		}
	})
	if ierr != nil {
		return ierr
	}
	return err
}

func (r *Router) AnnounceStarted() (started bool) {
	r.invoke(func() { started = r.announcing })
	return
}

// Clients lists every node reachable from this one, directly or not.
func (r *Router) Clients() (ids []NodeID) {
	r.invoke(func() {
		ids = make([]NodeID, 0, len(r.routes))
		for id := range r.routes {
			ids = append(ids, id)
		}
	})
	slices.SortFunc(ids, NodeID.Compare)
	return
}

// ClientCount is the number of reachable nodes.
func (r *Router) ClientCount() (n int) {
	r.invoke(func() { n = len(r.routes) })
	return
}

// DirectClients lists the nodes this one holds an authenticated link to.
func (r *Router) DirectClients() (ids []NodeID) {
	r.invoke(func() {
		ids = make([]NodeID, 0, len(r.byID))
		for id := range r.byID {
			ids = append(ids, id)
		}
	})
	slices.SortFunc(ids, NodeID.Compare)
	return
}

// CycleFailures counts the envelopes this node originated and received
// back over a direct link.
func (r *Router) CycleFailures() (n uint64) {
	r.invoke(func() { n = r.cycleFailures })
	return
}

// Disconnect closes the direct link to id. Explicit links are reconnected
// as if the link had failed.
func (r *Router) Disconnect(id NodeID) error {
	var err error
	ierr := r.invoke(func() {
		c := r.byID[id]
		if c == nil {
			err = fmt.Errorf("%w: %s", ErrNotDirect, id)
			return
		}
		r.logger.Info("disconnecting", LabelPeerID.L(id))
		c.link.Close(ClosedByUser)
		for _, s := range r.shadows[id] {
			s.link.Close(ClosedByUser)
		}
	})
	if ierr != nil {
		return ierr
	}
	return err
}

// DisconnectAll closes every link and forgets every reconnection schedule.
func (r *Router) DisconnectAll() error {
	return r.invoke(func() {
		for _, c := range r.clients {
			c.noReconnect = true
			c.link.Close(ClosedByUser)
		}
		for l, intent := range r.dialing {
			intent.cancelled = true
			l.Close(ClosedByUser)
		}
		clear(r.reconnects)
		r.pendingAuto = nil
		r.logger.Info("disconnected from every peer")
	})
}

// Shutdown stops the Router and releases every link. It is idempotent.
func (r *Router) Shutdown() error {
	// Phase 1: Shutdown notify.
	r.lk.Lock()
	if r.shutdown {
		r.lk.Unlock()
		return nil
	}
	r.shutdown = true
	close(r.shutdownCh)
	r.lk.Unlock()

	start := time.Now()
	r.logger.Info("shutting down...")
	<-r.loopDone

	// Phase 2: Drop all resources.
	close(r.dropCh)

	if r.announcer != nil {
		r.logger.Info("shutdown: close announce channel")
		if err := r.announcer.Close(); err != nil {
			r.logger.Warn("error closing announce channel", LabelError.L(err))
		}
	}

	r.logger.Info("shutdown: close links")
	err := r.lm.Close()

	r.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}

func (r *Router) sink(ev Event) {
	select {
	case r.events <- ev:
	case <-r.dropCh:
	}
}

// post runs fn on the loop without waiting for it.
func (r *Router) post(fn func()) error {
	select {
	case <-r.shutdownCh:
		return ErrRouterClosed
	default:
	}

	select {
	case r.calls <- fn:
		return nil
	case <-r.shutdownCh:
		return ErrRouterClosed
	}
}

// invoke runs fn on the loop and waits for it.
func (r *Router) invoke(fn func()) error {
	done := make(chan struct{})
	err := r.post(func() {
		fn()
		close(done)
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-r.loopDone:
		return ErrRouterClosed
	}
}

func (r *Router) run() {
	defer close(r.loopDone)

	var tick <-chan time.Time
	if r.config.heartbeat > 0 {
		ticker := time.NewTicker(r.config.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev := <-r.events:
			r.handleEvent(ev)
		case fn := <-r.calls:
			fn()
		case <-tick:
			r.heartbeat()
		case <-r.shutdownCh:
			return
		}
		r.flush()
	}
}

func (r *Router) handleEvent(ev Event) {
	switch ev.Kind {
	case EventLinkConnected:
		r.onLinkConnected(ev.Link)
	case EventLinkClosed:
		r.onLinkClosed(ev.Link, ev.Err)
	case EventDataReceived:
		if ev.Link == nil {
			r.onDatagram(ev.Body, ev.From)
		} else {
			r.onLinkData(ev.Link, ev.Body)
		}
	}
}

// dial opens an outbound link, its outcome is tracked through intent.
func (r *Router) dial(intent *dialIntent) Link {
	l := r.lm.Connect(intent.addr)
	r.dialing[l] = intent
	r.logger.Debug("dialing", LabelPeerAddr.L(intent.addr), "explicit", intent.explicit, "auto", intent.auto)
	return l
}

func (r *Router) onLinkConnected(l Link) {
	c := &client{
		link:        l,
		established: r.clock.Now(),
	}

	if intent, ok := r.dialing[l]; ok {
		delete(r.dialing, l)
		c.explicit = intent.explicit
		c.auto = intent.auto
		c.addr = intent.addr
		if intent.cancelled {
			c.noReconnect = true
			l.Close(ClosedByUser)
		}
	}

	r.clients[l] = c
	r.logger.Debug("link connected", "client", c)
	r.sendAlive(c)
}

func (r *Router) onLinkClosed(l Link, err error) {
	if r.pendingAuto == l {
		r.pendingAuto = nil
	}

	if intent, ok := r.dialing[l]; ok {
		delete(r.dialing, l)
		r.logger.Debug("dial failed", LabelPeerAddr.L(intent.addr), LabelError.L(err))
		switch {
		case intent.cancelled:
		case intent.reconnect != nil:
			r.reconnectFailed(intent.reconnect, err)
		case intent.explicit:
			r.scheduleReconnect(intent.addr, NodeID{})
		}
		return
	}

	c, ok := r.clients[l]
	if !ok {
		return
	}
	delete(r.clients, l)
	if r.lastAuto == c {
		r.lastAuto = nil
	}

	r.logger.Info("link closed", "client", c, LabelError.L(err))
	r.removeClient(c)

	// A reconnection whose link closed before the peer greeted us.
	if rc := r.reconnects[c.addr]; rc != nil && rc.inflight == l {
		r.reconnectFailed(rc, err)
		return
	}
	if c.explicit && !c.noReconnect {
		r.scheduleReconnect(c.addr, c.id)
	}
}

func (r *Router) onLinkData(l Link, body []byte) {
	c, ok := r.clients[l]
	if !ok {
		return
	}

	env, err := r.marshaller.Unmarshal(body)
	if err != nil {
		r.logger.Warn("closing link after malformed envelope", "client", c, LabelError.L(err))
		c.noReconnect = true
		l.Close(ClosedForProtocol)
		return
	}

	r.receive(c, env, body, ScopeDirect, "")
}

func (r *Router) onDatagram(body []byte, from string) {
	env, err := r.marshaller.Unmarshal(body)
	if err != nil {
		r.logger.Debug("dropping malformed datagram", LabelPeerAddr.L(from), LabelError.L(err))
		return
	}
	r.receive(nil, env, body, ScopeMulticast, from)
}

// receive applies the receive pipeline to env. c is nil for datagrams.
func (r *Router) receive(c *client, env *Envelope, body []byte, scope Scope, from string) {
	if !env.Authentic {
		r.msink.IncrCounterWithLabels(MetricRouterAuthFailures, 1.0,
			withLabels(r.config.metricLabels, LabelScope.M(scope.String())))
		r.logger.Debug("dropping unauthentic envelope", LabelPeerID.L(env.Source), LabelScope.L(scope.String()))
		return
	}

	if c != nil && c.retired {
		return
	}

	if env.Source == r.id {
		switch {
		case scope == ScopeMulticast:
			// Announce loops our own datagrams back, that is expected.
		case !c.authenticated && !c.shadow && env.Domain == DomainMembership && env.Type == TypeAlive:
			r.logger.Warn("closing link to ourselves", "client", c)
			c.noReconnect = true
			c.link.Close(ClosedAsDuplicate)
		default:
			r.cycleFailure(c, env)
		}
		return
	}

	if c != nil && !c.authenticated && !c.shadow && env.Domain != DomainMembership {
		r.logger.Debug("dropping envelope received before the peer greeted us", "client", c)
		return
	}

	if !r.markSeen(env) {
		r.msink.IncrCounterWithLabels(MetricRouterDuplicates, 1.0, r.config.metricLabels)
		return
	}

	if env.Domain == DomainMembership {
		switch env.Type {
		case TypeAlive:
			if c != nil {
				r.handleAlive(c, env)
			}
		case TypeLost:
			if c != nil {
				r.handleLost(c, env)
			}
		case TypeBeacon:
			if c == nil {
				r.handleBeacon(env, from)
			}
		default:
			r.logger.Debug("unknown membership message", LabelType.L(env.Type))
		}
		return
	}

	r.dispatch(env, scope)

	switch {
	case c != nil:
		r.broadcast(body, c)
	case r.config.bridging:
		// The source heard its own datagram, it must not get it back.
		r.broadcast(body, r.byID[env.Source])
	}
}

// markSeen records env and reports whether it was new.
func (r *Router) markSeen(env *Envelope) bool {
	key := seenKey{source: env.Source, seq: env.Seq}
	if r.seen.Contains(key) {
		return false
	}
	r.seen.Add(key, struct{}{})
	return true
}

type seenKey struct {
	source NodeID
	seq    uint64
}

func (r *Router) cycleFailure(c *client, env *Envelope) {
	r.cycleFailures++
	r.msink.IncrCounterWithLabels(MetricRouterCycleFailures, 1.0, r.config.metricLabels)
	r.logger.Warn("received our own envelope back, the overlay has a cycle",
		"client", c,
		LabelDomain.L(env.Domain),
		LabelType.L(env.Type),
	)

	// The newest automatic link is the likeliest to close the cycle, auto
	// connect will merge again through a single link.
	if la := r.lastAuto; la != nil {
		r.lastAuto = nil
		la.noReconnect = true
		la.link.Close(ClosedForCycle)
	}
}

func (r *Router) dispatch(env *Envelope, scope Scope) {
	r.handlersLk.RLock()
	handlers := slices.Clone(r.handlers[topic{domain: env.Domain, kind: env.Type}])
	r.handlersLk.RUnlock()

	if len(handlers) == 0 {
		return
	}

	mctx := MessageContext{Source: env.Source, Scope: scope}
	for _, h := range handlers {
		(*h)(env.Payload, mctx)
	}
	r.msink.IncrCounterWithLabels(MetricRouterDispatched, 1.0, r.config.metricLabels)
}

// broadcast sends body to every authenticated client except those bound to
// the node from was bound to.
func (r *Router) broadcast(body []byte, from *client) {
	for id, c := range r.byID {
		if from != nil && id == from.id {
			continue
		}
		if err := c.link.Send(body); err != nil {
			r.logger.Debug("could not send to client", "client", c, LabelError.L(err))
			continue
		}
		if from != nil {
			r.msink.IncrCounterWithLabels(MetricRouterForwarded, 1.0, r.config.metricLabels)
		}
	}
}

func (r *Router) multicast(body []byte) {
	if r.announcer == nil {
		return
	}
	if err := r.announcer.Send(body); err != nil {
		r.logger.Debug("could not send on announce channel", LabelError.L(err))
	}
}

// flush sends what the last loop iteration scheduled.
func (r *Router) flush() {
	if r.aliveDue {
		r.aliveDue = false
		r.lastAlive = r.clock.Now()
		r.sendAlive(nil)
	}
	if r.beaconDue && r.announcing {
		r.sendBeacon()
	}
}

func (r *Router) heartbeat() {
	now := r.clock.Now()

	r.expireRoutes(now)

	if now.Sub(r.lastAlive) >= r.config.aliveInterval {
		r.aliveDue = true
	}

	r.runReconnects(now)

	if r.announcing {
		if now.Sub(r.lastBeacon) >= r.config.beaconInterval {
			r.beaconDue = true
		}
		r.autoConnect(now)
	}
}
