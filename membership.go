package fog

import (
	"fmt"
	"net"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// DomainMembership carries the messages nodes exchange to maintain the
// overlay. Applications may subscribe to them but not send them.
const DomainMembership int32 = 0

const (
	// TypeAlive payload is the path the announcement travelled, starting
	// with its source. It is only exchanged over direct links.
	TypeAlive int32 = 1
	// TypeLost payload lists the nodes the sender can no longer reach.
	TypeLost int32 = 2
	// TypeBeacon advertises a node on the announce channel.
	TypeBeacon int32 = 3
)

const (
	fieldIDs         protowire.Number = 1
	fieldBeaconAddr  protowire.Number = 1
	fieldBeaconGroup protowire.Number = 2
)

type beacon struct {
	id    NodeID
	addr  string
	group NodeID
	seen  time.Time
}

func encodeIDs(ids []NodeID) []byte {
	buf := make([]byte, 0, len(ids)*(protowire.SizeTag(fieldIDs)+protowire.SizeBytes(len(NodeID{}))))
	for _, id := range ids {
		buf = protowire.AppendTag(buf, fieldIDs, protowire.BytesType)
		buf = protowire.AppendBytes(buf, id[:])
	}
	return buf
}

func decodeIDs(b []byte) ([]NodeID, error) {
	var ids []NodeID
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldIDs && typ == protowire.BytesType {
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				id, err := nodeIDFromBytes(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
				}
				ids = append(ids, id)
			}
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return ids, nil
}

func encodeBeacon(addr string, group NodeID) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldBeaconAddr, protowire.BytesType)
	buf = protowire.AppendString(buf, addr)
	buf = protowire.AppendTag(buf, fieldBeaconGroup, protowire.BytesType)
	buf = protowire.AppendBytes(buf, group[:])
	return buf
}

func decodeBeacon(b []byte) (addr string, group NodeID, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", NodeID{}, fmt.Errorf("%w: %w", ErrMalformedPayload, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldBeaconAddr && typ == protowire.BytesType:
			addr, n = protowire.ConsumeString(b)
		case num == fieldBeaconGroup && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				if group, err = nodeIDFromBytes(raw); err != nil {
					return "", NodeID{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", NodeID{}, fmt.Errorf("%w: %w", ErrMalformedPayload, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if addr == "" || group.IsZero() {
		return "", NodeID{}, fmt.Errorf("%w: incomplete beacon", ErrMalformedPayload)
	}
	return addr, group, nil
}

// sendAlive greets c, or refreshes every direct client when c is nil.
func (r *Router) sendAlive(c *client) {
	body, err := r.marshaller.Marshal(&Envelope{
		Domain:  DomainMembership,
		Type:    TypeAlive,
		Payload: encodeIDs([]NodeID{r.id}),
	})
	if err != nil {
		r.logger.Error("could not marshal alive", LabelError.L(err))
		return
	}

	if c != nil {
		if err := c.link.Send(body); err != nil {
			r.logger.Debug("could not greet client", "client", c, LabelError.L(err))
		}
		return
	}
	r.broadcast(body, nil)
}

func (r *Router) violation(c *client, msg string, args ...any) {
	r.logger.Warn("closing link: "+msg, append([]any{"client", c}, args...)...)
	c.noReconnect = true
	c.link.Close(ClosedForProtocol)
}

func (r *Router) handleAlive(c *client, env *Envelope) {
	path, err := decodeIDs(env.Payload)
	if err != nil || len(path) == 0 || path[0] != env.Source {
		r.violation(c, "invalid alive path", LabelError.L(err))
		return
	}

	// Our own announcement, looped through a redundant path.
	if slices.Contains(path, r.id) {
		return
	}

	neighbour := path[len(path)-1]
	switch {
	case c.shadow || c.authenticated:
		if c.id != neighbour {
			r.violation(c, "peer changed identity", LabelPeerID.L(neighbour))
			return
		}
	default:
		r.authenticate(c, neighbour)
	}

	bound := r.byID[neighbour]
	if bound == nil {
		return
	}

	now := r.clock.Now()
	learned := false
	for i, id := range path {
		rt := r.routes[id]
		if rt == nil {
			rt = &route{}
			r.routes[id] = rt
			learned = true
		}
		rt.lastSeen = now
		if r.byID[id] != nil {
			continue
		}
		rt.via = bound
		rt.hops = len(path) - i
	}
	if learned {
		r.topologyChanged()
		r.aliveDue = true
	}

	r.dispatch(env, ScopeDirect)

	fwd, err := r.marshaller.Marshal(&Envelope{
		Source:  env.Source,
		Seq:     env.Seq,
		Domain:  env.Domain,
		Type:    env.Type,
		Payload: encodeIDs(append(path, r.id)),
	})
	if err != nil {
		r.logger.Debug("could not forward alive", LabelError.L(err))
		return
	}
	for id, d := range r.byID {
		if id == neighbour || slices.Contains(path, id) {
			continue
		}
		if err := d.link.Send(fwd); err == nil {
			r.msink.IncrCounterWithLabels(MetricRouterForwarded, 1.0, r.config.metricLabels)
		}
	}
}

// authenticate binds c to id, resolving the duplicate when another link to
// id is already bound. Both ends of the links reach the same decision.
func (r *Router) authenticate(c *client, id NodeID) {
	c.id = id
	existing := r.byID[id]
	if existing == nil {
		r.bind(c)
		return
	}

	r.msink.IncrCounterWithLabels(MetricRouterDuplicateLinks, 1.0, r.config.metricLabels)
	switch {
	case existing.link.Outbound() != c.link.Outbound():
		// Keep the link dialed by the smallest identifier.
		keep := r.id
		if id.Compare(keep) < 0 {
			keep = id
		}
		if c.dialerOf(r.id) == keep {
			r.retire(existing, c)
		} else {
			r.retire(c, existing)
		}
	case c.link.Outbound():
		r.retire(c, existing)
	default:
		// The remote dialed both, it decides which one survives.
		c.shadow = true
		r.shadows[id] = append(r.shadows[id], c)
		r.logger.Debug("redundant inbound link kept until the peer closes one", "client", c)
	}
}

// bind makes c the direct client of its id.
func (r *Router) bind(c *client) {
	c.authenticated = true
	c.shadow = false
	r.byID[c.id] = c

	rt := r.routes[c.id]
	learned := rt == nil
	if learned {
		rt = &route{}
		r.routes[c.id] = rt
	}
	rt.via = c
	rt.hops = 1
	rt.lastSeen = r.clock.Now()

	r.connected(c)

	r.logger.Info("client authenticated", "client", c)
	r.aliveDue = true
	if learned {
		r.topologyChanged()
	} else {
		r.updateGauges()
	}
}

// connected settles the pending dials and reconnections c answers.
func (r *Router) connected(c *client) {
	if r.pendingAuto == c.link {
		r.pendingAuto = nil
	}
	if c.auto {
		r.lastAuto = c
	}
	if c.addr != "" {
		delete(r.reconnects, c.addr)
	}
	for addr, rc := range r.reconnects {
		if rc.id == c.id && rc.inflight == nil {
			delete(r.reconnects, addr)
		}
	}
}

// retire closes drop in favour of keep, both linking to the same node.
func (r *Router) retire(drop, keep *client) {
	r.logger.Info("closing redundant link", "drop", drop, "keep", keep)

	drop.noReconnect = true
	drop.retired = true
	if drop.explicit {
		keep.explicit = true
		keep.addr = drop.addr
	}

	if r.byID[drop.id] == drop {
		drop.authenticated = false
		r.byID[keep.id] = keep
		keep.authenticated = true
		for _, rt := range r.routes {
			if rt.via == drop {
				rt.via = keep
			}
		}
		if r.lastAuto == drop {
			r.lastAuto = keep
		}
	}
	if r.byID[keep.id] != keep {
		r.bind(keep)
	} else {
		r.connected(keep)
	}

	drop.link.Close(ClosedAsDuplicate)
}

// removeClient forgets a closed client and what was reached through it.
func (r *Router) removeClient(c *client) {
	if c.shadow {
		r.shadows[c.id] = slices.DeleteFunc(r.shadows[c.id], func(s *client) bool { return s == c })
		if len(r.shadows[c.id]) == 0 {
			delete(r.shadows, c.id)
		}
		return
	}

	if !c.id.IsZero() && r.byID[c.id] == c {
		delete(r.byID, c.id)

		if shadows := r.shadows[c.id]; len(shadows) > 0 {
			promoted := shadows[0]
			if len(shadows) == 1 {
				delete(r.shadows, c.id)
			} else {
				r.shadows[c.id] = shadows[1:]
			}

			promoted.shadow = false
			if c.explicit {
				promoted.explicit = true
				promoted.addr = c.addr
				c.noReconnect = true
			}
			for _, rt := range r.routes {
				if rt.via == c {
					rt.via = promoted
				}
			}
			r.bind(promoted)
			return
		}
	}

	var lost []NodeID
	for id, rt := range r.routes {
		if rt.via == c {
			delete(r.routes, id)
			lost = append(lost, id)
		}
	}
	if len(lost) > 0 {
		r.logger.Info("nodes unreachable", "count", len(lost), "via", c)
		r.topologyChanged()
		r.sendLost(lost, nil)
	}
}

func (r *Router) handleLost(c *client, env *Envelope) {
	if !c.authenticated && !c.shadow {
		return
	}
	if env.Source != c.id {
		r.violation(c, "lost not originated by the neighbour", LabelPeerID.L(env.Source))
		return
	}
	bound := r.byID[c.id]
	if bound == nil {
		return
	}

	ids, err := decodeIDs(env.Payload)
	if err != nil {
		r.violation(c, "invalid lost payload", LabelError.L(err))
		return
	}

	var lost []NodeID
	for _, id := range ids {
		if id == r.id || id == bound.id {
			continue
		}
		if rt := r.routes[id]; rt != nil && rt.via == bound {
			delete(r.routes, id)
			lost = append(lost, id)
		}
	}

	r.dispatch(env, ScopeDirect)

	if len(lost) > 0 {
		r.topologyChanged()
		r.sendLost(lost, bound)
	}
}

// sendLost tells every direct client except skip that ids are unreachable
// through this node.
func (r *Router) sendLost(ids []NodeID, skip *client) {
	body, err := r.marshaller.Marshal(&Envelope{
		Domain:  DomainMembership,
		Type:    TypeLost,
		Payload: encodeIDs(ids),
	})
	if err != nil {
		r.logger.Error("could not marshal lost", LabelError.L(err))
		return
	}
	r.broadcast(body, skip)
}

func (r *Router) handleBeacon(env *Envelope, from string) {
	addr, group, err := decodeBeacon(env.Payload)
	if err != nil {
		r.logger.Debug("dropping beacon", LabelPeerID.L(env.Source), LabelError.L(err))
		return
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		r.logger.Debug("dropping beacon", LabelPeerID.L(env.Source), LabelError.L(err))
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		fromHost, _, err := net.SplitHostPort(from)
		if err != nil {
			r.logger.Debug("dropping beacon without usable address", LabelPeerID.L(env.Source))
			return
		}
		addr = net.JoinHostPort(fromHost, port)
	}

	r.beacons.Add(env.Source, &beacon{
		id:    env.Source,
		addr:  addr,
		group: group,
		seen:  r.clock.Now(),
	})
}

func (r *Router) sendBeacon() {
	r.beaconDue = false
	r.lastBeacon = r.clock.Now()

	body, err := r.marshaller.Marshal(&Envelope{
		Domain:  DomainMembership,
		Type:    TypeBeacon,
		Payload: encodeBeacon(r.lm.AdvertiseAddr(), r.group),
	})
	if err != nil {
		r.logger.Error("could not marshal beacon", LabelError.L(err))
		return
	}
	r.multicast(body)
}

// topologyChanged is called whenever the set of reachable nodes changed.
func (r *Router) topologyChanged() {
	r.lastChange = r.clock.Now()

	group := r.id
	for id := range r.routes {
		if id.Compare(group) < 0 {
			group = id
		}
	}
	if group != r.group {
		r.logger.Debug("group changed", LabelGroup.L(group))
		r.group = group
		r.beaconDue = true
	}

	r.updateGauges()
}

func (r *Router) updateGauges() {
	r.msink.SetGaugeWithLabels(MetricRouterClients, float32(len(r.routes)), r.config.metricLabels)
	r.msink.SetGaugeWithLabels(MetricRouterDirectClients, float32(len(r.byID)), r.config.metricLabels)
}

// expireRoutes forgets indirect nodes which stopped refreshing their
// liveness.
func (r *Router) expireRoutes(now time.Time) {
	ttl := 3 * r.config.aliveInterval
	expired := false
	for id, rt := range r.routes {
		if r.byID[id] != nil {
			continue
		}
		if now.Sub(rt.lastSeen) > ttl {
			delete(r.routes, id)
			expired = true
			r.logger.Info("node expired", LabelPeerID.L(id))
		}
	}
	if expired {
		r.topologyChanged()
	}
}

// autoConnect merges the local component with a discovered one.
//
// Only the representative of a component, its smallest identifier, dials
// and only toward the representative of a component with a smaller one,
// one dial at a time. Every merge thus adds a single edge between two
// disjoint trees.
func (r *Router) autoConnect(now time.Time) {
	if r.pendingAuto != nil || r.group != r.id {
		return
	}
	if now.Sub(r.lastChange) < r.config.settleTime {
		return
	}

	freshness := 3 * r.config.beaconInterval
	var best *beacon
	for _, key := range r.beacons.Keys() {
		v, ok := r.beacons.Peek(key)
		if !ok {
			continue
		}
		b := v.(*beacon)

		switch {
		case now.Sub(b.seen) > freshness:
			r.beacons.Remove(key)
			continue
		case b.id != b.group, b.id == r.id, r.routes[b.id] != nil:
			continue
		case b.group.Compare(r.id) >= 0:
			continue
		case r.dialAddrInUse(b.addr):
			continue
		}
		if best == nil || b.group.Compare(best.group) < 0 {
			best = b
		}
	}
	if best == nil {
		return
	}

	r.msink.IncrCounterWithLabels(MetricRouterAutoDials, 1.0, r.config.metricLabels)
	r.logger.Info("connecting to discovered peer", LabelPeerID.L(best.id), LabelPeerAddr.L(best.addr))
	r.pendingAuto = r.dial(&dialIntent{addr: best.addr, auto: true})
}

func (r *Router) dialAddrInUse(addr string) bool {
	for _, c := range r.clients {
		if c.addr == addr || (c.link.Outbound() && c.link.RemoteAddr() == addr) {
			return true
		}
	}
	for _, intent := range r.dialing {
		if intent.addr == addr {
			return true
		}
	}
	return false
}
