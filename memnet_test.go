package fog

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("memnet: connection refused")

// memNetwork connects memManagers in-process. It counts in-flight events so
// tests can wait for the overlay to go quiet.
type memNetwork struct {
	mu       sync.Mutex
	managers map[string]*memManager
	linkID   atomic.Uint64

	pending    atomic.Int64
	generation atomic.Uint64
}

func newMemNetwork() *memNetwork {
	return &memNetwork{managers: make(map[string]*memManager)}
}

func (n *memNetwork) manager(addr string) *memManager {
	return &memManager{
		net:   n,
		addr:  addr,
		links: make(map[*memLink]struct{}),
	}
}

func (n *memNetwork) lookup(addr string) *memManager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.managers[addr]
}

// memQueue is an unbounded event queue drained by one goroutine.
type memQueue struct {
	net     *memNetwork
	mu      sync.Mutex
	events  []Event
	final   bool
	stopped bool
	notify  chan struct{}
}

func newMemQueue(n *memNetwork) *memQueue {
	return &memQueue{net: n, notify: make(chan struct{}, 1)}
}

// appendLocked requires q.mu.
func (q *memQueue) appendLocked(ev Event) bool {
	if q.final {
		return false
	}
	if ev.Kind == EventLinkClosed {
		q.final = true
	}
	q.net.pending.Add(1)
	q.net.generation.Add(1)
	q.events = append(q.events, ev)
	return true
}

func (q *memQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memQueue) push(ev Event) bool {
	q.mu.Lock()
	ok := q.appendLocked(ev)
	q.mu.Unlock()
	q.signal()
	return ok
}

func (q *memQueue) stop() {
	q.mu.Lock()
	q.final = true
	q.stopped = true
	q.mu.Unlock()
	q.signal()
}

func (q *memQueue) run(sink EventSink) {
	for {
		q.mu.Lock()
		if len(q.events) == 0 {
			stopped := q.stopped
			q.mu.Unlock()
			if stopped {
				return
			}
			<-q.notify
			continue
		}
		ev := q.events[0]
		q.events = q.events[1:]
		q.mu.Unlock()

		sink(ev)
		q.net.pending.Add(-1)
		if ev.Kind == EventLinkClosed {
			return
		}
	}
}

type memManager struct {
	net  *memNetwork
	addr string
	sink EventSink

	mu     sync.Mutex
	links  map[*memLink]struct{}
	closed bool
}

func (m *memManager) Start(sink EventSink) error {
	m.sink = sink
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if _, exists := m.net.managers[m.addr]; exists {
		return fmt.Errorf("memnet: %s already in use", m.addr)
	}
	m.net.managers[m.addr] = m
	return nil
}

func (m *memManager) newLink(outbound bool, remote string) *memLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	l := &memLink{
		id:       m.net.linkID.Add(1),
		mgr:      m,
		outbound: outbound,
		remote:   remote,
		q:        newMemQueue(m.net),
	}
	m.links[l] = struct{}{}
	go l.q.run(m.sink)
	return l
}

func (m *memManager) Connect(addr string) Link {
	l := m.newLink(true, addr)
	if l == nil {
		l = &memLink{id: m.net.linkID.Add(1), mgr: m, outbound: true, remote: addr, q: newMemQueue(m.net)}
		go l.q.run(m.sink)
		l.Close(ClosedByShutdown)
		return l
	}

	target := m.net.lookup(addr)
	var in *memLink
	if target != nil {
		in = target.newLink(false, m.addr)
	}
	if in == nil {
		l.terminate(errRefused)
		return l
	}

	l.q.mu.Lock()
	in.q.mu.Lock()
	l.peer = in
	in.peer = l
	l.q.appendLocked(Event{Kind: EventLinkConnected, Link: l})
	in.q.appendLocked(Event{Kind: EventLinkConnected, Link: in})
	l.state = StateConnected
	in.state = StateConnected
	in.q.mu.Unlock()
	l.q.mu.Unlock()
	l.q.signal()
	in.q.signal()
	return l
}

func (m *memManager) AdvertiseAddr() string {
	return m.addr
}

func (m *memManager) Close() error {
	m.mu.Lock()
	m.closed = true
	links := make([]*memLink, 0, len(m.links))
	for l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	m.net.mu.Lock()
	if m.net.managers[m.addr] == m {
		delete(m.net.managers, m.addr)
	}
	m.net.mu.Unlock()

	for _, l := range links {
		l.Close(ClosedByShutdown)
	}
	return nil
}

type memLink struct {
	id       uint64
	mgr      *memManager
	outbound bool
	remote   string
	q        *memQueue

	// guarded by q.mu
	state LinkState
	peer  *memLink
}

func (l *memLink) ID() uint64         { return l.id }
func (l *memLink) Outbound() bool     { return l.outbound }
func (l *memLink) RemoteAddr() string { return l.remote }

func (l *memLink) State() LinkState {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()
	return l.state
}

func (l *memLink) Send(body []byte) error {
	l.q.mu.Lock()
	state, peer := l.state, l.peer
	l.q.mu.Unlock()
	if state != StateConnected {
		return ErrLinkNotConnected
	}
	peer.q.push(Event{Kind: EventDataReceived, Link: peer, Body: bytes.Clone(body)})
	return nil
}

func (l *memLink) Close(reason CloseReason) {
	l.terminate(fmt.Errorf("closed locally: %s", reason))
}

func (l *memLink) terminate(err error) {
	l.q.mu.Lock()
	if l.state == StateClosed {
		l.q.mu.Unlock()
		return
	}
	l.state = StateClosed
	peer := l.peer
	l.q.appendLocked(Event{Kind: EventLinkClosed, Link: l, Err: err})
	l.q.mu.Unlock()
	l.q.signal()

	l.mgr.mu.Lock()
	delete(l.mgr.links, l)
	l.mgr.mu.Unlock()

	if peer != nil {
		peer.terminate(fmt.Errorf("closed by peer: %w", err))
	}
}

// memBus is a lossless broadcast domain standing for a multicast group.
type memBus struct {
	net     *memNetwork
	mu      sync.Mutex
	members []*memAnnouncer
}

func newMemBus(n *memNetwork) *memBus {
	return &memBus{net: n}
}

func (b *memBus) announcer(addr string) *memAnnouncer {
	return &memAnnouncer{bus: b, addr: addr, q: newMemQueue(b.net)}
}

type memAnnouncer struct {
	bus  *memBus
	addr string
	q    *memQueue
}

func (a *memAnnouncer) Start(sink EventSink) error {
	a.bus.mu.Lock()
	a.bus.members = append(a.bus.members, a)
	a.bus.mu.Unlock()
	go a.q.run(sink)
	return nil
}

func (a *memAnnouncer) Send(body []byte) error {
	a.bus.mu.Lock()
	members := slices.Clone(a.bus.members)
	a.bus.mu.Unlock()

	for _, m := range members {
		m.q.push(Event{Kind: EventDataReceived, Body: bytes.Clone(body), From: a.addr})
	}
	return nil
}

func (a *memAnnouncer) Close() error {
	a.bus.mu.Lock()
	a.bus.members = slices.DeleteFunc(a.bus.members, func(m *memAnnouncer) bool { return m == a })
	a.bus.mu.Unlock()
	a.q.stop()
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// quiesce waits until no event is in flight and every Router drained its
// queues.
func quiesce(t *testing.T, n *memNetwork, routers ...*Router) {
	t.Helper()
	require.Eventually(t, func() bool {
		gen := n.generation.Load()
		if n.pending.Load() != 0 {
			return false
		}
		for _, r := range routers {
			if err := r.invoke(func() {}); err != nil {
				continue
			}
			if len(r.events) != 0 || len(r.calls) != 0 {
				return false
			}
		}
		return n.pending.Load() == 0 && n.generation.Load() == gen
	}, 10*time.Second, time.Millisecond)
}

// tick runs one maintenance round on r.
func tick(r *Router) {
	r.invoke(r.heartbeat)
}
