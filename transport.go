package fog

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/fog/pkg/frame"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultListenPort        = 27272
	defaultSendQueue         = 256
	defaultDialTimeout       = 10 * time.Second

	alpnProtocol = "fog/1"
)

// preamble is the first frame written by the dialer on a link stream.
var preamble = []byte("fog/1 link")

// TransportConfig configures the QUIC LinkManager.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig used for both directions. When nil, an ephemeral
	// self-signed certificate is generated and peers are not verified:
	// envelopes are authenticated by the Marshaller anyway.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where links are accepted. Outbound links
	// are dialed from the same socket.
	BindAddr string
	BindPort int

	// AdvertiseAddr overrides the host part of `Transport.AdvertiseAddr`.
	AdvertiseAddr string

	// SendQueue is the number of frames a link buffers before the peer is
	// considered too slow and the link is closed.
	SendQueue int

	// DialTimeout bounds the establishment of a link.
	DialTimeout time.Duration

	// MetricLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport is the QUIC implementation of LinkManager. Every link is a
// QUIC connection carrying a single bidirectional stream of frames.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	sink   EventSink
	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	linksLock sync.Mutex
	links     map[uint64]*quicLink

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

// NewTransport binds the UDP socket so the advertised port is known before
// `Transport.Start` is called.
func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	t = &Transport{
		cfg:   cfg,
		links: make(map[uint64]*quicLink),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	t.serverTLS, t.clientTLS, err = linkTLSConfigs(cfg.TlsConfig)
	if err != nil {
		return nil, err
	}

	t.quicConf = &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		HandshakeIdleTimeout:  cfg.DialTimeout,
		MaxIdleTimeout:        30 * time.Second,
		KeepAlivePeriod:       10 * time.Second,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}

	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.serverTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln
	return t, nil
}

func (t *Transport) Start(sink EventSink) error {
	if t.ln == nil {
		return ErrUdpNotAvailable
	}
	t.sink = sink
	t.wg.Add(1)
	go t.acceptLinks()
	return nil
}

// AdvertiseAddr returns the configured advertise host, or the bound one.
// The host is left empty when bound to an unspecified address so receivers
// substitute the address they observed.
func (t *Transport) AdvertiseAddr() string {
	if t.udpLn == nil {
		return ""
	}

	local := t.udpLn.LocalAddr().(*net.UDPAddr)
	port := strconv.Itoa(local.Port)
	if t.cfg.AdvertiseAddr != "" {
		return net.JoinHostPort(t.cfg.AdvertiseAddr, port)
	}
	if local.IP == nil || local.IP.IsUnspecified() {
		return net.JoinHostPort("", port)
	}
	if ip4 := local.IP.To4(); ip4 != nil {
		return net.JoinHostPort(ip4.String(), port)
	}
	return net.JoinHostPort(local.IP.String(), port)
}

func (t *Transport) Connect(addr string) Link {
	l := t.newLink(true, addr)

	if t.gracefulTerm.Load() {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			l.finish(ErrShutdown)
		}()
		return l
	}

	t.wg.Add(1)
	go t.dialLink(l)
	return l
}

// Close terminates every link and releases the socket. It is idempotent.
func (t *Transport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.linksLock.Lock()
	for _, l := range t.links {
		l.Close(ClosedByShutdown)
	}
	t.linksLock.Unlock()

	t.cancel()
	if t.ln != nil {
		t.ln.Close()
	}

	t.wg.Wait()

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) emit(ev Event) {
	if t.sink != nil {
		t.sink(ev)
	}
}

func (t *Transport) labels(l *quicLink, extra ...metrics.Label) []metrics.Label {
	mLabels := make([]metrics.Label, 0, len(t.cfg.MetricLabels)+2+len(extra))
	mLabels = append(mLabels, t.cfg.MetricLabels...)
	mLabels = append(mLabels, LabelPeerAddr.M(l.remote), LabelDirection.M(direction(l.outbound)))
	return append(mLabels, extra...)
}

func (t *Transport) acceptLinks() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.wg.Add(1)
		go t.acceptLink(conn)
	}
}

func (t *Transport) acceptLink(conn quic.Connection) {
	defer t.wg.Done()

	l := t.newLink(false, conn.RemoteAddr().String())
	logger := t.logger.With(LabelPeerAddr.L(l.remote))

	ctx, cancel := context.WithTimeout(l.ctx, t.cfg.DialTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricLinkEstInErrorCount, 1.0, t.labels(l, LabelError.M("no_stream")))
		logger.Debug("peer never opened its link stream", LabelError.L(err))
		QErrProtocol.Close(conn, "expected a link stream")
		t.forget(l)
		return
	}

	stream.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	fr := frame.NewReader(stream)
	first, err := fr.Next()
	if err != nil || !bytes.Equal(first, preamble) {
		t.msink.IncrCounterWithLabels(MetricLinkEstInErrorCount, 1.0, t.labels(l, LabelError.M("protocol_violation")))
		logger.Warn("fog protocol violation: bad link preamble", LabelError.L(err))
		stream.CancelRead(quic.StreamErrorCode(QErrProtocol.Code))
		QErrProtocol.Close(conn, "bad link preamble")
		t.forget(l)
		return
	}
	stream.SetReadDeadline(time.Time{})

	t.msink.IncrCounterWithLabels(MetricLinkEstInCount, 1.0, t.labels(l))
	l.serve(conn, stream, fr)
}

func (t *Transport) dialLink(l *quicLink) {
	defer t.wg.Done()

	addr, err := net.ResolveUDPAddr("udp", l.remote)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricLinkEstOutErrorCount, 1.0, t.labels(l, LabelError.M("invalid_addr")))
		l.finish(fmt.Errorf("%w: %w", ErrInvalidAddr, err))
		return
	}

	ctx, cancel := context.WithTimeout(l.ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.tr.Dial(ctx, addr, t.clientTLS, t.quicConf)
	if t.gracefulTerm.Load() {
		if conn != nil {
			QErrShutdown.Close(conn, "we are shutting down! bye!")
		}
		l.finish(ErrShutdown)
		return
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricLinkEstOutErrorCount, 1.0, t.labels(l, LabelError.M("dial")))
		l.finish(err)
		return
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricLinkEstOutErrorCount, 1.0, t.labels(l, LabelError.M("cannot_open_stream")))
		QErrInternal.Close(conn, "could not open link stream")
		l.finish(err)
		return
	}

	if _, err := stream.Write(frame.Append(nil, preamble)); err != nil {
		t.msink.IncrCounterWithLabels(MetricLinkEstOutErrorCount, 1.0, t.labels(l, LabelError.M("cannot_send_preamble")))
		QErrInternal.Close(conn, "could not write link preamble")
		l.finish(fmt.Errorf("%w: %w", ErrStreamWrite, err))
		return
	}

	t.msink.IncrCounterWithLabels(MetricLinkEstOutCount, 1.0, t.labels(l))
	l.serve(conn, stream, frame.NewReader(stream))
}

func (t *Transport) newLink(outbound bool, remote string) *quicLink {
	l := &quicLink{
		t:        t,
		id:       t.nextID.Add(1),
		outbound: outbound,
		remote:   remote,
		sendCh:   make(chan []byte, t.cfg.SendQueue),
	}
	l.ctx, l.cancel = context.WithCancel(t.ctx)

	t.linksLock.Lock()
	t.links[l.id] = l
	t.linksLock.Unlock()
	return l
}

func (t *Transport) forget(l *quicLink) {
	l.cancel()
	t.linksLock.Lock()
	delete(t.links, l.id)
	t.linksLock.Unlock()
}

type quicLink struct {
	t        *Transport
	id       uint64
	outbound bool
	remote   string

	state  atomic.Uint32
	sendCh chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	reasonOnce sync.Once
	reason     CloseReason
	finishOnce sync.Once
}

func (l *quicLink) ID() uint64         { return l.id }
func (l *quicLink) Outbound() bool     { return l.outbound }
func (l *quicLink) RemoteAddr() string { return l.remote }

func (l *quicLink) State() LinkState {
	return LinkState(l.state.Load())
}

func (l *quicLink) Send(body []byte) error {
	if l.State() != StateConnected {
		return ErrLinkNotConnected
	}

	buf, err := frame.Encode(body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEnvelopeTooLarge, err)
	}

	select {
	case l.sendCh <- buf:
		return nil
	default:
		l.t.msink.IncrCounterWithLabels(MetricLinkSendDropCount, 1.0, l.t.labels(l))
		l.abort(ClosedSlowPeer)
		return ErrSendQueueFull
	}
}

func (l *quicLink) Close(reason CloseReason) {
	l.abort(reason)
}

func (l *quicLink) abort(reason CloseReason) {
	l.reasonOnce.Do(func() {
		l.reason = reason
	})
	l.cancel()
}

// serve runs on the goroutine which established the link until the link
// dies, so events of one link are emitted in order.
func (l *quicLink) serve(conn quic.Connection, stream quic.Stream, fr *frame.Reader) {
	if l.ctx.Err() != nil {
		l.closeConn(conn)
		l.finish(context.Cause(l.ctx))
		return
	}

	l.state.Store(uint32(StateConnected))
	l.t.emit(Event{Kind: EventLinkConnected, Link: l})

	l.t.wg.Add(1)
	go l.writeLoop(conn, stream)

	var err error
	for {
		var body []byte
		body, err = fr.Next()
		if err != nil {
			if errors.Is(err, frame.ErrTooLarge) || errors.Is(err, frame.ErrBadPrefix) {
				l.t.logger.Warn("fog protocol violation: bad frame", LabelPeerAddr.L(l.remote), LabelError.L(err))
				l.abort(ClosedForProtocol)
				err = fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			break
		}

		l.t.msink.IncrCounterWithLabels(MetricLinkFrameInBytes, float32(len(body)), l.t.labels(l))
		l.t.emit(Event{Kind: EventDataReceived, Link: l, Body: body})
	}

	// Closed on our side, the read error only reflects that.
	if l.ctx.Err() != nil && !errors.Is(err, ErrProtocolViolation) {
		err = nil
	}
	l.cancel()
	l.finish(err)
}

func (l *quicLink) writeLoop(conn quic.Connection, stream quic.Stream) {
	defer l.t.wg.Done()
	for {
		select {
		case buf := <-l.sendCh:
			if _, err := stream.Write(buf); err != nil {
				l.t.logger.Debug("link write failed", LabelPeerAddr.L(l.remote), LabelError.L(err))
				l.cancel()
				l.closeConn(conn)
				return
			}
			l.t.msink.IncrCounterWithLabels(MetricLinkFrameOutBytes, float32(len(buf)), l.t.labels(l))
		case <-l.ctx.Done():
			l.closeConn(conn)
			return
		}
	}
}

func (l *quicLink) closeConn(conn quic.Connection) {
	l.reasonOnce.Do(func() {
		l.reason = ClosedByUser
	})
	l.t.logger.Debug("closing link", LabelLinkID.L(l.id), LabelPeerAddr.L(l.remote), LabelReason.L(l.reason.String()))
	l.reason.quicError().Close(conn, l.reason.String())
}

func (l *quicLink) finish(err error) {
	l.finishOnce.Do(func() {
		l.state.Store(uint32(StateClosed))
		l.t.forget(l)
		l.t.msink.IncrCounterWithLabels(MetricLinkClosedCount, 1.0, l.t.labels(l))
		l.t.emit(Event{Kind: EventLinkClosed, Link: l, Err: err})
	})
}
