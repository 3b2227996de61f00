package fog

import (
	"github.com/raskyld/fog/pkg/frame"
)

const maxEnvelopeSize = frame.MaxFrameSize

// LinkState is the lifecycle of a Link. StateClosed is terminal: retrying
// means creating a new Link.
type LinkState uint32

const (
	StateConnecting LinkState = iota
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// Link is an ordered, reliable, point-to-point connection to one peer.
//
// Links are owned by the LinkManager which created them. Users only call
// Send and Close and learn about the lifecycle through events.
type Link interface {
	// ID is unique among the links of one LinkManager.
	ID() uint64
	State() LinkState
	// Outbound reports whether the local node dialed the link.
	Outbound() bool
	// RemoteAddr is the dialed address for outbound links and the
	// observed address for inbound ones.
	RemoteAddr() string
	// Send queues body for delivery and never blocks.
	Send(body []byte) error
	// Close is asynchronous, the EventLinkClosed event follows.
	Close(reason CloseReason)
}

type EventKind uint8

const (
	EventLinkConnected EventKind = iota + 1
	EventLinkClosed
	EventDataReceived
)

func (k EventKind) String() string {
	switch k {
	case EventLinkConnected:
		return "link_connected"
	case EventLinkClosed:
		return "link_closed"
	case EventDataReceived:
		return "data_received"
	default:
		return "unknown"
	}
}

// Event is what links and announcers report to the Router.
//
// For each Link, EventLinkConnected (if ever) precedes every
// EventDataReceived, and EventLinkClosed is emitted exactly once, last.
// Datagrams received by an Announcer carry a nil Link.
type Event struct {
	Kind EventKind
	Link Link
	Body []byte
	// From is the sender address of a datagram, when known.
	From string
	Err  error
}

// EventSink receives events. It may block, so it must never be called
// while holding a lock the Router could wait on.
type EventSink func(Event)

// LinkManager listens for inbound links and dials outbound ones.
type LinkManager interface {
	Start(sink EventSink) error
	// Connect returns immediately with a link in StateConnecting.
	Connect(addr string) Link
	// AdvertiseAddr is the host:port other nodes should dial. The host may
	// be empty when the manager listens on every interface.
	AdvertiseAddr() string
	Close() error
}

// Announcer is a best-effort, connectionless discovery channel.
type Announcer interface {
	Start(sink EventSink) error
	Send(body []byte) error
	Close() error
}
