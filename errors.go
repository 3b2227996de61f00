package fog

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg    = errors.New("router: invalid options")
	ErrRouterClosed  = errors.New("router: shut down")
	ErrInvalidScope  = errors.New("router: scope selects no channel")
	ErrNoAnnounce    = errors.New("router: announce channel unavailable")
	ErrReservedTopic = errors.New("router: domain 0 is reserved for membership messages")
	ErrNotDirect     = errors.New("router: node is not a direct client")

	ErrInvalidNodeID = errors.New("identity: invalid node id")
	ErrIdentityStore = errors.New("identity: could not access identity store")

	ErrMalformedEnvelope  = errors.New("marshaller: malformed envelope")
	ErrUnsupportedVersion = errors.New("marshaller: unsupported envelope version")
	ErrEnvelopeTooLarge   = errors.New("marshaller: envelope exceeds maximum frame size")
	ErrMalformedPayload   = errors.New("marshaller: malformed membership payload")

	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrLinkNotConnected  = errors.New("transport: link is not connected")
	ErrSendQueueFull     = errors.New("transport: send queue is full")
	ErrNoTLSConfig       = errors.New("transport: TLS config is required")

	ErrAnnounceJoin   = errors.New("announce: could not join the discovery group")
	ErrAnnounceClosed = errors.New("announce: closed")
)

var (
	QErrClosed = QuicApplicationError{
		Code:   0x0,
		Prefix: "closed",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrProtocol = QuicApplicationError{
		Code:   0x2,
		Prefix: "protocol violation",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrDuplicate = QuicApplicationError{
		Code:   0x4,
		Prefix: "duplicate link",
	}
	QErrSlowPeer = QuicApplicationError{
		Code:   0x5,
		Prefix: "slow peer",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// CloseReason tells a Link why it is being closed. The transport maps it
// onto the code sent to the remote peer.
type CloseReason uint8

const (
	ClosedByUser CloseReason = iota
	ClosedAsDuplicate
	ClosedByShutdown
	ClosedForProtocol
	ClosedForCycle
	ClosedSlowPeer
)

func (reason CloseReason) String() string {
	switch reason {
	case ClosedAsDuplicate:
		return "redundant link to the same peer"
	case ClosedByShutdown:
		return "node shutting down"
	case ClosedForProtocol:
		return "protocol violation"
	case ClosedForCycle:
		return "link closes a cycle"
	case ClosedSlowPeer:
		return "peer does not drain its send queue"
	default:
		return "explicit close"
	}
}

func (reason CloseReason) quicError() *QuicApplicationError {
	switch reason {
	case ClosedAsDuplicate, ClosedForCycle:
		return &QErrDuplicate
	case ClosedByShutdown:
		return &QErrShutdown
	case ClosedForProtocol:
		return &QErrProtocol
	case ClosedSlowPeer:
		return &QErrSlowPeer
	default:
		return &QErrClosed
	}
}
