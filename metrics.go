package fog

import (
	"log/slog"
	"slices"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricLinkEstInCount       = []string{"fog", "link", "establishment", "in", "count"}
	MetricLinkEstInErrorCount  = []string{"fog", "link", "establishment", "in", "error", "count"}
	MetricLinkEstOutCount      = []string{"fog", "link", "establishment", "out", "count"}
	MetricLinkEstOutErrorCount = []string{"fog", "link", "establishment", "out", "error", "count"}
	MetricLinkClosedCount      = []string{"fog", "link", "closed", "count"}
	MetricLinkFrameInBytes     = []string{"fog", "link", "frame", "in", "bytes"}
	MetricLinkFrameOutBytes    = []string{"fog", "link", "frame", "out", "bytes"}
	MetricLinkSendDropCount    = []string{"fog", "link", "send", "drop", "count"}
	MetricUDPBufferSizeBytes   = []string{"fog", "udp", "buffer", "size", "bytes"}

	MetricAnnounceInBytes     = []string{"fog", "announce", "in", "bytes"}
	MetricAnnounceOutBytes    = []string{"fog", "announce", "out", "bytes"}
	MetricAnnounceErrorCount  = []string{"fog", "announce", "error", "count"}
	MetricAnnounceMemberCount = []string{"fog", "announce", "member", "count"}

	MetricRouterClients         = []string{"fog", "router", "clients"}
	MetricRouterDirectClients   = []string{"fog", "router", "direct", "clients"}
	MetricRouterCycleFailures   = []string{"fog", "router", "cycle", "failures"}
	MetricRouterAuthFailures    = []string{"fog", "router", "auth", "failures"}
	MetricRouterDuplicates      = []string{"fog", "router", "duplicate", "envelopes"}
	MetricRouterDispatched      = []string{"fog", "router", "dispatched", "count"}
	MetricRouterForwarded       = []string{"fog", "router", "forwarded", "count"}
	MetricRouterDuplicateLinks  = []string{"fog", "router", "duplicate", "links"}
	MetricRouterAutoDials       = []string{"fog", "router", "auto", "dials"}
	MetricRouterReconnects      = []string{"fog", "router", "reconnect", "attempts"}
	MetricRouterReconnectGiveUp = []string{"fog", "router", "reconnect", "exhausted"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerID    TelemetryLabel = "peer_id"
	LabelNodeID    TelemetryLabel = "node_id"
	LabelLinkID    TelemetryLabel = "link_id"
	LabelDirection TelemetryLabel = "direction"
	LabelDomain    TelemetryLabel = "domain"
	LabelType      TelemetryLabel = "type"
	LabelScope     TelemetryLabel = "scope"
	LabelReason    TelemetryLabel = "reason"
	LabelDuration  TelemetryLabel = "duration"
	LabelAttempts  TelemetryLabel = "attempts"
	LabelGroup     TelemetryLabel = "group"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns base followed by extra in a new slice, base is shared
// between goroutines and never written.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	return slices.Concat(base, extra)
}

func direction(outbound bool) string {
	if outbound {
		return "out"
	}
	return "in"
}
