package fog

import (
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestWithLabelsLeavesBaseUntouched(t *testing.T) {
	base := make([]metrics.Label, 1, 4)
	base[0] = LabelNodeID.M("node0")

	read := withLabels(base, LabelError.M("read"))
	write := withLabels(base, LabelError.M("write"), LabelPeerAddr.M("10.0.0.1:27272"))

	require.Equal(t, []metrics.Label{LabelNodeID.M("node0"), LabelError.M("read")}, read)
	require.Equal(t, []metrics.Label{
		LabelNodeID.M("node0"),
		LabelError.M("write"),
		LabelPeerAddr.M("10.0.0.1:27272"),
	}, write)
	require.Len(t, base, 1)
	require.Equal(t, metrics.Label{}, base[:2][1])
}
