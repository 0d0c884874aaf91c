package httpapi

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/nodebooks/kernel/internal/domain/model"
)

type statszResponse struct {
	model.KernelStats
	Transport *transportStats `json:"transport,omitempty"`
}

// transportStats is the relay side of the snapshot, folded out of the
// in-process metric reader.
type transportStats struct {
	FramesRelayed  map[string]int64 `json:"frames_relayed,omitempty"`
	StreamBytes    int64            `json:"stream_bytes"`
	ProtocolErrors int64            `json:"protocol_errors"`
}

func transportFrom(rm metricdata.ResourceMetrics) *transportStats {
	t := &transportStats{FramesRelayed: map[string]int64{}}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			switch m.Name {
			case "kernel.frames.relayed":
				for _, dp := range sum.DataPoints {
					kind := "unknown"
					if v, found := dp.Attributes.Value(attribute.Key("kind")); found {
						kind = v.AsString()
					}
					t.FramesRelayed[kind] += dp.Value
				}
			case "kernel.stream.bytes":
				for _, dp := range sum.DataPoints {
					t.StreamBytes += dp.Value
				}
			case "kernel.protocol.errors":
				for _, dp := range sum.DataPoints {
					t.ProtocolErrors += dp.Value
				}
			}
		}
	}

	return t
}
