package monitoring

import (
	"bytes"
	"io"
	"net/http"
	"slices"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

var counterHelp = map[string]string{
	"readings_accepted":   "Readings that passed validation.",
	"readings_rejected":   "Readings rejected by validation.",
	"samples_evicted":     "Samples evicted from full ingest rings.",
	"batches_processed":   "Batches analysed and merged into a session.",
	"batches_failed":      "Batches that exhausted their retry budget.",
	"latency_violations":  "Batches that exceeded the latency budget.",
	"anomaly_candidates":  "Anomaly scores above the candidate threshold.",
	"calibrations_failed": "Calibrations rejected by bounds or verification.",
}

// MetricFamilies renders the counters as Prometheus counters named
// <prefix>_<counter>_total.
func (c *Counters) MetricFamilies(prefix string) []*dto.MetricFamily {
	snap := c.Snapshot()
	out := make([]*dto.MetricFamily, 0, len(snap))
	for name, v := range snap {
		out = append(out, &dto.MetricFamily{
			Name: proto.String(prefix + "_" + name + "_total"),
			Help: proto.String(counterHelp[name]),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(v))},
			}},
		})
	}
	return out
}

// Gauge returns a single-sample gauge family.
func Gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

// WriteText writes families in the Prometheus text format, ordered by name.
func WriteText(w io.Writer, families []*dto.MetricFamily) error {
	slices.SortFunc(families, func(a, b *dto.MetricFamily) int {
		return strings.Compare(a.GetName(), b.GetName())
	})
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// MetricsHandler serves the families returned by gather on each scrape.
func MetricsHandler(gather func() []*dto.MetricFamily) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := WriteText(&buf, gather()); err != nil {
			L().Sugar().Errorw("render metrics", "error", err)
			http.Error(w, "render metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		w.Write(buf.Bytes())
	})
}
