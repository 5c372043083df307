package serialmux

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.report/internal/codec"
	"github.com/banshee-data/motion.report/internal/httputil"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/sensor"
)

// BatchSink receives decoded reading batches.
type BatchSink func(ctx context.Context, readings []sensor.Reading) error

// Subscriber is the part of a Mux the gateway consumes.
type Subscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// Gateway decodes lines from a mux into reading batches and tracks the
// gateway's latest status report.
type Gateway struct {
	mux   Subscriber
	codec *codec.Codec
	sink  BatchSink
	log   *zap.Logger

	batches   atomic.Int64
	malformed atomic.Int64
	rejected  atomic.Int64

	statusMu sync.Mutex
	status   map[string]any
}

// NewGateway returns a Gateway reading from mux.
func NewGateway(mux Subscriber, c *codec.Codec, sink BatchSink) *Gateway {
	return &Gateway{
		mux:    mux,
		codec:  c,
		sink:   sink,
		log:    monitoring.L().Named("serial"),
		status: map[string]any{},
	}
}

// Run consumes lines until ctx is done or the mux closes the subscription.
func (g *Gateway) Run(ctx context.Context) error {
	id, lines := g.mux.Subscribe()
	defer g.mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := g.HandleLine(ctx, line); err != nil {
				g.log.Warn("gateway line failed", zap.Error(err))
			}
		}
	}
}

// HandleLine processes one line.
func (g *Gateway) HandleLine(ctx context.Context, line string) error {
	switch ClassifyLine(line) {
	case LineBatch:
		readings, err := g.codec.DecodeBatch([]byte(line))
		if err != nil {
			g.malformed.Add(1)
			return err
		}
		g.batches.Add(1)
		if err := g.sink(ctx, readings); err != nil {
			g.rejected.Add(1)
			return fmt.Errorf("deliver batch: %w", err)
		}
	case LineStatus:
		var st map[string]any
		if err := json.Unmarshal([]byte(line), &st); err != nil {
			g.malformed.Add(1)
			return fmt.Errorf("status line: %w", err)
		}
		g.statusMu.Lock()
		maps.Copy(g.status, st)
		g.statusMu.Unlock()
	case LineComment:
		g.log.Debug("gateway", zap.String("line", line))
	default:
		g.malformed.Add(1)
		g.log.Debug("unrecognised gateway line", zap.String("line", line))
	}
	return nil
}

// GatewayStats summarises decoded traffic.
type GatewayStats struct {
	Batches   int64          `json:"batches"`
	Malformed int64          `json:"malformed"`
	Rejected  int64          `json:"rejected"`
	Status    map[string]any `json:"status"`
}

// Stats returns decode counters and the merged status reports.
func (g *Gateway) Stats() GatewayStats {
	g.statusMu.Lock()
	defer g.statusMu.Unlock()
	return GatewayStats{
		Batches:   g.batches.Load(),
		Malformed: g.malformed.Load(),
		Rejected:  g.rejected.Load(),
		Status:    maps.Clone(g.status),
	}
}

// AttachAdminRoutes adds /debug/gateway.
func (g *Gateway) AttachAdminRoutes(mux *http.ServeMux) {
	tsweb.Debugger(mux).HandleFunc("gateway", "wearable gateway status", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, g.Stats())
	})
}
