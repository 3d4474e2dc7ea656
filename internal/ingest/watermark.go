package ingest

import (
	"context"
	"log/slog"
	"time"
)

// WatermarkGate tracks queue depth against a high/low watermark
// (spec.md §5's backpressure model) and reports each pause/resume flip
// to its callbacks; it does not stop a Source by itself. It generalizes
// the teacher's EmbeddingRetryCoordinator batch-then-ticker
// loop from a fixed interval to a depth-driven gate.
type WatermarkGate struct {
	High, Low int
	Depth     func() int
	Interval  time.Duration
}

// Run polls Depth on Interval, emitting to paused/resumed exactly when
// the gate's state actually flips, until ctx is cancelled.
func (g *WatermarkGate) Run(ctx context.Context, paused, resumed func()) {
	interval := g.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	isPaused := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := g.Depth()
			switch {
			case !isPaused && depth >= g.High:
				isPaused = true
				slog.Info("ingestion paused", "component", "ingest", "depth", depth, "high_watermark", g.High)
				paused()
			case isPaused && depth <= g.Low:
				isPaused = false
				slog.Info("ingestion resumed", "component", "ingest", "depth", depth, "low_watermark", g.Low)
				resumed()
			}
		}
	}
}
