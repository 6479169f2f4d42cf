// Package chainfeed delivers chain order events to the sync inbox. Every
// transport carries the same JSON envelope (see event.Envelope).
package chainfeed

import (
	"context"
	"errors"
	"log/slog"

	"collswap/internal/event"
	"collswap/internal/infra"
)

// sink decodes frames and hands events to the inbox. Events are never
// dropped: a full inbox applies back-pressure to the transport.
type sink struct {
	inbox   chan<- event.Event
	metrics *infra.Metrics
	logger  *slog.Logger
}

func newSink(inbox chan<- event.Event, metrics *infra.Metrics, module string) sink {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return sink{
		inbox:   inbox,
		metrics: metrics,
		logger:  slog.Default().With("module", module),
	}
}

// handle decodes raw and delivers it. It reports the sequence delivered, or
// 0 when the frame was skipped.
func (s sink) handle(ctx context.Context, raw []byte) uint64 {
	ev, err := event.Decode(raw)
	if err != nil {
		s.metrics.RecordSyncSkipped()
		level := slog.LevelWarn
		if errors.Is(err, event.ErrUnknownType) {
			level = slog.LevelInfo
		}
		s.logger.Log(ctx, level, "Skipping chain frame", slog.Any("error", err))
		return 0
	}

	select {
	case s.inbox <- ev:
		return ev.GetSeq()
	case <-ctx.Done():
		return 0
	}
}
