package eventlog

import (
	"context"
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-launch/coordinator"
)

// Handler consumes replayed events; *coordinator.Coordinator satisfies it
type Handler interface {
	Handle(ctx context.Context, ev coordinator.Event) error
}

// ReplayStats counts what a replay did
type ReplayStats struct {
	Events        int
	Rejected      int // events the handler returned an error for
	PublishFailed int
}

// Replay feeds every event of dec to h in stream order. Handler errors are
// counted and replay continues; a stream error or cancellation stops it.
func Replay(ctx context.Context, logger log.Logger, dec *Decoder, h Handler) (ReplayStats, error) {
	var stats ReplayStats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		stats.Events++
		if err := h.Handle(ctx, ev); err != nil {
			if errors.Is(err, coordinator.ErrPublishFailed) {
				stats.PublishFailed++
				continue
			}
			stats.Rejected++
			logger.Debug("Event rejected", "line", dec.Line(), "event", ev.Kind(), "err", err)
		}
	}
}
