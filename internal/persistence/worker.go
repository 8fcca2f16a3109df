package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"MetaLayer/internal/core"
	"MetaLayer/internal/observability"
)

// Job is one unit of work for the persistence worker: either a block
// result to commit or a reorg rollback. Routing both through the same
// channel keeps the mirror ordered — a rollback enqueued after a block's
// result can never run before that block is durably written.
type Job struct {
	Result *core.BlockResult

	// Rollback set means undo the block at RollbackHeight; Result is nil.
	Rollback       bool
	RollbackHeight int
}

// Worker drains the persist channel and writes each block to Postgres.
// The replay loop sends on this channel with BLOCKING semantics, so if
// the worker falls behind the replay stalls rather than losing a block.
//
// Each block is written in its own transaction. Batching across blocks
// would widen the window where a crash leaves the mirror behind the
// watermark, so the unit of durability stays one block.
type Worker struct {
	writer  *BlockWriter
	input   <-chan Job
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	input <-chan Job,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:  NewBlockWriter(db),
		input:   input,
		metrics: metrics,
		log:     log.With().Str("component", "persistence").Logger(),
	}
}

// Run blocks until ctx is cancelled or the input channel closes. On
// shutdown it drains whatever is already queued so the replay loop's
// blocking sends are never stranded.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()

		case j, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.applyWithRetry(ctx, j); err != nil {
				w.log.Error().Err(err).Msg("persist job failed after retries")
				return err
			}
		}
	}
}

// drain applies any jobs already buffered in the channel using a
// background context, then returns.
func (w *Worker) drain() {
	for {
		select {
		case j, ok := <-w.input:
			if !ok {
				return
			}
			if err := w.apply(context.Background(), j); err != nil {
				w.log.Error().Err(err).Msg("final persist job on shutdown failed")
				return
			}
		default:
			return
		}
	}
}

// applyWithRetry retries with exponential backoff. The worker never
// drops a job: it retries until the write succeeds or the context is
// cancelled, in which case it attempts one last write with a background
// context before giving up.
func (w *Worker) applyWithRetry(ctx context.Context, j Job) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Msg("retrying persist job")
			select {
			case <-ctx.Done():
				if err := w.apply(context.Background(), j); err != nil {
					return fmt.Errorf("final write on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.apply(ctx, j)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persist job succeeded after retries")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) apply(ctx context.Context, j Job) error {
	if j.Rollback {
		if err := w.writer.RollbackBlock(ctx, j.RollbackHeight); err != nil {
			if w.metrics != nil {
				w.metrics.PersistErrors.WithLabelValues("rollback_block").Inc()
			}
			return err
		}
		w.log.Info().Int("height", j.RollbackHeight).Msg("rolled back block in mirror")
		return nil
	}
	return w.write(ctx, *j.Result)
}

func (w *Worker) write(ctx context.Context, r core.BlockResult) error {
	start := time.Now()

	if err := w.writer.WriteBlock(ctx, r); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_block").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistOutcomesWritten.Add(float64(len(r.Outcomes)))
		w.metrics.PersistLastHeight.Set(float64(r.Height))
	}
	return nil
}

// Writer exposes the underlying block writer for startup queries.
func (w *Worker) Writer() *BlockWriter {
	return w.writer
}
