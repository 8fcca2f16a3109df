package projection

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/orderbook"
)

// Update carries what the read models need from one applied block. The
// replay loop bridges engine output into this after each block, pairing
// the block result with a volume snapshot taken on the same goroutine.
type Update struct {
	Height    int
	StateHash [32]byte
	Outcomes  []chain.Outcome
	Volumes   orderbook.VolumeSnapshot

	// View, when set, replaces the positions/books/activations view.
	View *ViewUpdate

	// Reorg marks a rollback notice: read models truncate to Height.
	Reorg bool
}

// Worker feeds the in-memory read models from the projection channel.
// The channel is best-effort: a dropped update just means the next one
// carries a fresher snapshot, since every snapshot is cumulative.
type Worker struct {
	input   <-chan Update
	history *PriceHistory
	view    *StateView
	log     zerolog.Logger

	mu         sync.RWMutex
	lastHeight int
	applied    int64
	rejected   int64
}

func NewWorker(input <-chan Update, log zerolog.Logger) *Worker {
	return &Worker{
		input:   input,
		history: NewPriceHistory(),
		view:    NewStateView(),
		log:     log.With().Str("component", "projection").Logger(),
	}
}

// History exposes the price read model for the query service.
func (w *Worker) History() *PriceHistory { return w.history }

// View exposes the positions/books/activations read model.
func (w *Worker) View() *StateView { return w.view }

// LastHeight returns the newest block the read models have seen.
func (w *Worker) LastHeight() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastHeight
}

// OutcomeCounts returns the running applied/rejected totals.
func (w *Worker) OutcomeCounts() (applied, rejected int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.applied, w.rejected
}

// Run blocks until ctx is cancelled or the input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case u, ok := <-w.input:
			if !ok {
				return nil
			}
			w.apply(u)
		}
	}
}

func (w *Worker) apply(u Update) {
	if u.Reorg {
		w.history.Truncate(u.Height)
		if u.View != nil {
			w.view.Apply(*u.View)
		}
		w.mu.Lock()
		w.lastHeight = u.Height
		w.mu.Unlock()
		w.log.Info().Int("height", u.Height).Msg("read models truncated for reorg")
		return
	}

	w.history.Observe(u.Height, u.Volumes)
	if u.View != nil {
		w.view.Apply(*u.View)
	}

	w.mu.Lock()
	w.lastHeight = u.Height
	for _, o := range u.Outcomes {
		if o.Valid() {
			w.applied++
		} else {
			w.rejected++
		}
	}
	w.mu.Unlock()
}
