package core

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/rs/zerolog"

	"MetaLayer/internal/activation"
	"MetaLayer/internal/chain"
	"MetaLayer/internal/codec"
	"MetaLayer/internal/dex"
	"MetaLayer/internal/ledger"
	"MetaLayer/internal/observability"
	"MetaLayer/internal/orderbook"
	"MetaLayer/internal/register"
)

// maxReorgDepth is how many applied blocks stay revertible in memory.
// Anything deeper requires a resync from the persisted mirror.
const maxReorgDepth = 64

// defaultTxidCacheSize bounds the hot-tier duplicate cache.
const defaultTxidCacheSize = 1 << 20

// Block is one host-chain block's worth of parsed metaprotocol
// transactions, ordered by in-block index.
type Block struct {
	Height int
	Hash   chain.Hash256
	Txs    []chain.Tx
}

// BlockResult is the per-block replay product handed to the persistence
// and projection workers.
type BlockResult struct {
	Height    int
	Hash      chain.Hash256
	StateHash [32]byte
	PrevHash  [32]byte
	Outcomes  []chain.Outcome
	Mutations []ledger.Mutation
}

// blockState is the pre-block snapshot kept per applied block so a reorg
// can restore the state from just before it.
type blockState struct {
	ref      chain.BlockRef
	parent   chain.Hash256
	prevHash [32]byte

	journal *ledger.BlockJournal
	dex     dex.Snapshot
	tokens  map[uint32][]orderbook.TokenOrder
	futures map[uint32][]orderbook.ContractOrder
	reg     map[register.Key]register.EntrySnapshot
	volumes orderbook.VolumeSnapshot
	acts    activation.Snapshot
	aux     auxSnapshot

	txids []chain.Hash256
}

// Options tunes the engine's integration points; the zero value runs a
// standalone in-memory engine.
type Options struct {
	// PersistChan receives every block result with a blocking send: the
	// replay core stalls rather than let durability fall behind.
	PersistChan chan<- BlockResult

	// ProjectionChan receives block results best-effort; a full channel
	// drops the result and the projection catches up from Postgres.
	ProjectionChan chan<- BlockResult

	// DBChecker is the cold-tier duplicate lookup.
	DBChecker DBTxidChecker

	TxidCacheSize int

	Metrics *observability.Metrics
}

// Engine drives block-at-a-time replay over the interpreter: sequence
// validation, per-tx idempotency, block-end housekeeping, the state hash
// chain, and reorg rollback. Strictly single-threaded.
type Engine struct {
	interp    *Interpreter
	hasher    *StateHasher
	sequencer blockSequencer
	txids     *TxidChecker

	history []blockState

	persistChan    chan<- BlockResult
	projectionChan chan<- BlockResult
	metrics        *observability.Metrics
	log            zerolog.Logger
}

func NewEngine(interp *Interpreter, opts Options, log zerolog.Logger) *Engine {
	cacheSize := opts.TxidCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultTxidCacheSize
	}
	return &Engine{
		interp:         interp,
		hasher:         NewStateHasher(),
		txids:          NewTxidChecker(cacheSize, opts.DBChecker, log),
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
		metrics:        opts.Metrics,
		log:            log,
	}
}

// Interpreter exposes the replay state for the query surface.
func (e *Engine) Interpreter() *Interpreter { return e.interp }

// StateHash returns the current tip of the state hash chain.
func (e *Engine) StateHash() [32]byte { return e.hasher.PrevHash() }

// WarmTxids preloads the duplicate cache from durable storage on restart.
func (e *Engine) WarmTxids(txids []chain.Hash256) { e.txids.Warm(txids) }

// Height returns the last applied block height, or -1 before any block.
func (e *Engine) Height() int {
	if !e.sequencer.started {
		return -1
	}
	return e.sequencer.next - 1
}

// GenesisAlloc seeds one pocket balance before the first block; the
// protocol's base and vesting token supplies enter the ledger this way.
type GenesisAlloc struct {
	Address  string
	Property uint32
	Pocket   ledger.Pocket
	Amount   int64
}

// Bootstrap applies the genesis allocation. Must run before ApplyBlock.
func (e *Engine) Bootstrap(allocs []GenesisAlloc) error {
	if len(e.history) > 0 || e.sequencer.started {
		return chain.Faultf("core", "bootstrap after block replay started")
	}
	for _, a := range allocs {
		if err := e.interp.tally.Update(a.Address, a.Property, a.Pocket, a.Amount); err != nil {
			return err
		}
	}
	return nil
}

// RestoreAt seeds the hash chain and replay position from a checkpoint.
// Balances go in first via Bootstrap; the next block must be height+1.
func (e *Engine) RestoreAt(height int, stateHash [32]byte) {
	e.hasher.Reset(stateHash)
	e.sequencer.started = true
	e.sequencer.next = height + 1
}

// ApplyBlock replays one block. Rejected transactions are normal
// outcomes; a returned error is a consensus fault and the host must halt
// and resynchronize.
func (e *Engine) ApplyBlock(b Block) (*BlockResult, error) {
	start := time.Now()
	if err := e.sequencer.validate(b.Height); err != nil {
		if e.metrics != nil {
			e.metrics.SequenceFaults.Inc()
		}
		return nil, err
	}

	snap := e.captureState(b)
	journal := ledger.NewBlockJournal(b.Height)
	e.interp.tally.AttachJournal(journal)
	defer e.interp.tally.AttachJournal(nil)

	outcomes := make([]chain.Outcome, 0, len(b.Txs))
	for i := range b.Txs {
		tx := b.Txs[i]
		tx.BlockHeight, tx.BlockHash, tx.Idx = b.Height, b.Hash, i
		if e.txids.IsDuplicate(tx.Txid) {
			e.log.Warn().Str("txid", tx.Txid.String()).Int("height", b.Height).
				Msg("duplicate txid skipped")
			if e.metrics != nil {
				e.metrics.DuplicateTxs.WithLabelValues("lru").Inc()
			}
			continue
		}
		out, err := e.interp.Interpret(tx)
		if err != nil {
			return nil, err
		}
		e.txids.MarkProcessed(tx.Txid)
		snap.txids = append(snap.txids, tx.Txid)
		outcomes = append(outcomes, out)
		e.countOutcome(out)
	}

	if err := e.blockEnd(b.Height); err != nil {
		return nil, err
	}

	hashStart := time.Now()
	digest := e.stateDigest()
	stateHash := e.hasher.ComputeHash(int64(b.Height), digest)
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	if err := e.interp.properties.SetWatermark(b.Hash); err != nil {
		return nil, err
	}
	if err := e.interp.contracts.SetWatermark(b.Hash); err != nil {
		return nil, err
	}

	snap.journal = journal
	e.pushHistory(snap)

	result := &BlockResult{
		Height:    b.Height,
		Hash:      b.Hash,
		StateHash: stateHash,
		PrevHash:  snap.prevHash,
		Outcomes:  outcomes,
		Mutations: journal.Mutations(),
	}
	e.emit(result)

	if e.metrics != nil {
		e.metrics.BlocksApplied.Inc()
		e.metrics.ChainHeight.Set(float64(b.Height))
		e.metrics.BlockApplyDur.Observe(time.Since(start).Seconds())
	}
	e.log.Info().Int("height", b.Height).Int("txs", len(b.Txs)).
		Hex("state_hash", stateHash[:8]).Msg("block applied")
	return result, nil
}

// blockEnd runs the height-driven transitions after the block's last
// transaction: accept-window expiry, contract expiry settlement, the
// vesting release, and activation go-live.
func (e *Engine) blockEnd(height int) error {
	if err := e.interp.dex.EraseExpired(height); err != nil {
		return err
	}
	if err := e.interp.ExpireContracts(height); err != nil {
		return err
	}
	if err := e.interp.ReleaseVested(); err != nil {
		return err
	}
	return e.interp.activations.CheckLive(height)
}

// Rollback reverts the named block and every block applied after it,
// restoring the state from just before it was applied. Rolling back a
// hash that is no longer in the revert window is a no-op, which makes the
// host's reorg retry loop idempotent.
func (e *Engine) Rollback(blockHash chain.Hash256) error {
	idx := -1
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ref.Hash == blockHash {
			idx = i
			break
		}
	}
	if idx == -1 {
		e.log.Warn().Str("block", blockHash.String()).Msg("rollback target not in window, ignoring")
		return nil
	}

	// Ledger reverts block by block from the tip so every mutation is
	// undone in reverse order. Registries revert by block hash.
	for i := len(e.history) - 1; i >= idx; i-- {
		s := &e.history[i]
		if err := s.journal.Revert(e.interp.tally); err != nil {
			return err
		}
		if _, err := e.interp.properties.Rollback(s.ref.Hash); err != nil {
			return err
		}
		if _, err := e.interp.contracts.Rollback(s.ref.Hash); err != nil {
			return err
		}
		e.txids.Forget(s.txids)
		if e.metrics != nil {
			e.metrics.BlockRollbacks.Inc()
		}
	}

	// Everything else restores from the target's pre-block snapshot.
	target := e.history[idx]
	e.interp.dex.Restore(target.dex)
	e.interp.tokens.Restore(target.tokens)
	e.interp.futures.Restore(target.futures)
	e.interp.register.Restore(target.reg)
	e.interp.stats.Restore(target.volumes)
	e.interp.activations.Restore(target.acts)
	e.interp.restoreAux(target.aux)

	e.hasher.Reset(target.prevHash)
	e.sequencer.rewind(target.ref.Height)
	if err := e.interp.properties.SetWatermark(target.parent); err != nil {
		return err
	}
	if err := e.interp.contracts.SetWatermark(target.parent); err != nil {
		return err
	}
	e.history = e.history[:idx]

	e.log.Info().Int("height", target.ref.Height).Str("block", blockHash.String()).
		Msg("rolled back")
	return nil
}

func (e *Engine) captureState(b Block) blockState {
	var parent chain.Hash256
	if n := len(e.history); n > 0 {
		parent = e.history[n-1].ref.Hash
	}
	return blockState{
		ref:      chain.BlockRef{Height: b.Height, Hash: b.Hash},
		parent:   parent,
		prevHash: e.hasher.PrevHash(),
		dex:      e.interp.dex.Snapshot(),
		tokens:   e.interp.tokens.Snapshot(),
		futures:  e.interp.futures.Snapshot(),
		reg:      e.interp.register.Snapshot(),
		volumes:  e.interp.stats.Snapshot(),
		acts:     e.interp.activations.Snapshot(),
		aux:      e.interp.snapshotAux(),
	}
}

func (e *Engine) pushHistory(s blockState) {
	e.history = append(e.history, s)
	if len(e.history) > maxReorgDepth {
		e.history = e.history[1:]
	}
}

// stateDigest serializes every pocket balance in sorted key order and
// hashes the result. Two nodes with identical state produce identical
// digests regardless of map iteration order.
func (e *Engine) stateDigest() []byte {
	h := sha256.New()
	var buf [8]byte
	for _, k := range e.interp.tally.SortedKeys() {
		h.Write([]byte(k.Address))
		binary.LittleEndian.PutUint32(buf[:4], k.Property)
		h.Write(buf[:4])
		h.Write([]byte{byte(k.Pocket)})
		binary.LittleEndian.PutUint64(buf[:], uint64(e.interp.tally.Balance(k.Address, k.Property, k.Pocket)))
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

// emit hands the result to the workers: persistence blocks, projection
// drops when full.
func (e *Engine) emit(result *BlockResult) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- *result:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- *result
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- *result:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (e *Engine) countOutcome(out chain.Outcome) {
	if e.metrics == nil {
		return
	}
	typeName := codec.MessageType(out.Type).String()
	if out.Valid() {
		e.metrics.TxApplied.WithLabelValues(typeName).Inc()
	} else {
		e.metrics.TxRejected.WithLabelValues(typeName, out.Code.String()).Inc()
	}
}
