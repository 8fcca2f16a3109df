package core

import (
	"container/list"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
)

// DBTxidChecker is the cold-path duplicate lookup, backed by the outcome
// journal in Postgres.
type DBTxidChecker interface {
	Seen(txid chain.Hash256) (bool, error)
}

// TxidChecker deduplicates transactions in two tiers: an in-memory LRU for
// the hot path and an optional database lookup behind it. Replaying a txid
// twice must never mutate state twice.
type TxidChecker struct {
	lru *txidLRU
	db  DBTxidChecker
	log zerolog.Logger
}

func NewTxidChecker(capacity int, db DBTxidChecker, log zerolog.Logger) *TxidChecker {
	return &TxidChecker{lru: newTxidLRU(capacity), db: db, log: log}
}

// IsDuplicate reports whether the txid has already been processed. A
// database error counts as a duplicate: skipping a fresh transaction is
// recoverable by resync, applying one twice is not.
func (tc *TxidChecker) IsDuplicate(txid chain.Hash256) bool {
	if tc.lru.Contains(txid) {
		return true
	}
	if tc.db != nil {
		seen, err := tc.db.Seen(txid)
		if err != nil {
			tc.log.Warn().Err(err).Str("txid", txid.String()).
				Msg("duplicate lookup failed, treating as seen")
			return true
		}
		if seen {
			tc.lru.Add(txid)
			return true
		}
	}
	return false
}

// MarkProcessed records the txid after its outcome is final.
func (tc *TxidChecker) MarkProcessed(txid chain.Hash256) {
	tc.lru.Add(txid)
}

// Forget drops txids from the hot tier after a block rollback so the
// replacing block can carry them again.
func (tc *TxidChecker) Forget(txids []chain.Hash256) {
	for _, txid := range txids {
		tc.lru.Remove(txid)
	}
}

// txidLRU is a fixed-capacity LRU of transaction hashes.
// Not thread-safe; only the single-threaded replay core touches it.
type txidLRU struct {
	capacity int
	cache    map[chain.Hash256]*list.Element
	order    *list.List
}

func newTxidLRU(capacity int) *txidLRU {
	return &txidLRU{
		capacity: capacity,
		cache:    make(map[chain.Hash256]*list.Element, capacity),
		order:    list.New(),
	}
}

func (lru *txidLRU) Contains(txid chain.Hash256) bool {
	elem, ok := lru.cache[txid]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *txidLRU) Add(txid chain.Hash256) {
	if elem, ok := lru.cache[txid]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[txid] = lru.order.PushFront(txid)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(chain.Hash256))
	}
}

func (lru *txidLRU) Remove(txid chain.Hash256) {
	if elem, ok := lru.cache[txid]; ok {
		lru.order.Remove(elem)
		delete(lru.cache, txid)
	}
}

// Warm preloads recent txids from the database on restart so the hot tier
// covers the reorg horizon immediately.
func (tc *TxidChecker) Warm(txids []chain.Hash256) {
	for _, txid := range txids {
		tc.lru.Add(txid)
	}
}
