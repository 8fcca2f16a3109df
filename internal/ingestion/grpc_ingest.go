package ingestion

import (
	"context"
	"fmt"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/core"
)

// GRPCIngestService provides manual block injection for operators and
// integration tests. High-throughput ingestion goes through NATS; this
// surface exists for replaying a missed block or forcing a reorg by
// hand.
type GRPCIngestService struct {
	blockChan chan<- core.Block
	reorgChan chan<- chain.Hash256
}

func NewGRPCIngestService(blockChan chan<- core.Block, reorgChan chan<- chain.Hash256) *GRPCIngestService {
	return &GRPCIngestService{
		blockChan: blockChan,
		reorgChan: reorgChan,
	}
}

// SubmitBlock validates and queues one block envelope for replay.
func (s *GRPCIngestService) SubmitBlock(ctx context.Context, envelope []byte) error {
	block, err := ParseBlockEnvelope(envelope)
	if err != nil {
		return err
	}
	if block.Height < 0 {
		return fmt.Errorf("block height must be non-negative")
	}

	select {
	case s.blockChan <- block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitReorg queues a rollback to just before the named block.
func (s *GRPCIngestService) SubmitReorg(ctx context.Context, blockHash string) error {
	hash, err := chain.HashFromString(blockHash)
	if err != nil {
		return fmt.Errorf("parse block hash: %w", err)
	}

	select {
	case s.reorgChan <- hash:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
