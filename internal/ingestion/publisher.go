package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"MetaLayer/internal/codec"
	"MetaLayer/internal/core"
)

// OutboundPublisher publishes applied-block summaries to NATS for
// downstream consumers after the block is in the engine. Subjects follow
// ml.applied.{height}; consumers that need durability query Postgres.
type OutboundPublisher struct {
	js    jetstream.JetStream
	input <-chan core.BlockResult
	log   zerolog.Logger
}

// appliedBlockJSON is the outbound wire format for one applied block.
type appliedBlockJSON struct {
	DeliveryID string        `json:"delivery_id"`
	Height     int           `json:"height"`
	BlockHash  string        `json:"block_hash"`
	StateHash  string        `json:"state_hash"`
	Outcomes   []outcomeJSON `json:"outcomes"`
	Timestamp  time.Time     `json:"timestamp"`
}

type outcomeJSON struct {
	Txid   string `json:"txid"`
	Idx    int    `json:"idx"`
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func NewOutboundPublisher(js jetstream.JetStream, input <-chan core.BlockResult, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:    js,
		input: input,
		log:   log.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-op.input:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, r); err != nil {
				// Non-fatal: downstream consumers can read the block
				// from Postgres instead.
				op.log.Warn().Err(err).Int("height", r.Height).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, r core.BlockResult) error {
	msg := appliedBlockJSON{
		DeliveryID: uuid.NewString(),
		Height:     r.Height,
		BlockHash:  r.Hash.String(),
		StateHash:  fmt.Sprintf("%x", r.StateHash),
		Outcomes:   make([]outcomeJSON, 0, len(r.Outcomes)),
		Timestamp:  time.Now().UTC(),
	}
	for _, o := range r.Outcomes {
		msg.Outcomes = append(msg.Outcomes, outcomeJSON{
			Txid:   o.Txid.String(),
			Idx:    o.Idx,
			Type:   codec.MessageType(o.Type).String(),
			Code:   int(o.Code),
			Reason: o.Reason,
		})
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal applied block: %w", err)
	}

	subject := fmt.Sprintf("ml.applied.%d", r.Height)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the applied-blocks stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "ML_APPLIED",
		Subjects:  []string{"ml.applied.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "ML_APPLIED").Msg("ensured stream")
	return nil
}
