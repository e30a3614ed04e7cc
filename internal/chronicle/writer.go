// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

package chronicle

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/wolfiesch/SFCrime/internal/logging"
	"github.com/wolfiesch/SFCrime/internal/metrics"
	"github.com/wolfiesch/SFCrime/internal/models"
)

// factsTopic carries fact batches from sync runs to the store worker.
const factsTopic = "chronicle.facts"

// FactStore is the slice of the historical store the writer needs.
type FactStore interface {
	WriteFactBatch(ctx context.Context, facts []*models.Fact, proximityMeters float64) (int, int, error)
}

// Config tunes the writer.
type Config struct {
	ProximityMeters float64
	QueueBufferSize int
}

// Writer decouples fact persistence from the sync path through an in-process
// queue: Publish hands a batch off and returns immediately; the Serve worker
// drains the queue into the store. Store failures are logged and dropped,
// never propagated to the publisher.
type Writer struct {
	store     FactStore
	proximity float64
	pubsub    *gochannel.GoChannel
}

// NewWriter creates a writer over the given store.
func NewWriter(store FactStore, cfg Config) *Writer {
	if cfg.ProximityMeters == 0 {
		cfg.ProximityMeters = 10
	}
	if cfg.QueueBufferSize == 0 {
		cfg.QueueBufferSize = 64
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.QueueBufferSize),
	}, logging.NewWatermillAdapter())

	return &Writer{
		store:     store,
		proximity: cfg.ProximityMeters,
		pubsub:    pubsub,
	}
}

// Publish enqueues a batch of records as facts. Fire-and-forget: encoding or
// queue failures are logged and the batch is dropped.
func (w *Writer) Publish(records []*models.Record) {
	facts := MapRecords(records)
	if len(facts) == 0 {
		return
	}

	payload, err := json.Marshal(facts)
	if err != nil {
		logging.Err(err).Int("facts", len(facts)).Msg("failed to encode fact batch, dropping")
		metrics.ChronicleBatchFailures.Inc()
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := w.pubsub.Publish(factsTopic, msg); err != nil {
		logging.Err(err).Int("facts", len(facts)).Msg("failed to enqueue fact batch, dropping")
		metrics.ChronicleBatchFailures.Inc()
	}
}

// Serve drains the queue into the store until ctx is canceled. Implements
// suture.Service. Each batch is one all-or-nothing store transaction; a
// failed batch is logged and acknowledged, not retried.
func (w *Writer) Serve(ctx context.Context) error {
	messages, err := w.pubsub.Subscribe(ctx, factsTopic)
	if err != nil {
		return err
	}

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return ctx.Err()
			}
			w.handle(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Writer) handle(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	var facts []*models.Fact
	if err := json.Unmarshal(msg.Payload, &facts); err != nil {
		logging.Err(err).Str("message_id", msg.UUID).Msg("malformed fact batch, dropping")
		metrics.ChronicleBatchFailures.Inc()
		return
	}

	inserted, updated, err := w.store.WriteFactBatch(ctx, facts, w.proximity)
	if err != nil {
		logging.Err(err).Int("facts", len(facts)).Msg("fact batch write failed, dropping")
		metrics.ChronicleBatchFailures.Inc()
		return
	}

	metrics.ChronicleWrites.WithLabelValues("inserted").Add(float64(inserted))
	metrics.ChronicleWrites.WithLabelValues("updated").Add(float64(updated))
	logging.Debug().
		Int("inserted", inserted).
		Int("updated", updated).
		Msg("fact batch written")
}

// Close shuts down the queue.
func (w *Writer) Close() error {
	return w.pubsub.Close()
}

// String implements fmt.Stringer for supervisor logs.
func (w *Writer) String() string {
	return "chronicle-writer"
}
