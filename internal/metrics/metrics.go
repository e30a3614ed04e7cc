// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package metrics defines the Prometheus collectors exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncDuration tracks wall time per sync run, labeled by source.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sfcrime",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Duration of sync runs by source",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"source"})

	// SyncErrors counts failed sync runs by source and error class.
	SyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfcrime",
		Subsystem: "sync",
		Name:      "errors_total",
		Help:      "Sync run failures by source and error type",
	}, []string{"source", "error_type"})

	// RecordsUpserted counts rows written to the primary store.
	RecordsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfcrime",
		Subsystem: "sync",
		Name:      "records_upserted_total",
		Help:      "Records upserted into the primary store by source",
	}, []string{"source"})

	// RecordsRejected counts per-record transform rejections.
	RecordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfcrime",
		Subsystem: "sync",
		Name:      "records_rejected_total",
		Help:      "Raw records rejected during transformation by source",
	}, []string{"source"})

	// SyncBatchSize observes upsert batch sizes.
	SyncBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sfcrime",
		Subsystem: "sync",
		Name:      "batch_size",
		Help:      "Number of records per upsert batch",
		Buckets:   []float64{1, 10, 50, 100, 250, 500},
	})

	// SourceRequests counts upstream API requests by source and outcome.
	SourceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfcrime",
		Subsystem: "source",
		Name:      "requests_total",
		Help:      "Upstream API requests by source and outcome",
	}, []string{"source", "outcome"})

	// ConnectedClients tracks live websocket subscribers.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfcrime",
		Subsystem: "ws",
		Name:      "connected_clients",
		Help:      "Currently connected websocket subscribers",
	})

	// BroadcastsSent counts per-subscriber deliveries.
	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sfcrime",
		Subsystem: "ws",
		Name:      "broadcasts_sent_total",
		Help:      "Record-update messages delivered to subscribers",
	})

	// ChronicleWrites counts historical-store fact writes by result.
	ChronicleWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfcrime",
		Subsystem: "chronicle",
		Name:      "writes_total",
		Help:      "Fact writes to the historical store by result",
	}, []string{"result"})

	// ChronicleBatchFailures counts dropped fact batches.
	ChronicleBatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sfcrime",
		Subsystem: "chronicle",
		Name:      "batch_failures_total",
		Help:      "Fact batches that failed and were dropped",
	})
)
