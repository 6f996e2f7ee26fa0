// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PassesTotal counts ingestion passes by outcome ("ok", "error").
	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_ingest_passes_total",
			Help: "Total ingestion passes",
		},
		[]string{"channel", "account", "result"},
	)

	// PassDuration tracks how long a pass takes end to end.
	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_ingest_pass_duration_seconds",
			Help:    "Ingestion pass duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"channel", "account"},
	)

	// ItemsTotal counts fetched items by what happened to them
	// ("processed", "skipped", "blocked", "malformed").
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_ingest_items_total",
			Help: "Total fetched items by outcome",
		},
		[]string{"channel", "outcome"},
	)

	// Cursor exposes the last committed transport sequence.
	Cursor = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_ingest_cursor",
			Help: "Last committed transport sequence",
		},
		[]string{"channel", "account"},
	)

	// DispatchTotal counts handler launches by result ("launched",
	// "failed").
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_dispatch_total",
			Help: "Total handler launches",
		},
		[]string{"handler", "result"},
	)

	// HandlersRunning tracks handler processes not yet reaped.
	HandlersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_dispatch_handlers_running",
			Help: "Number of handler processes still running",
		},
	)

	// RepliesTotal counts outbound messages by mode ("threaded",
	// "degraded", "new") and result.
	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_replies_total",
			Help: "Total outbound messages",
		},
		[]string{"channel", "mode", "result"},
	)
)
