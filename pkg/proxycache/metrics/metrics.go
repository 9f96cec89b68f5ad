/*
Copyright proxycache Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the proxy's Prometheus instrumentation: request
// classification counts, matching-ladder source counts, slot-selection
// outcomes, and request latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts chat completion requests by size class (small
	// or large) and whether they streamed.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxycache",
		Name:      "requests_total",
		Help:      "Chat completion requests handled, by size class and stream mode.",
	}, []string{"size_class", "stream"})

	// MatchSourceTotal counts which tier of the matching ladder resolved a
	// large request's slot.
	MatchSourceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxycache",
		Name:      "match_source_total",
		Help:      "Large requests resolved, by matching ladder tier.",
	}, []string{"source"})

	// SlotSelectTotal counts why a free-or-cold slot selection resolved the
	// way it did.
	SlotSelectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxycache",
		Name:      "slot_select_total",
		Help:      "Free-or-cold slot selections, by reason.",
	}, []string{"reason"})

	// BackendErrorsTotal counts failed backend calls by operation.
	BackendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxycache",
		Name:      "backend_errors_total",
		Help:      "Backend call failures, by operation (chat, save, restore).",
	}, []string{"operation"})

	// SlotsOccupied reports the current count of occupied global slots.
	SlotsOccupied = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxycache",
		Name:      "slots_occupied",
		Help:      "Currently occupied global slots across all backends.",
	})

	// RequestDuration measures end-to-end request handling latency in
	// seconds, by size class.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxycache",
		Name:      "request_duration_seconds",
		Help:      "Chat completion request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"size_class"})
)
