//
// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.
//

// Package metrics exposes Prometheus metrics for the runtime: invocation
// outcomes and durations, response sizes, and initialisation time.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lambda_runtime"

// Outcome labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response mode labels.
const (
	ModeBuffered  = "buffered"
	ModeStreaming = "streaming"
)

// Default histogram buckets for invocation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Metrics holds the runtime's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	responseBytes      *prometheus.CounterVec
	transportErrors    *prometheus.CounterVec
	initDuration       prometheus.Gauge
	inFlight           prometheus.Gauge
	coldStart          bool
}

// New creates Metrics labelled with the function name.
func New(function string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	constLabels := prometheus.Labels{"function": function}
	m := &Metrics{
		registry:  registry,
		coldStart: true,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "invocations_total",
				Help:        "Total number of invocations by outcome and error type",
				ConstLabels: constLabels,
			},
			[]string{"status", "error_type"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "invocation_duration_milliseconds",
				Help:        "Duration of invocations from next to reported outcome in milliseconds",
				Buckets:     defaultBuckets,
				ConstLabels: constLabels,
			},
			[]string{"status", "cold_start"},
		),

		responseBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "response_bytes_total",
				Help:        "Total response body bytes delivered to the control plane",
				ConstLabels: constLabels,
			},
			[]string{"mode"},
		),

		transportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "transport_errors_total",
				Help:        "Total control plane communication failures by operation",
				ConstLabels: constLabels,
			},
			[]string{"op"},
		),

		initDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "init_duration_milliseconds",
				Help:        "Time taken to construct the handler",
				ConstLabels: constLabels,
			},
		),

		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "invocation_in_flight",
				Help:        "1 while an invocation is being handled",
				ConstLabels: constLabels,
			},
		),
	}

	registry.MustRegister(
		m.invocationsTotal,
		m.invocationDuration,
		m.responseBytes,
		m.transportErrors,
		m.initDuration,
		m.inFlight,
	)
	return m
}

// ObserveInit records how long handler construction took.
func (m *Metrics) ObserveInit(d time.Duration) {
	m.initDuration.Set(float64(d.Milliseconds()))
}

// InvocationStarted marks an invocation as in flight.
func (m *Metrics) InvocationStarted() {
	m.inFlight.Set(1)
}

// InvocationFinished records the outcome of an invocation. errorType is
// empty for successful invocations. The first invocation is labelled as the
// cold start. Only called from the single invocation path.
func (m *Metrics) InvocationFinished(errorType string, d time.Duration, mode string, bytes int) {
	status := StatusSuccess
	if errorType != "" {
		status = StatusError
	}
	coldStart := "false"
	if m.coldStart {
		coldStart = "true"
		m.coldStart = false
	}

	m.inFlight.Set(0)
	m.invocationsTotal.WithLabelValues(status, errorType).Inc()
	m.invocationDuration.WithLabelValues(status, coldStart).Observe(float64(d.Milliseconds()))
	if bytes > 0 {
		m.responseBytes.WithLabelValues(mode).Add(float64(bytes))
	}
}

// TransportError counts a control plane failure for op.
func (m *Metrics) TransportError(op string) {
	m.transportErrors.WithLabelValues(op).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
