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

// Package telemetry records an OpenTelemetry span per invocation, exported
// over OTLP/HTTP when an endpoint is configured and discarded otherwise.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "lambda-custom-runtime"

// Span attribute keys, following the FaaS semantic conventions.
var (
	AttrRequestID    = attribute.Key("faas.invocation_id")
	AttrFunctionName = attribute.Key("faas.name")
	AttrVersion      = attribute.Key("faas.version")
	AttrColdStart    = attribute.Key("faas.coldstart")
	AttrResourceID   = attribute.Key("cloud.resource_id")
	AttrXRayTraceID  = attribute.Key("aws.xray.trace_id")
	AttrErrorType    = attribute.Key("error.type")
	AttrStreaming    = attribute.Key("faas.response.streaming")
)

// Config holds telemetry configuration
type Config struct {
	Endpoint     string // host:port of an OTLP/HTTP collector, "" disables export
	FunctionName string
	Version      string
}

// Provider owns the tracer used for invocation spans.
type Provider struct {
	tp     *sdktrace.TracerProvider // nil when disabled
	tracer trace.Tracer
}

// Noop returns a Provider whose spans are discarded.
func Noop() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer(tracerName)}
}

// New creates a Provider. With no endpoint a no-op tracer is used.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.FunctionName),
			attribute.String("service.version", cfg.Version),
			attribute.String("faas.name", cfg.FunctionName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return NewWithTracerProvider(tp), nil
}

// NewWithTracerProvider wraps an existing SDK TracerProvider, which the
// Provider then owns and shuts down.
func NewWithTracerProvider(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(tracerName)}
}

// Enabled returns whether spans are exported.
func (p *Provider) Enabled() bool {
	return p.tp != nil
}

// StartInvocation starts the span covering one invocation.
func (p *Provider) StartInvocation(ctx context.Context, requestID, functionArn, traceID string, coldStart bool) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrRequestID.String(requestID),
		AttrColdStart.Bool(coldStart),
	}
	if functionArn != "" {
		attrs = append(attrs, AttrResourceID.String(functionArn))
	}
	if traceID != "" {
		attrs = append(attrs, AttrXRayTraceID.String(traceID))
	}
	return p.tracer.Start(ctx, "invoke",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndInvocation marks span with the outcome and ends it. errorType is empty
// for successful invocations.
func EndInvocation(span trace.Span, err error, errorType string, streaming bool) {
	span.SetAttributes(AttrStreaming.Bool(streaming))
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(AttrErrorType.String(errorType))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}
