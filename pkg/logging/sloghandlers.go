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

// We create custom slog Handlers here https://pkg.go.dev/log/slog#Handler
// to provide different logging "back ends" for structured logging and
// plain human readable logs.

package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Initialisation for go.uber.org/zap Logger to provide structured logging
// via a custom slog Handler. We use a custom Handler rather than
// go.uber.org/zap/exp/zapslog because that doesn't "pass through" things
// like caller information. Field names follow the Lambda JSON log format.
func newZapLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stackTrace",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(w),
		level,
	)

	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(4))
}

// Helper to convert slog.Level to zapcore.Level
func slogToZapLevel(l slog.Level) zapcore.Level {
	switch {
	case l <= slog.LevelDebug:
		return zap.DebugLevel
	case l <= slog.LevelInfo:
		return zap.InfoLevel
	case l <= slog.LevelWarn:
		return zap.WarnLevel
	case l <= slog.LevelError:
		return zap.ErrorLevel
	default:
		// FATAL is logged at zap's DPanic level rather than Fatal, exiting
		// is the caller's decision not the logger's.
		return zap.DPanicLevel
	}
}

// qualify prefixes key with the open groups, e.g. group "client" and key
// "id" become "client.id".
func qualify(groups []string, key string) string {
	if len(groups) == 0 {
		return key
	}
	return strings.Join(groups, ".") + "." + key
}

// Custom slog.Handler implementing a go.uber.org/zap back-end
type SlogZapHandler struct {
	Logger *zap.Logger
	level  slog.Level
	attrs  []zap.Field
	groups []string
}

func NewSlogZapHandler(w io.Writer, l slog.Level) *SlogZapHandler {
	return &SlogZapHandler{Logger: newZapLogger(w, slogToZapLevel(l)), level: l}
}

// Enabled returns true if the given level should be logged
func (h *SlogZapHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

// Handle satisfies slog.Handler
// https://pkg.go.dev/log/slog#Handler
func (h *SlogZapHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zap.Field, 0, len(h.attrs)+r.NumAttrs())
	fields = append(fields, h.attrs...)

	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, zap.Any(qualify(h.groups, a.Key), a.Value.Resolve().Any()))
		return true
	})

	if ce := h.Logger.Check(slogToZapLevel(r.Level), r.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// WithAttrs returns a new handler with extra attributes. Attributes are
// converted to zap Fields once here rather than on every Handle call.
func (h *SlogZapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = make([]zap.Field, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, zap.Any(qualify(h.groups, a.Key), a.Value.Resolve().Any()))
	}
	return &h2
}

// WithGroup returns a new handler whose subsequent attribute keys are
// qualified by name.
func (h *SlogZapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string{}, h.groups...), name)
	return &h2
}

//-----------------------------------------------------------------------------

// Custom slog.Handler implementing a formatted Human Readable back-end.
// Writes are serialised as several handlers derived by WithAttrs share w.
type SlogPlainHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Level
	label  string
	attrs  []slog.Attr
	groups []string
}

func NewSlogPlainHandler(w io.Writer, l slog.Level) *SlogPlainHandler {
	return &SlogPlainHandler{mu: &sync.Mutex{}, w: w, level: l}
}

// Enabled returns true if the given level should be logged
func (h *SlogPlainHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

// Handle satisfies slog.Handler
func (h *SlogPlainHandler) Handle(_ context.Context, r slog.Record) error {
	b := &bytes.Buffer{}

	fmt.Fprint(b, r.Time.Format(RFC3339Milli))
	fmt.Fprintf(b, " [%s] ", levelName(r.Level))

	if h.label != "" {
		fmt.Fprintf(b, "(%s) ", h.label)
	}

	// Render inherited logger attrs first (added by WithAttrs)
	for _, a := range h.attrs {
		fmt.Fprintf(b, "%s=%v ", a.Key, a.Value.Any())
	}

	b.WriteString(r.Message)

	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(b, " %s=%v", qualify(h.groups, a.Key), a.Value.Resolve().Any())
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

// WithAttrs returns a new handler with extra attributes. The "app" attribute
// is special cased and rendered as the (label) field.
func (h *SlogPlainHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == "app" && len(h.groups) == 0 {
			h2.label = a.Value.String()
			continue
		}
		h2.attrs = append(h2.attrs, slog.Any(qualify(h.groups, a.Key), a.Value.Resolve().Any()))
	}
	return &h2
}

// WithGroup returns a new handler whose subsequent attribute keys are
// qualified by name.
func (h *SlogPlainHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string{}, h.groups...), name)
	return &h2
}

// levelName renders the Lambda level names, so TRACE and FATAL survive the
// round trip through slog's numeric levels.
func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return "TRACE"
	case l > slog.LevelError:
		return "FATAL"
	default:
		return strings.ToUpper(l.String())
	}
}
