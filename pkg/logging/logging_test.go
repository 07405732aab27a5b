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

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		expected slog.Level
		ok       bool
	}{
		{"TRACE", slog.LevelDebug - 4, true},
		{"debug", slog.LevelDebug, true},
		{"Info", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"WARNING", slog.LevelWarn, true},
		{"ERROR", slog.LevelError, true},
		{"FATAL", slog.LevelError + 4, true},
		{"chatty", slog.LevelInfo, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			level, ok := ParseLevel(test.name)
			assert.Equal(t, test.expected, level)
			assert.Equal(t, test.ok, ok)
		})
	}
}

func TestPlainHandler(t *testing.T) {
	var b bytes.Buffer
	logger := slog.New(NewSlogPlainHandler(&b, slog.LevelInfo)).
		With(slog.String("app", "runtime"), slog.String("requestId", "abc"))

	logger.Debug("hidden")
	logger.WithGroup("event").Info("Invocation received", slog.Int("size", 5))

	out := b.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] (runtime) requestId=abc Invocation received event.size=5")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestPlainHandlerLevelNames(t *testing.T) {
	var b bytes.Buffer
	logger := slog.New(NewSlogPlainHandler(&b, slog.LevelDebug-4))

	logger.Log(context.Background(), slog.LevelDebug-4, "very detailed")
	logger.Log(context.Background(), slog.LevelError+4, "giving up")

	out := b.String()
	assert.Contains(t, out, "[TRACE] very detailed")
	assert.Contains(t, out, "[FATAL] giving up")
}

func TestZapHandler(t *testing.T) {
	var b bytes.Buffer
	logger := slog.New(NewSlogZapHandler(&b, slog.LevelInfo)).
		With(slog.String("requestId", "abc"))

	logger.Warn("Slow invocation", slog.Int("durationMs", 1200))

	var record map[string]any
	require.NoError(t, json.Unmarshal(b.Bytes(), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "Slow invocation", record["message"])
	assert.Equal(t, "abc", record["requestId"])
	assert.EqualValues(t, 1200, record["durationMs"])
	assert.Contains(t, record, "timestamp")
}

func TestSetup(t *testing.T) {
	defaultLogger := slog.Default()
	t.Cleanup(func() { slog.SetDefault(defaultLogger) })

	var b bytes.Buffer
	logger := Setup("bogus", "Text", &b)
	assert.Same(t, logger, slog.Default())
	assert.Contains(t, b.String(), "Unrecognised log level")
	assert.Contains(t, b.String(), "(runtime)")

	b.Reset()
	Setup("ERROR", "JSON", &b)
	slog.Info("suppressed")
	slog.Error("shown")
	assert.NotContains(t, b.String(), "suppressed")
	assert.Contains(t, b.String(), `"message":"shown"`)
}
