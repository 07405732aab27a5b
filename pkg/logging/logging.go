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
	"io"
	"log/slog"
	"strings"
)

const (
	// Lambda log timestamps use RFC3339 with millisecond precision
	// but https://pkg.go.dev/time#pkg-constants only has RFC3339 & RFC3339Nano
	RFC3339Milli = "2006-01-02T15:04:05.999Z07:00"

	// Label rendered by the plain handler, mirrors the (rapid) label the
	// Runtime API Daemon uses so the two are easy to tell apart in a log.
	appLabel = "runtime"
)

// ParseLevel converts the Lambda log level names (TRACE, DEBUG, INFO, WARN,
// ERROR, FATAL) to a slog.Level. TRACE maps below Debug and FATAL above Error.
// The second return is false if the name is not recognised.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return slog.LevelDebug - 4, true
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	case "FATAL":
		return slog.LevelError + 4, true
	default:
		return slog.LevelInfo, false
	}
}

// Setup sets the default slog Logger for internal logging. Needs to be called
// very early during startup to configure logs emitted during initialization.
// format "JSON" selects the zap back end, anything else the plain back end.
func Setup(level string, format string, w io.Writer) *slog.Logger {
	l, ok := ParseLevel(level)

	var handler slog.Handler
	if strings.EqualFold(format, "JSON") {
		handler = NewSlogZapHandler(w, l)
	} else {
		handler = NewSlogPlainHandler(w, l).WithAttrs(
			[]slog.Attr{slog.String("app", appLabel)})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	if !ok {
		logger.Warn("Unrecognised log level, using INFO. Valid log levels are "+
			"TRACE, DEBUG, INFO, WARN, ERROR, FATAL", slog.String("level", level))
	}
	return logger
}
