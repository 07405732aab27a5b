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

package bootstrap

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lambda-custom-runtime/pkg/config/env"
)

const (
	// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-api.html
	// The Runtime API address is normally injected by the execution
	// environment, this default matches the Runtime API Daemon's default.
	defaultRuntimeAPI = "127.0.0.1:9001"

	ControlPlaneHTTP = "http"
	ControlPlaneAMQP = "amqp"

	defaultLogLevel  = "INFO"
	defaultLogFormat = "Text"

	// How long an in-flight invocation may keep running after a termination
	// signal before it is force-reported as failed. The Lambda Shutdown phase
	// allows at most 2000 ms when external extensions are registered.
	defaultShutdownGraceMs = 2000

	// Extra attempts made for a transient next invocation failure.
	defaultNextRetries = 3

	AWS_LAMBDA_FUNCTION_MEMORY_SIZE_DEFAULT int = 3008
	AWS_LAMBDA_FUNCTION_TIMEOUT_DEFAULT     int = 3 // Seconds

	// https://docs.aws.amazon.com/lambda/latest/dg/configuration-versions.html
	AWS_LAMBDA_FUNCTION_VERSION_DEFAULT string = "$LATEST"
)

type Config struct {
	RuntimeAPI      string `yaml:"runtimeApi"`
	ControlPlane    string `yaml:"controlPlane"`
	AMQPURI         string `yaml:"amqpUri"`
	FunctionName    string `yaml:"functionName"`
	Version         string `yaml:"version"`
	Handler         string `yaml:"handler"`
	LogLevel        string `yaml:"logLevel"`
	LogFormat       string `yaml:"logFormat"`
	MetricsAddr     string `yaml:"metricsAddr"`
	OTLPEndpoint    string `yaml:"otlpEndpoint"`
	Memory          int    `yaml:"memory"`
	Timeout         int    `yaml:"timeout"`
	ShutdownGraceMs int    `yaml:"shutdownGraceMs"`
	NextRetries     int    `yaml:"nextRetries"`
}

// FunctionTimeout returns Timeout as a time.Duration.
func (cfg *Config) FunctionTimeout() time.Duration {
	return time.Duration(cfg.Timeout) * time.Second
}

// ShutdownGrace returns ShutdownGraceMs as a time.Duration.
func (cfg *Config) ShutdownGrace() time.Duration {
	return time.Duration(cfg.ShutdownGraceMs) * time.Millisecond
}

// Default returns a Config populated with the built in defaults only.
func Default() *Config {
	return &Config{
		RuntimeAPI:      defaultRuntimeAPI,
		ControlPlane:    ControlPlaneHTTP,
		Version:         AWS_LAMBDA_FUNCTION_VERSION_DEFAULT,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		Memory:          AWS_LAMBDA_FUNCTION_MEMORY_SIZE_DEFAULT,
		Timeout:         AWS_LAMBDA_FUNCTION_TIMEOUT_DEFAULT,
		ShutdownGraceMs: defaultShutdownGraceMs,
		NextRetries:     defaultNextRetries,
	}
}

// Returns a populated Config instance for use by the rest of the application.
// Values are layered: built in defaults, then the optional YAML file at path
// (RUNTIME_CONFIG_FILE is used when path is empty), then environment
// variables. An unreadable or malformed file is an error, a missing
// RUNTIME_CONFIG_FILE is not.
func GetConfig(path string) (*Config, error) {
	config := Default()

	if path == "" {
		path = env.Getenv("RUNTIME_CONFIG_FILE", "")
	}
	if path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.RuntimeAPI = env.Getenv("AWS_LAMBDA_RUNTIME_API", config.RuntimeAPI)
	config.ControlPlane = strings.ToLower(
		env.Getenv("RUNTIME_CONTROL_PLANE", config.ControlPlane))
	config.FunctionName = env.Getenv("AWS_LAMBDA_FUNCTION_NAME", config.FunctionName)
	config.Version = env.Getenv("AWS_LAMBDA_FUNCTION_VERSION", config.Version)
	config.Handler = env.Getenv("_HANDLER", config.Handler)
	config.LogLevel = env.GetenvFirst(config.LogLevel, "AWS_LAMBDA_LOG_LEVEL", "LOG_LEVEL")
	config.LogFormat = env.Getenv("AWS_LAMBDA_LOG_FORMAT", config.LogFormat)
	config.MetricsAddr = env.Getenv("RUNTIME_METRICS_ADDR", config.MetricsAddr)
	config.OTLPEndpoint = env.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT", config.OTLPEndpoint)
	if env.GetenvBool("OTEL_SDK_DISABLED", false) {
		config.OTLPEndpoint = ""
	}
	config.Memory = env.GetenvInt("AWS_LAMBDA_FUNCTION_MEMORY_SIZE", config.Memory)
	config.Timeout = env.GetenvInt("AWS_LAMBDA_FUNCTION_TIMEOUT", config.Timeout)
	config.ShutdownGraceMs = env.GetenvInt("RUNTIME_SHUTDOWN_GRACE_MS", config.ShutdownGraceMs)
	config.NextRetries = env.GetenvInt("RUNTIME_NEXT_RETRIES", config.NextRetries)

	config.AMQPURI = injectAMQPCredentials(
		env.Getenv("AMQP_URI", config.AMQPURI),
		env.Getenv("AMQP_USERNAME", ""),
		env.Getenv("AMQP_PASSWORD", ""),
	)

	// Infer the function name from the handler selector if not explicitly
	// set, the AMQP binding uses it as its request queue name.
	if config.FunctionName == "" && config.Handler != "" {
		config.FunctionName = strings.Split(config.Handler, ".")[0]
		slog.Warn("AWS_LAMBDA_FUNCTION_NAME is not set, inferred from handler",
			slog.String("functionName", config.FunctionName),
			slog.String("handler", config.Handler))
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) validate() error {
	switch cfg.ControlPlane {
	case ControlPlaneHTTP:
		if cfg.RuntimeAPI == "" {
			return fmt.Errorf("AWS_LAMBDA_RUNTIME_API must be set")
		}
	case ControlPlaneAMQP:
		if cfg.AMQPURI == "" {
			return fmt.Errorf("AMQP_URI must be set when RUNTIME_CONTROL_PLANE is amqp")
		}
		if cfg.FunctionName == "" {
			return fmt.Errorf("AWS_LAMBDA_FUNCTION_NAME or _HANDLER must be set " +
				"when RUNTIME_CONTROL_PLANE is amqp")
		}
	default:
		return fmt.Errorf("unsupported RUNTIME_CONTROL_PLANE %q", cfg.ControlPlane)
	}
	if cfg.Timeout < 1 {
		cfg.Timeout = AWS_LAMBDA_FUNCTION_TIMEOUT_DEFAULT
	}
	if cfg.ShutdownGraceMs < 0 {
		cfg.ShutdownGraceMs = 0
	}
	if cfg.NextRetries < 0 {
		cfg.NextRetries = 0
	}
	return nil
}

// LogValues logs the effective configuration at startup.
func (cfg *Config) LogValues() {
	slog.Info("Runtime configuration",
		slog.String("controlPlane", cfg.ControlPlane),
		slog.String("functionName", cfg.FunctionName),
		slog.String("handler", cfg.Handler),
		slog.Int("shutdownGraceMs", cfg.ShutdownGraceMs),
		slog.Int("nextRetries", cfg.NextRetries),
	)
}

func injectAMQPCredentials(rawURI, username, password string) string {
	parsed, err := url.Parse(rawURI)
	if err != nil {
		// If it's not a valid URL, fallback to raw URI
		return rawURI
	}

	// If the URI already includes user info, return as-is
	if parsed.User != nil {
		return rawURI
	}

	// Only inject if both username and password are provided
	if username != "" && password != "" {
		parsed.User = url.UserPassword(username, password)
		return parsed.String()
	}

	return rawURI
}
