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

// Provides a custom runtime bootstrap for AWS Lambda style execution
// environments.
//
// The bootstrap fetches invocations from the Runtime API
// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-api.html
// (or, with RUNTIME_CONTROL_PLANE=amqp, from an AMQP-RPC request queue named
// after the function), dispatches each to the handler selected by _HANDLER or
// --handler, and reports the outcome before fetching the next.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lambda-custom-runtime/pkg/config/bootstrap"
	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/lifecycle"
	"lambda-custom-runtime/pkg/logging"
	"lambda-custom-runtime/pkg/loop"
	"lambda-custom-runtime/pkg/metrics"
	"lambda-custom-runtime/pkg/runtimeapi"
	"lambda-custom-runtime/pkg/telemetry"
)

var (
	configFile  string
	handlerName string
	logLevel    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bootstrap",
		Short:         "Custom runtime for Lambda style functions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file (overrides RUNTIME_CONFIG_FILE)")
	rootCmd.Flags().StringVar(&handlerName, "handler", "", "Handler to run (overrides _HANDLER)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides AWS_LAMBDA_LOG_LEVEL and LOG_LEVEL)")

	rootCmd.AddCommand(handlersCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Runtime exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap.GetConfig(configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("handler") {
		cfg.Handler = handlerName
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	cfg.LogValues()

	ctx := cmd.Context()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}

	opts := []lifecycle.Option{
		lifecycle.WithLoopOptions(
			loop.WithFunction(invocation.Function{
				Name:          cfg.FunctionName,
				Version:       cfg.Version,
				MemoryLimitMB: cfg.Memory,
			}),
			loop.WithShutdownGrace(cfg.ShutdownGrace()),
		),
	}

	m := metrics.New(cfg.FunctionName)
	var srv *metrics.Server
	if cfg.MetricsAddr != "" {
		if srv, err = metrics.NewServer(cfg.MetricsAddr, m); err != nil {
			client.Close()
			return fmt.Errorf("metrics server: %w", err)
		}
	}
	opts = append(opts, lifecycle.WithMetrics(m, srv))

	tp, err := telemetry.New(ctx, telemetry.Config{
		Endpoint:     cfg.OTLPEndpoint,
		FunctionName: cfg.FunctionName,
		Version:      cfg.Version,
	})
	if err != nil {
		slog.Warn("Tracing disabled", slog.Any("error", err))
	} else {
		opts = append(opts, lifecycle.WithTelemetry(tp))
	}

	return lifecycle.New(client, newRegistry().Resolve(cfg.Handler), opts...).Run(ctx)
}

func newClient(ctx context.Context, cfg *bootstrap.Config) (runtimeapi.Client, error) {
	if cfg.ControlPlane == bootstrap.ControlPlaneAMQP {
		client, err := runtimeapi.NewAMQPClient(ctx, cfg.AMQPURI, cfg.FunctionName, cfg.FunctionTimeout())
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return runtimeapi.NewHTTPClient(cfg.RuntimeAPI, runtimeapi.WithNextRetries(cfg.NextRetries)), nil
}

func handlersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the bundled handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION")
			for _, e := range bundle {
				fmt.Fprintf(w, "%s\t%s\n", e.name, e.description)
			}
			return w.Flush()
		},
	}
}
