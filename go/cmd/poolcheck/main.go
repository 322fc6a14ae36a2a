// Copyright 2025 The Harborpool Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// poolcheck exercises a harborpool connection pool against a live Postgres:
// it checks handles out and in, optionally simulates a leaked checkout, and
// prints the pool counters.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/harborpool/harborpool/go/pools/connhandle"
	"github.com/harborpool/harborpool/go/pools/connpool"
	"github.com/harborpool/harborpool/go/pools/pgbackend"
)

var (
	dsn          string
	checkouts    int
	hold         time.Duration
	simulateLeak bool
	logLevel     string
	logFormat    string

	poolCfg connpool.Config

	Main = &cobra.Command{
		Use:   "poolcheck",
		Short: "Poolcheck exercises a harborpool connection pool against a live Postgres.",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
)

func main() {
	if err := Main.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	fs := Main.Flags()
	fs.StringVar(&dsn, "dsn", "", "Postgres connection string (or POOLCHECK_DSN)")
	fs.IntVar(&checkouts, "checkouts", 10, "Number of checkout/return cycles to run")
	fs.DurationVar(&hold, "hold", 50*time.Millisecond, "How long to hold each checkout")
	fs.BoolVar(&simulateLeak, "simulate-leak", false, "Leave one handle unreturned to trigger the leak detector")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "text", "Log format (json, text)")
	poolCfg.RegisterFlags(fs)

	viper.SetEnvPrefix("poolcheck")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.OnInitialize(func() {
		if err := viper.BindPFlags(Main.Flags()); err != nil {
			slog.Error(err.Error())
			os.Exit(1)
		}
		if dsn == "" {
			dsn = viper.GetString("dsn")
		}
	})
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(logFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(cmd *cobra.Command, args []string) error {
	if dsn == "" {
		return fmt.Errorf("--dsn (or POOLCHECK_DSN) is required")
	}
	logger := newLogger()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	factory := func(ctx context.Context) (connhandle.BackendConn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return pgbackend.NewConn(conn), nil
	}

	pool := connpool.New(ctx, factory, poolCfg, connpool.Options{Logger: logger})
	defer pool.Close(ctx)

	for i := 0; i < checkouts; i++ {
		h, err := pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("checkout %d failed: %w", i, err)
		}

		stmt, err := h.PrepareStatement(ctx, "SELECT 1")
		if err != nil {
			logger.WarnContext(ctx, "prepare failed", "checkout", i, "error", err)
		} else {
			_ = stmt.Close()
		}

		ok, err := h.IsValid(ctx, time.Second)
		logger.InfoContext(ctx, "checkout",
			"n", i,
			"conn", h.Backend().Name(),
			"valid", ok,
			"error", err)

		time.Sleep(hold)

		if simulateLeak && i == 0 {
			// Deliberately never returned; the leak detector reports it
			// after the configured threshold.
			continue
		}
		if err := h.Close(ctx); err != nil {
			logger.WarnContext(ctx, "close failed", "checkout", i, "error", err)
		}
	}

	if simulateLeak && poolCfg.LeakThreshold > 0 {
		logger.InfoContext(ctx, "waiting for leak detector", "threshold", poolCfg.LeakThreshold)
		time.Sleep(poolCfg.LeakThreshold + 100*time.Millisecond)
	}

	stats := pool.Stats()
	fmt.Printf("pool stats: active=%d borrowed=%d idle=%d\n",
		stats.Active, stats.Borrowed, stats.Idle)
	return nil
}
