// Copyright 2025 The atomik Authors
// This file is part of the atomik settlement processor.
//
// The atomik settlement processor is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// The atomik settlement processor is distributed in the hope that it will be
// useful, but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the atomik settlement processor. If not, see <http://www.gnu.org/licenses/>.

// atomikd is the off-chain settlement coordinator: it polls the gaming engine
// for finalized bets, submits settlement transactions to the vault program
// and drives every bet to a terminal status exactly once.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/reecen9696/atomiq-bet-settlement/config"
	"github.com/reecen9696/atomiq-bet-settlement/contract"
	"github.com/reecen9696/atomiq-bet-settlement/engine"
	"github.com/reecen9696/atomiq-bet-settlement/rpcpool"
	"github.com/reecen9696/atomiq-bet-settlement/settlement"
)

const (
	exitConfig  = 1
	exitRuntime = 2
)

var app = &cli.App{
	Name:  "atomikd",
	Usage: "atomik bet settlement processor",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "optional .env file loaded before reading the environment",
			Value: ".env",
		},
	},
	Action: run,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
}

func run(cliCtx *cli.Context) error {
	// Missing .env is fine; the environment itself is authoritative.
	_ = godotenv.Load(cliCtx.String("env-file"))

	cfg, err := config.Load()
	if err != nil {
		return cli.Exit(fmt.Sprintf("atomikd: configuration: %v", err), exitConfig)
	}
	if err := setupLogging(cfg.LogFormat, cfg.LogLevel); err != nil {
		return cli.Exit(fmt.Sprintf("atomikd: configuration: %v", err), exitConfig)
	}

	program, err := cfg.Program()
	if err != nil {
		return cli.Exit(fmt.Sprintf("atomikd: configuration: %v", err), exitConfig)
	}
	keypair, err := cfg.Keypair()
	if err != nil {
		return cli.Exit(fmt.Sprintf("atomikd: configuration: %v", err), exitConfig)
	}

	pool, err := rpcpool.New(cfg.RPCEndpoints, cfg.CircuitThreshold, cfg.CircuitCooldown())
	if err != nil {
		return cli.Exit(fmt.Sprintf("atomikd: configuration: %v", err), exitConfig)
	}
	chain, err := contract.NewClient(pool, contract.Config{
		ProgramID:      program,
		Processor:      keypair,
		MinBetLamports: cfg.MinBetLamports,
		MaxBetsPerTx:   cfg.MaxBetsPerTx,
		ConfirmTimeout: cfg.ConfirmTimeout(),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("atomikd: configuration: %v", err), exitConfig)
	}
	if casino, ok, err := cfg.Casino(); err != nil {
		return cli.Exit(fmt.Sprintf("atomikd: configuration: %v", err), exitConfig)
	} else if ok && !casino.Equals(chain.Casino()) {
		return cli.Exit(fmt.Sprintf("atomikd: configuration: CASINO_PUBKEY %s does not match derived casino PDA %s", casino, chain.Casino()), exitConfig)
	}

	eng := engine.NewClient(cfg.EngineURL, cfg.EngineAPIKey)

	coordinator := settlement.NewCoordinator(settlement.Config{
		Workers:         cfg.WorkerCount,
		BatchMin:        cfg.BatchMin,
		BatchMax:        cfg.BatchMax,
		MaxBetsPerTx:    cfg.MaxBetsPerTx,
		PollInterval:    cfg.PollInterval(),
		MaxRetries:      cfg.MaxRetries,
		DispatchBacklog: cfg.DispatchBacklog,
	}, eng, chain)
	reconciler := settlement.NewReconciler(settlement.ReconcilerConfig{
		Interval:   cfg.ReconInterval(),
		MinAge:     cfg.ReconMinAge(),
		MaxRetries: cfg.MaxRetries,
	}, eng, chain)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting atomikd", "program", program, "casino", chain.Casino(), "endpoints", len(cfg.RPCEndpoints), "workers", cfg.WorkerCount)
	probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
	pool.HealthCheck(probeCtx)
	cancelProbe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Settlement processor failed", "err", err)
		return cli.Exit(fmt.Sprintf("atomikd: %v", err), exitRuntime)
	}
	log.Info("atomikd stopped")
	return nil
}

// setupLogging installs the root log handler per LOG_FORMAT and LOG_LEVEL.
func setupLogging(format, level string) error {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	var fmtr log.Format
	if format == "json" {
		fmtr = log.JSONFormat()
	} else {
		fmtr = log.TerminalFormat(false)
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, fmtr)))
	return nil
}

// serveMetrics exposes the prometheus registry until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("Metrics listener up", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return fmt.Errorf("metrics listener: %w", err)
	}
}
