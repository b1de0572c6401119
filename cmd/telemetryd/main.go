// Copyright 2025 Antimetal Inc.
//
// Licensed under the PolyForm Shield License 1.0.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     https://polyformproject.org/licenses/shield/1.0.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arcspire/telemetryd/internal/config"
	"github.com/arcspire/telemetryd/pkg/alerts"
	"github.com/arcspire/telemetryd/pkg/logwriter"
	"github.com/arcspire/telemetryd/pkg/process"
	"github.com/arcspire/telemetryd/pkg/procfs"
	"github.com/arcspire/telemetryd/pkg/producer"
	"github.com/arcspire/telemetryd/pkg/promexp"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

var (
	cfgPath  string
	verbose  bool
	procRoot string
	sysRoot  string
)

var rootCmd = &cobra.Command{
	Use:   "telemetryd",
	Short: "telemetryd - on-host system telemetry pipeline",
	Long: `telemetryd samples kernel-exposed resource state on Linux, publishes a
consistent snapshot at a steady cadence, and serves it over a Prometheus
text endpoint and a rotating on-disk metrics log.`,
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to TOML config file (optional)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose (V(1)) logging")
	rootCmd.PersistentFlags().StringVar(&procRoot, "proc-root", "", "override /proc root (defaults to TELEMETRYD_PROC_ROOT or /proc)")
	rootCmd.PersistentFlags().StringVar(&sysRoot, "sys-root", "", "override /sys root (defaults to TELEMETRYD_SYS_ROOT or /sys)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger := newLogger(verbose)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("telemetryd: %w", err)
	}

	if procRoot != "" {
		os.Setenv("TELEMETRYD_PROC_ROOT", procRoot)
	}
	if sysRoot != "" {
		os.Setenv("TELEMETRYD_SYS_ROOT", sysRoot)
	}
	if v, ok := processCollectorEnvValue(cfg.Process.Collector); ok {
		os.Setenv(process.EnvCollectorOverride, v)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	buffers := snapshot.NewBuffers()

	pcfg := producer.DefaultConfig(logger, procfs.ProcRoot(), procfs.SysRoot())
	pcfg.MaxProcs = cfg.Process.MaxProcs
	pcfg.EnrichTopN = cfg.Process.EnrichTopN
	pcfg.AllowVendorGPUCLI = cfg.Nvidia.PMON || cfg.Nvidia.Mem
	pcfg.AlertRules = alerts.Rules{
		CPUTotalHighPct: cfg.Thresholds.CPUTotalHighPct,
		MemHighPct:      cfg.Thresholds.MemHighPct,
		TopProcCPUPct:   cfg.Thresholds.TopProcCPUPct,
		Sustain:         cfg.Thresholds.Sustain(),
	}
	p := producer.New(pcfg, buffers)

	source := func() snapshot.Snapshot {
		var s snapshot.Snapshot
		snapshot.BenchCopy(buffers, &s)
		return s
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(promexp.New(source)); err != nil {
		return fmt.Errorf("telemetryd: register collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, "telemetryd: see /metrics")
	})
	server := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}

	lw := logwriter.New(logger, buffers, cfg.Log.Dir, cfg.Log.LogInterval())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return lw.Run(gctx)
	})

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		select {
		case <-gctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				logger.Error(err, "metrics server failed")
			}
			return nil
		}
	})

	logger.Info("telemetryd started", "metrics_addr", cfg.Metrics.ListenAddr, "log_dir", cfg.Log.Dir)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("telemetryd: %w", err)
	}
	return nil
}

// processCollectorEnvValue translates spec.md §6's process.collector
// vocabulary (auto|procfs|netlink|kernel) to pkg/process's internal
// TELEMETRYD_PROCESS_COLLECTOR values. "auto" leaves the override unset
// so pkg/process.Select applies its own netlink-then-scanner fallback.
func processCollectorEnvValue(v string) (string, bool) {
	switch v {
	case "procfs":
		return "scanner", true
	case "netlink":
		return "netlink", true
	case "kernel":
		return "kernelmodule", true
	default:
		return "", false
	}
}

func newLogger(verbose bool) logr.Logger {
	opts := funcr.Options{Verbosity: 0}
	if verbose {
		opts.Verbosity = 1
	}
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintln(os.Stderr, prefix, args)
		} else {
			fmt.Fprintln(os.Stderr, args)
		}
	}, opts).WithName("telemetryd")
}
