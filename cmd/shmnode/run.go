/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srediag/remote-node/internal/logging"
	"github.com/srediag/remote-node/internal/metrics"
	"github.com/srediag/remote-node/pkg/health"
	"github.com/srediag/remote-node/pkg/loopback"
	"github.com/srediag/remote-node/pkg/remote"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Export the demo nodes and drive them until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); cmd.Flags().Changed("listen") {
			cfg.Listen = listen
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		res, err := run(ctx, cfg, cfg.logger())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cycles %d, pulls %d, reused %d\n", res.cycles, res.pulls, res.reused)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("listen", "", "HTTP address for metrics and health, overrides the config file")
	runCmd.Flags().Duration("duration", 0, "stop after this long (0 runs until interrupted)")
}

type result struct {
	cycles uint64
	pulls  uint64
	reused uint64
}

func run(ctx context.Context, cfg *Config, logger *logging.Logger) (result, error) {
	var res result

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return res, err
	}
	cfg.Remote.Node.Metrics = m
	cfg.Remote.Node.Logger = logger.Named("remote-node")

	manager, err := remote.New(cfg.Remote)
	if err != nil {
		return res, err
	}

	healthCfg := cfg.Health
	healthCfg.Registerer = reg
	monitor := health.New(healthCfg)
	monitor.AddReadiness("proxies", manager)

	srv := serve(cfg.Listen, reg, monitor, logger)

	loopCfg := cfg.Loopback
	loopCfg.Logger = logger.Named("loopback")
	layout := loopback.Layout{Count: cfg.Demo.Buffers, Planes: 1, PlaneSize: cfg.Demo.PlaneSize}
	var drivers []*driver
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warnf("close: %v", err)
		}
		for _, d := range drivers {
			if err := d.peer.Close(); err != nil {
				logger.Warnf("%s: %v", d.name, err)
			}
		}
		shutdown(srv, logger)
	}()

	for i := 0; i < cfg.Demo.Nodes; i++ {
		d := &driver{
			name:   fmt.Sprintf("demo-%d", i),
			peer:   loopback.New(loopCfg),
			node:   newDemoNode(),
			layout: layout,
		}
		drivers = append(drivers, d)
		if d.entry, err = manager.Export(d.name, d.peer, d.node); err != nil {
			return res, err
		}
		if err := d.setup(uint32(i)); err != nil {
			return res, err
		}
		logger.Infof("%s: started", d.name)
	}

	tick := time.NewTicker(cfg.Demo.Interval)
	defer tick.Stop()
	stats := time.NewTicker(time.Second)
	defer stats.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			for _, d := range drivers {
				res.cycles += d.node.cycles.Load()
				res.pulls += d.node.pulls.Load()
				res.reused += d.node.reused.Load()
			}
			return res, nil
		case <-stats.C:
			var cur uint64
			for _, d := range drivers {
				cur += d.node.cycles.Load()
			}
			logger.Infof("cycles/s: %d, total %d", cur-last, cur)
			last = cur
		case <-tick.C:
			for _, d := range drivers {
				if err := d.tick(); err != nil {
					logger.Warnf("%s: tick: %v", d.name, err)
				}
			}
		}
	}
}

func serve(addr string, reg *prometheus.Registry, monitor *health.Monitor, logger *logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/live", monitor.Live)
	mux.HandleFunc("/ready", monitor.Ready)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("serving metrics and health on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http: %v", err)
		}
	}()
	return srv
}

func shutdown(srv *http.Server, logger *logging.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnf("http shutdown: %v", err)
		_ = srv.Close()
	}
}
