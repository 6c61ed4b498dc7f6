package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/appkins-org/ovs-vlan-agent/internal/config"
	"github.com/appkins-org/ovs-vlan-agent/internal/manager"
	"github.com/appkins-org/ovs-vlan-agent/internal/metrics"
	"github.com/appkins-org/ovs-vlan-agent/internal/store"
	"github.com/appkins-org/ovs-vlan-agent/internal/vlan"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ovs-vlan-agent",
		Short:         "Keep this host's OVS VLAN bridges in line with the control-plane database",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLogger(configPath, func(cfg *config.Config, logger logr.Logger) error {
				return runAgent(cmd.Context(), cfg, logger)
			})
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "vlans",
		Short: "Print the VLAN tags currently held by networks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLogger(configPath, func(cfg *config.Config, logger logr.Logger) error {
				return printVLANs(cmd.Context(), cmd, cfg, logger)
			})
		},
	})

	return root
}

func withLogger(configPath string, run func(*config.Config, logr.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	logger, sync, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer sync()

	if err := run(cfg, logger); err != nil {
		logger.Error(err, "Command failed")
		return err
	}
	return nil
}

func runAgent(ctx context.Context, cfg *config.Config, logger logr.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var metricsReg prometheus.Registerer
	if cfg.Server.EnableMetrics {
		metricsReg = reg
	}

	m, err := manager.New(ctx, cfg, logger, metricsReg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Error(err, "Failed to close agent connections")
		}
	}()

	serve := func(addr string, metricsOn, healthOn bool) {
		var gatherer prometheus.Gatherer
		if metricsOn {
			gatherer = reg
		}
		var check metrics.HealthCheck
		if healthOn {
			check = m.Healthy
		}
		go func() {
			if err := metrics.Serve(ctx, addr, metrics.Mux(gatherer, check), logger); err != nil {
				logger.Error(err, "HTTP server failed", "addr", addr)
			}
		}()
	}

	srv := cfg.Server
	switch {
	case srv.EnableMetrics && srv.EnableHealthCheck && srv.MetricsAddr == srv.HealthAddr:
		serve(srv.MetricsAddr, true, true)
	default:
		if srv.EnableMetrics {
			serve(srv.MetricsAddr, true, false)
		}
		if srv.EnableHealthCheck {
			serve(srv.HealthAddr, false, true)
		}
	}

	return m.Start(ctx)
}

func printVLANs(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger logr.Logger) error {
	if err := cfg.Network.ValidateVLANRange(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := store.Open(ctx, store.Options{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		MaxOpenConns:   cfg.Database.MaxOpenConns,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	pool, err := vlan.NewPool(cfg.Network.VLANMin, cfg.Network.VLANMax, logger)
	if err != nil {
		return err
	}

	sess, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()

	if err := vlan.Restore(ctx, sess, pool, logger); err != nil {
		logger.Error(err, "Some VLAN tags could not be restored")
	}

	allocated := pool.Allocated()
	out := cmd.OutOrStdout()
	for _, tag := range slices.Sorted(maps.Keys(allocated)) {
		fmt.Fprintf(out, "%d\t%s\n", tag, allocated[tag])
	}
	first, last := pool.Range()
	fmt.Fprintf(out, "# %d of %d tags in use\n", len(allocated), last-first+1)
	return nil
}
