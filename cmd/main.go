package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/logging"
	"github.com/l0p7/resilcache/internal/metrics"
	"github.com/l0p7/resilcache/internal/runtime"
	"github.com/l0p7/resilcache/internal/server"
	"github.com/l0p7/resilcache/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type rootOptions struct {
	configFile string
	envPrefix  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "resilcache",
		Short:        "Local resilience cache with conflict resolution and crash recovery",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", "RESILCACHE", "environment variable prefix")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the cache node and its admin API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "snapshots",
			Short: "List snapshots in the configured store directory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSnapshots(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Open and verify the newest readable snapshot",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runVerify(cmd, opts)
			},
		},
	)
	return root
}

func (o *rootOptions) load(ctx context.Context) (*config.Loader, config.Config, error) {
	loader := config.NewLoader(o.envPrefix, o.configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return loader, cfg, nil
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, cfg, err := opts.load(ctx)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	node, err := runtime.New(ctx, cfg, runtime.Options{
		Loader:  loader,
		Logger:  logger,
		Metrics: metricsRecorder,
	})
	if err != nil {
		logger.Error("unable to start node", slog.Any("error", err))
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := node.Close(shutdownCtx); err != nil {
			logger.Error("node shutdown failed", slog.Any("error", err))
		}
	}()

	handler, err := server.NewHandler(server.NodeDeps(node, metricsRecorder, logger))
	if err != nil {
		return err
	}
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

// offlineLogger keeps command output on stdout clean.
func offlineLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openSnapshots(cmd *cobra.Command, opts *rootOptions) (*store.SnapshotManager, error) {
	_, cfg, err := opts.load(cmd.Context())
	if err != nil {
		return nil, err
	}
	return runtime.OpenSnapshots(cfg, offlineLogger(cmd))
}

func runSnapshots(cmd *cobra.Command, opts *rootOptions) error {
	snaps, err := openSnapshots(cmd, opts)
	if err != nil {
		return err
	}
	infos, err := snaps.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintf(out, "no snapshots in %s\n", snaps.Dir())
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIZE\tWRITTEN")
	for _, info := range infos {
		fmt.Fprintf(tw, "%d\t%d\t%s\n", info.ID, info.Size, info.ModTime.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runVerify(cmd *cobra.Command, opts *rootOptions) error {
	snaps, err := openSnapshots(cmd, opts)
	if err != nil {
		return err
	}
	rec, err := snaps.LatestValid()
	if err != nil {
		return fmt.Errorf("verify %s: %w", snaps.Dir(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "snapshot %d ok: %d entries, created %s\n",
		rec.ID, rec.Len(), rec.CreatedAt.Format(time.RFC3339))
	return nil
}
