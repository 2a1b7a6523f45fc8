package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/logflow/tickflow/pkg/pipeline"
	"github.com/logflow/tickflow/pkg/poller"
	"github.com/logflow/tickflow/pkg/telemetry"
	"github.com/logflow/tickflow/pkg/tui"
)

var (
	runTopics     []string
	runHealthAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run pollers and processors for the configured topics",
	Long: `Run one poller and one processor runtime per topic until interrupted.

A topic whose configuration is broken (missing stream, missing credential,
retention gap under the halt policy) stops on its own and is reported by
GET /healthz; other topics keep running.

Examples:
  tickflow run
  tickflow run --topics quotes
  tickflow run --config prod.yaml --health-addr :9090`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringSliceVar(&runTopics, "topics", nil, "Only run these topics (default: all configured)")
	runCmd.Flags().StringVar(&runHealthAddr, "health-addr", "", "Health endpoint address override")
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runHealthAddr != "" {
		cfg.Health.Addr = runHealthAddr
	}
	only, err := parseTopics(runTopics)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Telemetry.Insecure,
		SamplingRatio:  1.0,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warnw("trace flush failed", "error", err)
		}
	}()

	d, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	topics, err := buildTopics(cfg, d, only, log)
	if err != nil {
		return err
	}
	coord, err := pipeline.New(pipeline.Options{
		Topics:  topics,
		Restart: restartPolicy(cfg),
		Metrics: d.metrics,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	tui.PrintHeader(cmd.ErrOrStderr(), version)
	log.Infow("starting pipeline",
		"group", cfg.ConsumerGroup, "topics", len(topics), "stream", cfg.Stream.Backend,
		"sink", d.objects.Scheme(), "cursors", d.cursors.Name(), "gap_policy", cfg.GapPolicy)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	if cfg.Health.Addr != "" {
		g.Go(func() error { return pipeline.Serve(gctx, cfg.Health.Addr, coord.Health(), log) })
	}
	if fc, ok := d.credential.(*poller.FileCredential); ok {
		g.Go(func() error {
			if err := fc.Watch(gctx); err != nil && gctx.Err() == nil {
				log.Warnw("credential rotation disabled", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if err == nil || ctx.Err() != nil {
		log.Infow("pipeline stopped", "healthy", coord.Health().Healthy())
		return nil
	}
	return err
}
