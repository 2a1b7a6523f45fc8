package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/dlq"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/tui"
)

var (
	dlqTopic  string
	dlqLimit  int
	dlqJSON   bool
	dlqPrune  bool
	dlqDryRun bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead letters",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries of a topic",
	Long: `List dead-letter entries of a topic, oldest first.

Examples:
  tickflow dlq list --topic quotes
  tickflow dlq list --topic news --limit 0 --json`,
	RunE: runDLQList,
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-publish dead-lettered events to the stream",
	Long: `Re-publish every dead-lettered event that still decodes.

Gap entries and payloads that are not events are skipped. With --prune,
replayed entries are deleted.

Examples:
  tickflow dlq replay --topic quotes
  tickflow dlq replay --topic quotes --prune`,
	RunE: runDLQReplay,
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqReplayCmd} {
		c.Flags().StringVarP(&dlqTopic, "topic", "t", "", "Topic (required)")
		_ = c.MarkFlagRequired("topic")
	}
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Maximum entries to print (0 for all)")
	dlqListCmd.Flags().BoolVar(&dlqJSON, "json", false, "Print entries as JSON")
	dlqReplayCmd.Flags().BoolVar(&dlqPrune, "prune", false, "Delete entries after they are re-published")
	dlqReplayCmd.Flags().BoolVar(&dlqDryRun, "dry-run", false, "Only report what would be replayed")

	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	topic, err := model.ParseTopic(dlqTopic)
	if err != nil {
		return err
	}
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	entries, err := dlq.List(ctx, objects, topic)
	if err != nil {
		return err
	}

	if dlqJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tui.RenderDeadLetters(cmd.OutOrStdout(), entries, dlqLimit)
	return nil
}

func runDLQReplay(cmd *cobra.Command, args []string) error {
	topic, err := model.ParseTopic(dlqTopic)
	if err != nil {
		return err
	}
	_, cfg, err := loadConfig()
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

	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	entries, err := dlq.List(ctx, objects, topic)
	if err != nil {
		return err
	}
	if dlqDryRun || len(entries) == 0 {
		tui.RenderDeadLetters(cmd.OutOrStdout(), entries, dlqLimit)
		return nil
	}

	st, err := buildStream(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bar := tui.ShowProgress(cmd.ErrOrStderr(), len(entries), "replaying")
	started := time.Now()
	res, err := dlq.Replay(ctx, objects, st, entries, dlqPrune, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	if err != nil && !errors.IsCanceled(err) {
		return err
	}
	tui.RenderReplay(cmd.OutOrStdout(), res, time.Since(started))
	return nil
}
