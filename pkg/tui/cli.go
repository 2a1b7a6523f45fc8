// Package tui renders pipeline status and dead-letter listings for the CLI.
// Plain streaming output, no interactive screens.
package tui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/logflow/tickflow/pkg/dlq"
	"github.com/logflow/tickflow/pkg/pipeline"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
)

const rule = "  ─────────────────────────────────────"

// PrintHeader prints the banner.
func PrintHeader(w io.Writer, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("  TICKFLOW")+mutedStyle.Render(" "+version))
	fmt.Fprintln(w, mutedStyle.Render("  Market data streaming ETL"))
	fmt.Fprintln(w)
}

// RenderReport prints a health report, one block per topic.
func RenderReport(w io.Writer, rep pipeline.Report) {
	if rep.Healthy {
		fmt.Fprintln(w, successStyle.Render("  ✓ HEALTHY"))
	} else {
		fmt.Fprintln(w, accentStyle.Render("  ✗ HALTED"))
	}
	fmt.Fprintln(w, mutedStyle.Render("  checked "+rep.CheckedAt.Format(time.RFC3339)))

	for _, t := range rep.Topics {
		fmt.Fprintln(w)
		state := successStyle.Render("running")
		if t.Halted {
			state = accentStyle.Render("halted")
		}
		fmt.Fprintf(w, "  %s %s\n", titleStyle.Render(strings.ToUpper(t.Topic.String())), state)
		if t.Halted {
			fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("reason:"), t.HaltReason)
		}
		fmt.Fprintln(w, mutedStyle.Render(rule))

		roles := make([]string, 0, len(t.Components))
		for role := range t.Components {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			c := t.Components[role]
			fmt.Fprintf(w, "  %-10s running=%-5t restarts=%d", role, c.Running, c.Restarts)
			if c.LastError != "" {
				fmt.Fprintf(w, " %s", mutedStyle.Render("last error: "+c.LastError))
			}
			fmt.Fprintln(w)
		}

		if p := t.Poller; p != nil {
			fmt.Fprintf(w, "  %s polls=%s events=%s published=%s duplicates=%s dead=%s next=%s\n",
				mutedStyle.Render("poller"),
				formatNumber(p.Polls), formatNumber(p.Events), formatNumber(p.Published),
				formatNumber(p.Duplicates), formatNumber(p.DeadLettered), p.NextSymbol)
		}
		for _, s := range t.Shards {
			fmt.Fprintf(w, "  %s %s %s cursor=%s written=%s dead=%s failures=%d\n",
				mutedStyle.Render("shard"), codeStyle.Render(s.ShardID), s.State,
				s.Cursor, formatNumber(s.Written), formatNumber(s.DeadLetters), s.Failures)
		}
	}

	if m := rep.Metrics; m != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %s %s cycles, %s records, p50 %s, p99 %s\n",
			mutedStyle.Render("cycles:"), formatNumber(m.Cycles), formatNumber(m.Records),
			formatDuration(m.P50Latency), formatDuration(m.P99Latency))
	}
	fmt.Fprintln(w)
}

// RenderDeadLetters prints a dead-letter summary followed by the entries.
func RenderDeadLetters(w io.Writer, entries []dlq.Entry, limit int) {
	s := dlq.Summarize(entries)
	fmt.Fprintln(w)
	if s.Total == 0 {
		fmt.Fprintln(w, successStyle.Render("  ✓ NO DEAD LETTERS"))
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "  %s %s (%d replayable)\n", accentStyle.Render("▸ DEAD LETTERS"), titleStyle.Render(fmt.Sprint(s.Total)), s.Recoverable)
	fmt.Fprintf(w, "  %s %s → %s\n", mutedStyle.Render("range:"),
		s.Oldest.Format(time.RFC3339), s.Newest.Format(time.RFC3339))
	for _, k := range []dlq.Kind{dlq.KindValidation, dlq.KindPublish, dlq.KindGap} {
		if n := s.ByKind[k]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", string(k), n)
		}
	}
	fmt.Fprintln(w, mutedStyle.Render(rule))

	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	for _, e := range entries[:limit] {
		fmt.Fprintf(w, "  %s %-10s %-12s %s\n",
			mutedStyle.Render(e.Timestamp.Format("2006-01-02 15:04:05")), e.Kind, e.SourceID, e.Reason)
	}
	if limit < len(entries) {
		fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("  … %d more", len(entries)-limit)))
	}
	fmt.Fprintln(w)
}

// RenderReplay prints the outcome of a replay.
func RenderReplay(w io.Writer, res dlq.ReplayResult, d time.Duration) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, successStyle.Render("  ✓ REPLAY COMPLETE"))
	fmt.Fprintf(w, "  %s %s  %s %s  %s %s  %s\n",
		mutedStyle.Render("published:"), titleStyle.Render(fmt.Sprint(res.Published)),
		mutedStyle.Render("skipped:"), fmt.Sprint(res.Skipped),
		mutedStyle.Render("failed:"), fmt.Sprint(res.Failed),
		mutedStyle.Render("("+formatDuration(d)+")"))
	fmt.Fprintln(w)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// ShowProgress creates a progress bar writing to w.
func ShowProgress(w io.Writer, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
