package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/logflow/tickflow/pkg/pipeline"
	"github.com/logflow/tickflow/pkg/tui"
)

var (
	healthAddr string
	healthJSON bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the status of a running pipeline",
	Long: `Query GET /status of a running "tickflow run" and print it.

Exits with status 2 when any topic is halted.

Examples:
  tickflow health
  tickflow health --addr http://10.0.0.5:8080 --json`,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "", "Base URL of the health endpoint (default from health.addr)")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Print the raw status document")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := healthAddr
	if base == "" {
		base = cfg.Health.Addr
	}
	url := statusURL(base)

	client := &http.Client{Timeout: 5 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: unexpected status %s", url, resp.Status)
	}

	var rep pipeline.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	if healthJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		tui.RenderReport(cmd.OutOrStdout(), rep)
	}
	if !rep.Healthy {
		os.Exit(2)
	}
	return nil
}

// statusURL turns a listen address (":8080") or base URL into the status URL.
func statusURL(base string) string {
	base = strings.TrimRight(base, "/")
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "localhost" + base
		}
		base = "http://" + base
	}
	return base + "/status"
}
