package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/logflow/tickflow/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Print the merged configuration as YAML and the files it was loaded from.

Examples:
  tickflow config show
  TICKFLOW_STREAM_BACKEND=redis tickflow config show`,
	RunE: runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	mgr := config.NewManager(configFile)
	if err := mgr.Load(); err != nil {
		return err
	}
	data, err := mgr.Marshal()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	paths := mgr.GetPaths()
	if len(paths) == 0 {
		fmt.Fprintln(out, "# loaded from: built-in defaults")
	}
	for _, p := range paths {
		fmt.Fprintf(out, "# loaded from: %s\n", p)
	}
	if verr := mgr.Get().Validate(); verr != nil {
		fmt.Fprintf(out, "# invalid: %v\n", verr)
	}
	_, err = out.Write(data)
	return err
}
