package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/rustyeddy/tradegate/report"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show risk status from the journal",
	Long: `Show balance, limit utilization, the emergency stop and warnings as
recorded in the journal DB. A running server reports the same view on
GET /status.

Examples:
  tradegate status
  tradegate status --json --db ./live.sqlite`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON instead of a table")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	e, err := openEngine(cfg, j)
	if err != nil {
		return err
	}
	st := e.Status()

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return nil
	}
	report.StatusTable(out, st)
	return nil
}
