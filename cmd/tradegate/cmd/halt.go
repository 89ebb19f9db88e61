package cmd

import (
	"fmt"
	"os/user"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Inspect or reset emergency stop halts",
	Long: `Inspect and clear emergency stop halts recorded in the journal.

Subcommands:
  list  - Show recent halts
  reset - Clear the active halt after review

A day-scope halt also clears on its own at the next trading day. An
overall halt only clears by reset, and only once drawdown is back under
the limit. Run reset with the server stopped; a running server does not
see a reset made from another process.

Examples:
  tradegate halt list
  tradegate halt reset --by alice`,
}

var haltListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent halts",
	Args:  cobra.NoArgs,
	RunE:  runHaltList,
}

var haltResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the active halt",
	Args:  cobra.NoArgs,
	RunE:  runHaltReset,
}

var (
	haltListN int
	haltBy    string
)

func init() {
	rootCmd.AddCommand(haltCmd)
	haltCmd.AddCommand(haltListCmd)
	haltCmd.AddCommand(haltResetCmd)

	haltListCmd.Flags().IntVarP(&haltListN, "number", "n", 20, "number of halts to show")
	haltResetCmd.Flags().StringVar(&haltBy, "by", "", "operator name recorded with the reset (default: current user)")
}

func runHaltList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.Halts(haltListN)
	if err != nil {
		return fmt.Errorf("load halts: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"At", "Scope", "Reason", "Observed", "Limit", "Cleared", "By"})
	for _, r := range recs {
		cleared := "active"
		if !r.ClearedAt.IsZero() {
			cleared = r.ClearedAt.Format(time.RFC3339)
		}
		t.AppendRow(table.Row{
			r.At.Format(time.RFC3339), r.Scope, r.Reason,
			fmt.Sprintf("%.2f", r.Observed), fmt.Sprintf("%.2f", r.Limit),
			cleared, r.ClearedBy,
		})
	}
	t.Render()
	return nil
}

func runHaltReset(cmd *cobra.Command, args []string) error {
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

	by := haltBy
	if by == "" {
		if u, err := user.Current(); err == nil {
			by = u.Username
		} else {
			by = "operator"
		}
	}
	if err := e.ResetHalt(by); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	st := e.Status()
	fmt.Fprintf(cmd.OutOrStdout(), "Halt cleared by %s, emergency stop now %s (risk x%.2f)\n", by, st.EStop, st.Multiplier)
	return nil
}
