package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rustyeddy/tradegate/config"
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the built-in risk profiles",
	Long: `List the built-in risk profile presets. Loss limits are fractions of
the inception balance; risk per trade and the per-trade cap are fractions
of the current balance.

Example:
  tradegate profiles`,
	Args: cobra.NoArgs,
	RunE: runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func pct(x float64) string { return fmt.Sprintf("%.1f%%", x*100) }

func runProfiles(cmd *cobra.Command, args []string) error {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.SetTitle("RISK PROFILES")
	t.AppendHeader(table.Row{"Profile", "Risk/Trade", "Trade Cap", "Daily Loss", "Drawdown", "Trades/Day", "Cooldown", "Loss Streak", "Warn", "Recovery"})
	for _, name := range config.PresetNames() {
		p, _ := config.Preset(name)
		t.AppendRow(table.Row{
			p.Name, pct(p.RiskFraction), pct(p.PerTradeRiskCap), pct(p.DailyLossLimit), pct(p.OverallDrawdownLimit),
			p.MaxTradesPerDay, p.Cooldown, p.MaxConsecutiveLosses, pct(p.WarnRatio),
			fmt.Sprintf("x%.2f for %s", p.RecoveryMultiplier, p.RecoveryWindow),
		})
	}
	t.Render()
	return nil
}
