package cmd

import (
	"fmt"
	"os"

	"github.com/rustyeddy/tradegate/report"
	"github.com/spf13/cobra"
)

var monthlyCmd = &cobra.Command{
	Use:   "monthly",
	Short: "Report monthly P&L from the journal",
	Long: `Print or export one row per calendar month: opening and closing
balance, P&L, P&L percent and closed trades.

Formats:
  table - console table (default)
  csv   - CSV to --out, or stdout
  xlsx  - Excel workbook, requires --out

Examples:
  tradegate monthly
  tradegate monthly --format csv --out monthly.csv
  tradegate monthly --format xlsx --out monthly.xlsx`,
	Args: cobra.NoArgs,
	RunE: runMonthly,
}

var (
	monthlyFormat string
	monthlyOut    string
)

func init() {
	rootCmd.AddCommand(monthlyCmd)
	monthlyCmd.Flags().StringVarP(&monthlyFormat, "format", "f", "table", "table, csv or xlsx")
	monthlyCmd.Flags().StringVarP(&monthlyOut, "out", "o", "", "output file")
}

func runMonthly(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.Monthly()
	if err != nil {
		return fmt.Errorf("load monthly: %w", err)
	}

	out := cmd.OutOrStdout()
	switch monthlyFormat {
	case "table":
		report.MonthlyTable(out, recs)
	case "csv":
		if monthlyOut == "" {
			return report.WriteMonthlyCSV(out, recs)
		}
		f, err := os.Create(monthlyOut)
		if err != nil {
			return err
		}
		if err := report.WriteMonthlyCSV(f, recs); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %d months to %s\n", len(recs), monthlyOut)
	case "xlsx":
		if monthlyOut == "" {
			return fmt.Errorf("--out is required for xlsx")
		}
		if err := report.WriteMonthlyXLSX(monthlyOut, recs); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %d months to %s\n", len(recs), monthlyOut)
	default:
		return fmt.Errorf("unknown format %q (want table, csv or xlsx)", monthlyFormat)
	}
	return nil
}
