package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rustyeddy/tradegate/backtest"
	"github.com/rustyeddy/tradegate/engine"
	"github.com/rustyeddy/tradegate/journal"
	"github.com/rustyeddy/tradegate/monthly"
	"github.com/rustyeddy/tradegate/report"
	"github.com/spf13/cobra"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay a decision feed through the risk gate",
	Long: `Replay a CSV feed of bars and strategy decisions through the sizer, the
risk gate and the emergency stop. Stops and targets fill when a later
bar's range crosses them; open positions close at the end of the feed.

CSV columns:
  time,symbol,open,high,low,close[,direction,strength,strategy,stop,target,atr]

Examples:
  tradegate backtest --csv btc-h1.csv
  tradegate backtest --csv btc-h1.csv --from 2025-01-01 --to 2025-07-01 --profile aggressive
  tradegate backtest --csv btc-h1.csv --stop-atr 2 --reward-risk 2 --xlsx monthly.xlsx --save-run`,
	Args: cobra.NoArgs,
	RunE: runBacktest,
}

var (
	btCSV        string
	btFrom       string
	btTo         string
	btSizer      string
	btBalance    float64
	btStopATR    float64
	btRewardRisk float64
	btKeepOpen   bool
	btFills      string
	btXLSX       string
	btOrg        bool
	btSaveRun    bool
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	f := backtestCmd.Flags()
	f.StringVar(&btCSV, "csv", "", "bar/decision CSV file (required)")
	f.StringVar(&btFrom, "from", "", "first bar time, inclusive (YYYY-MM-DD or RFC3339)")
	f.StringVar(&btTo, "to", "", "last bar time, exclusive (YYYY-MM-DD or RFC3339)")
	f.StringVar(&btSizer, "sizer", "", "position sizer: fixed, volatility or kelly (default from config)")
	f.Float64Var(&btBalance, "balance", 0, "starting balance (default from config)")
	f.Float64Var(&btStopATR, "stop-atr", 0, "derive missing stops at this many ATRs from the close")
	f.Float64Var(&btRewardRisk, "reward-risk", 0, "derive missing targets at this multiple of the stop distance")
	f.BoolVar(&btKeepOpen, "keep-open", false, "leave positions open at the end instead of closing them")
	f.StringVar(&btFills, "fills", "", "write every fill to this CSV file")
	f.StringVar(&btXLSX, "xlsx", "", "write the monthly P&L workbook to this path")
	f.BoolVar(&btOrg, "org", false, "print the run as an org-mode entry")
	f.BoolVar(&btSaveRun, "save-run", false, "record the run summary in the journal DB")
	backtestCmd.MarkFlagRequired("csv")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if btSizer != "" {
		cfg.Sizing.Method = btSizer
	}
	if btBalance > 0 {
		cfg.Account.Balance = btBalance
	}
	from, err := parseDate(btFrom)
	if err != nil {
		return err
	}
	to, err := parseDate(btTo)
	if err != nil {
		return err
	}

	csvFeed, err := backtest.NewCSVFeed(btCSV, from, to)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	first, ok, feed, err := backtest.Peek(csvFeed)
	if err != nil {
		csvFeed.Close()
		return fmt.Errorf("read feed: %w", err)
	}
	if !ok {
		csvFeed.Close()
		return fmt.Errorf("no bars in %s for the selected range", btCSV)
	}

	clk := engine.NewManualClock(first.Time)
	e, err := engine.New(engine.Options{Config: cfg, Clock: clk, Logger: logger})
	if err != nil {
		csvFeed.Close()
		return err
	}

	if btFills != "" {
		w, err := journal.NewCSV(btFills)
		if err != nil {
			csvFeed.Close()
			return fmt.Errorf("fills csv: %w", err)
		}
		defer func() {
			if err := w.Close(); err != nil {
				logger.Error("fills csv", "path", btFills, "err", err)
			}
		}()
		e.Ledger().Subscribe(w)
	}

	r := &backtest.Runner{
		Engine: e,
		Clock:  clk,
		Feed:   feed,
		Options: backtest.Options{
			CloseEnd:   !btKeepOpen,
			StopATR:    btStopATR,
			RewardRisk: btRewardRisk,
			Dataset:    strings.TrimSuffix(filepath.Base(btCSV), filepath.Ext(btCSV)),
			Profile:    cfg.Profile.Name,
			Sizer:      cfg.Sizing.Method,
		},
		Logger: logger,
	}
	res, err := r.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, line := range backtest.Summary(res) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)
	report.MonthlyTable(out, res.Monthly)

	if _, err := monthly.Total(res.Monthly); err != nil {
		logger.Warn("monthly records do not reconcile", "err", err)
	}
	if btXLSX != "" {
		if err := report.WriteMonthlyXLSX(btXLSX, res.Monthly); err != nil {
			return fmt.Errorf("write xlsx: %w", err)
		}
		fmt.Fprintf(out, "Monthly workbook: %s\n", btXLSX)
	}
	if btOrg {
		fmt.Fprintln(out)
		if err := res.WriteOrg(out); err != nil {
			return fmt.Errorf("org: %w", err)
		}
	}
	if btSaveRun {
		j, err := openJournal(cfg)
		if err != nil {
			return err
		}
		defer j.Close()
		if err := j.SaveRun(res); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		fmt.Fprintf(out, "Saved run %s to %s\n", res.RunID, cfg.Journal.DBPath)
	}
	return nil
}
