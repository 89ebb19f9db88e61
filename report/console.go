package report

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rustyeddy/tradegate/engine"
	"github.com/rustyeddy/tradegate/monthly"
)

// MonthlyTable prints the records with a totals footer.
func MonthlyTable(w io.Writer, recs []monthly.Record) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("MONTHLY P&L")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Period", "Opening", "Closing", "P&L", "P&L %", "Trades"})

	var pnl float64
	var trades int
	for _, r := range recs {
		t.AppendRow(table.Row{r.Period, money(r.Opening), money(r.Closing), money(r.PnL), fmt.Sprintf("%.2f%%", r.PnLPct), r.Trades})
		pnl += r.PnL
		trades += r.Trades
	}
	t.AppendFooter(table.Row{"total", "", "", money(pnl), "", trades})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
}

// StatusTable prints the risk report.
func StatusTable(w io.Writer, s engine.Status) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("TRADEGATE STATUS")
	t.SetStyle(table.StyleRounded)

	t.AppendRows([]table.Row{
		{"Profile", s.Profile},
		{"Balance", money(s.Balance)},
		{"Peak", money(s.Peak)},
		{"Drawdown", fmt.Sprintf("%s (%.2f%%)", money(s.Drawdown), s.DrawdownPct)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Day P&L", money(s.DayPL)},
		{"Daily limit", fmt.Sprintf("%s / %s (%.0f%%)", money(s.DailyLoss), money(s.DailyLimit), s.DailyUsed*100)},
		{"Overall limit", fmt.Sprintf("%s / %s (%.0f%%)", money(s.Drawdown), money(s.OverallLimit), s.OverallUsed*100)},
		{"Reserved", money(s.Reserved)},
		{"Trades today", fmt.Sprintf("%d / %d", s.TradesToday, s.MaxTradesPerDay)},
		{"Loss streak", s.ConsecutiveLosses},
		{"Open positions", s.OpenPositions},
	})
	t.AppendSeparator()

	estop := s.EStop
	if s.HaltReason != "" {
		estop = fmt.Sprintf("%s (%s: %s)", s.EStop, s.HaltScope, s.HaltReason)
	}
	t.AppendRow(table.Row{"Emergency stop", estop})
	t.AppendRow(table.Row{"Risk multiplier", fmt.Sprintf("%.2f", s.Multiplier)})
	if !s.RecoverUntil.IsZero() {
		t.AppendRow(table.Row{"Recovering until", s.RecoverUntil.UTC().Format(time.RFC3339)})
	}

	if q := s.Queue; q != nil {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"Queued", q.Queued},
			{"In flight", q.InFlight},
			{"Acknowledged", q.Acknowledged},
			{"Expired", q.Expired},
			{"Bridge", reachable(s.BridgeReachable)},
		})
	}
	if len(s.Warnings) > 0 {
		t.AppendSeparator()
		for _, msg := range s.Warnings {
			t.AppendRow(table.Row{"Warning", msg})
		}
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, WidthMax: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, WidthMax: 60, Align: text.AlignLeft},
	})
	t.Render()
}

func reachable(ok bool) string {
	if ok {
		return "reachable"
	}
	return "unreachable"
}
