// Package report renders monthly records and the engine status as CSV,
// Excel workbooks and console tables.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rustyeddy/tradegate/monthly"
	"github.com/xuri/excelize/v2"
)

// MonthlyHeader is the column order of every monthly export.
var MonthlyHeader = []string{"period", "opening_balance", "closing_balance", "pnl", "pnl_pct", "trades"}

func money(x float64) string { return strconv.FormatFloat(x, 'f', 2, 64) }

// WriteMonthlyCSV writes one row per record under MonthlyHeader.
func WriteMonthlyCSV(w io.Writer, recs []monthly.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(MonthlyHeader); err != nil {
		return err
	}
	for _, r := range recs {
		row := []string{
			r.Period,
			money(r.Opening),
			money(r.Closing),
			money(r.PnL),
			strconv.FormatFloat(r.PnLPct, 'f', 4, 64),
			strconv.Itoa(r.Trades),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

const monthlySheet = "Monthly"

type styles struct {
	header, money, percent, total int
}

func newStyles(fx *excelize.File) (styles, error) {
	var s styles
	var err error
	border := []excelize.Border{
		{Type: "left", Color: "E0E0E0", Style: 1},
		{Type: "right", Color: "E0E0E0", Style: 1},
		{Type: "bottom", Color: "E0E0E0", Style: 1},
	}

	s.header, err = fx.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF", Family: "Calibri"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return s, err
	}
	s.money, err = fx.NewStyle(&excelize.Style{
		NumFmt:    4, // #,##0.00
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    border,
	})
	if err != nil {
		return s, err
	}
	s.percent, err = fx.NewStyle(&excelize.Style{
		NumFmt:    10, // 0.00%
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    border,
	})
	if err != nil {
		return s, err
	}
	s.total, err = fx.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true},
		NumFmt: 4,
		Border: []excelize.Border{{Type: "top", Color: "000000", Style: 2}},
	})
	return s, err
}

// WriteMonthlyXLSX saves the records as a workbook with a totals row.
func WriteMonthlyXLSX(path string, recs []monthly.Record) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()
	if err := fx.SetSheetName(fx.GetSheetName(0), monthlySheet); err != nil {
		return err
	}
	st, err := newStyles(fx)
	if err != nil {
		return fmt.Errorf("create styles: %w", err)
	}

	for i, h := range MonthlyHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(monthlySheet, cell, h)
		fx.SetCellStyle(monthlySheet, cell, cell, st.header)
	}
	fx.SetColWidth(monthlySheet, "A", "A", 10)
	fx.SetColWidth(monthlySheet, "B", "D", 16)
	fx.SetColWidth(monthlySheet, "E", "F", 10)

	var pnl float64
	var trades int
	for i, r := range recs {
		row := i + 2
		vals := []any{r.Period, r.Opening, r.Closing, r.PnL, r.PnLPct / 100, r.Trades}
		for c, v := range vals {
			cell, _ := excelize.CoordinatesToCellName(c+1, row)
			fx.SetCellValue(monthlySheet, cell, v)
		}
		b, _ := excelize.CoordinatesToCellName(2, row)
		d, _ := excelize.CoordinatesToCellName(4, row)
		e, _ := excelize.CoordinatesToCellName(5, row)
		fx.SetCellStyle(monthlySheet, b, d, st.money)
		fx.SetCellStyle(monthlySheet, e, e, st.percent)
		pnl += r.PnL
		trades += r.Trades
	}

	if len(recs) > 0 {
		row := len(recs) + 2
		cell := func(c int) string { s, _ := excelize.CoordinatesToCellName(c, row); return s }
		fx.SetCellValue(monthlySheet, cell(1), "total")
		fx.SetCellValue(monthlySheet, cell(2), recs[0].Opening)
		fx.SetCellValue(monthlySheet, cell(3), recs[len(recs)-1].Closing)
		fx.SetCellValue(monthlySheet, cell(4), pnl)
		fx.SetCellValue(monthlySheet, cell(6), trades)
		fx.SetCellStyle(monthlySheet, cell(1), cell(6), st.total)
	}
	fx.SetPanes(monthlySheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	return fx.SaveAs(path)
}
