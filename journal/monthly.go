package journal

import "github.com/rustyeddy/tradegate/monthly"

// SaveMonthly upserts a monthly record.
func (j *SQLite) SaveMonthly(r monthly.Record) error {
	_, err := j.db.Exec(`
		INSERT INTO monthly (period, opening, closing, pnl, pnl_pct, trades)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(period) DO UPDATE SET
			opening = excluded.opening,
			closing = excluded.closing,
			pnl = excluded.pnl,
			pnl_pct = excluded.pnl_pct,
			trades = excluded.trades`,
		r.Period, r.Opening, r.Closing, r.PnL, r.PnLPct, r.Trades,
	)
	return err
}

// Monthly returns every record in period order.
func (j *SQLite) Monthly() ([]monthly.Record, error) {
	rows, err := j.db.Query(`
		SELECT period, opening, closing, pnl, pnl_pct, trades
		FROM monthly ORDER BY period ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monthly.Record
	for rows.Next() {
		var r monthly.Record
		if err := rows.Scan(&r.Period, &r.Opening, &r.Closing, &r.PnL, &r.PnLPct, &r.Trades); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
