package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rustyeddy/tradegate/ledger"
)

// SQLite is the durable store behind the ledger, the risk state, the
// emergency stop, the bridge queue and the monthly ledger. One database
// file holds all of them so a restart reads a single consistent snapshot.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// Writers come from the strategy loop and the bridge poller; one
	// connection keeps sqlite from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func isUnique(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// InitAccount creates the account row unless one already exists.
func (j *SQLite) InitAccount(a ledger.Account) error {
	_, err := j.db.Exec(`
		INSERT OR IGNORE INTO account (id, inception, balance, peak, trough, trades, updated)
		VALUES (1, ?, ?, ?, ?, ?, ?)`,
		a.Inception, a.Balance, a.Peak, a.Trough, a.Trades, a.Updated.UTC(),
	)
	return err
}

// LoadAccount returns the persisted account. ok is false on a fresh
// database.
func (j *SQLite) LoadAccount() (a ledger.Account, ok bool, err error) {
	row := j.db.QueryRow(`SELECT inception, balance, peak, trough, trades, updated FROM account WHERE id = 1`)
	err = row.Scan(&a.Inception, &a.Balance, &a.Peak, &a.Trough, &a.Trades, &a.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, err
	}
	a.Updated = a.Updated.UTC()
	return a, true, nil
}

// SaveFill records a fill and the account it produced in one transaction.
func (j *SQLite) SaveFill(f ledger.Fill, after ledger.Account) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO fills
		(id, signal_id, position_id, exit, symbol, strategy, quantity, price, realized_pl, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SignalID, f.PositionID, f.Exit, f.Symbol, f.Strategy,
		f.Quantity, f.Price, f.RealizedPL, f.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fill %s: %w", f.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO account (id, inception, balance, peak, trough, trades, updated)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			balance = excluded.balance,
			peak = excluded.peak,
			trough = excluded.trough,
			trades = excluded.trades,
			updated = excluded.updated`,
		after.Inception, after.Balance, after.Peak, after.Trough, after.Trades, after.Updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return tx.Commit()
}

// FillsBetween returns fills with time in [start, end) in booking order.
func (j *SQLite) FillsBetween(start, end time.Time) ([]ledger.Fill, error) {
	rows, err := j.db.Query(`
		SELECT id, signal_id, position_id, exit, symbol, strategy, quantity, price, realized_pl, time
		FROM fills
		WHERE time >= ? AND time < ?
		ORDER BY time ASC, rowid ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Fill
	for rows.Next() {
		var f ledger.Fill
		if err := rows.Scan(
			&f.ID,
			&f.SignalID,
			&f.PositionID,
			&f.Exit,
			&f.Symbol,
			&f.Strategy,
			&f.Quantity,
			&f.Price,
			&f.RealizedPL,
			&f.Time,
		); err != nil {
			return nil, err
		}
		f.Time = f.Time.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SumRealized is the total realized P&L over every fill.
func (j *SQLite) SumRealized() (float64, error) {
	var sum float64
	err := j.db.QueryRow(`SELECT COALESCE(SUM(realized_pl), 0) FROM fills`).Scan(&sum)
	return sum, err
}

// LastFillTime is the time of the most recent fill, zero when none.
func (j *SQLite) LastFillTime() (time.Time, error) {
	var t sql.NullTime
	// MAX() loses the column type, so order instead.
	err := j.db.QueryRow(`SELECT time FROM fills ORDER BY time DESC LIMIT 1`).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromNull(t), nil
}
