package journal

import (
	"database/sql"
	"errors"
	"time"

	"github.com/rustyeddy/tradegate/estop"
)

// SaveHalt appends a halt. Halts are never updated in place except to
// mark them cleared.
func (j *SQLite) SaveHalt(h estop.Halt) error {
	_, err := j.db.Exec(`
		INSERT INTO halts (scope, reason, limit_value, observed, at)
		VALUES (?, ?, ?, ?, ?)`,
		string(h.Scope), h.Reason, h.Limit, h.Observed, h.At.UTC(),
	)
	return err
}

// ClearHalt marks every uncleared halt as cleared.
func (j *SQLite) ClearHalt(at time.Time, by string) error {
	_, err := j.db.Exec(`
		UPDATE halts SET cleared_at = ?, cleared_by = ?
		WHERE cleared_at IS NULL`, at.UTC(), by)
	return err
}

// ActiveHalt returns the latest uncleared halt.
func (j *SQLite) ActiveHalt() (h estop.Halt, ok bool, err error) {
	var scope string
	row := j.db.QueryRow(`
		SELECT scope, reason, limit_value, observed, at
		FROM halts
		WHERE cleared_at IS NULL
		ORDER BY id DESC LIMIT 1`)
	err = row.Scan(&scope, &h.Reason, &h.Limit, &h.Observed, &h.At)
	if errors.Is(err, sql.ErrNoRows) {
		return estop.Halt{}, false, nil
	}
	if err != nil {
		return estop.Halt{}, false, err
	}
	h.Scope = estop.Scope(scope)
	h.At = h.At.UTC()
	return h, true, nil
}

// HaltRecord is a halt with its clearing, for reports.
type HaltRecord struct {
	estop.Halt
	ClearedAt time.Time
	ClearedBy string
}

// Halts returns the n most recent halts, newest first.
func (j *SQLite) Halts(n int) ([]HaltRecord, error) {
	rows, err := j.db.Query(`
		SELECT scope, reason, limit_value, observed, at, cleared_at, cleared_by
		FROM halts ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HaltRecord
	for rows.Next() {
		var (
			r       HaltRecord
			scope   string
			cleared sql.NullTime
			by      sql.NullString
		)
		if err := rows.Scan(&scope, &r.Reason, &r.Limit, &r.Observed, &r.At, &cleared, &by); err != nil {
			return nil, err
		}
		r.Scope = estop.Scope(scope)
		r.At = r.At.UTC()
		r.ClearedAt = fromNull(cleared)
		r.ClearedBy = by.String
		out = append(out, r)
	}
	return out, rows.Err()
}
