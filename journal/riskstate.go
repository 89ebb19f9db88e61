package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rustyeddy/tradegate/risk"
)

// SaveRiskState overwrites the persisted risk state.
func (j *SQLite) SaveRiskState(s risk.Snapshot, at time.Time) error {
	reserved, err := json.Marshal(s.Reserved)
	if err != nil {
		return err
	}
	last, err := json.Marshal(s.LastAccept)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(`
		INSERT INTO risk_state (id, day, day_pl, reserved_json, trades_today, consecutive_losses, last_accept_json, updated)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			day = excluded.day,
			day_pl = excluded.day_pl,
			reserved_json = excluded.reserved_json,
			trades_today = excluded.trades_today,
			consecutive_losses = excluded.consecutive_losses,
			last_accept_json = excluded.last_accept_json,
			updated = excluded.updated`,
		s.Day.UTC(), s.DayPL, string(reserved), s.TradesToday, s.ConsecutiveLosses, string(last), at.UTC(),
	)
	return err
}

// LoadRiskState returns the persisted risk state and when it was saved.
func (j *SQLite) LoadRiskState() (s risk.Snapshot, updated time.Time, ok bool, err error) {
	var reserved, last string
	row := j.db.QueryRow(`
		SELECT day, day_pl, reserved_json, trades_today, consecutive_losses, last_accept_json, updated
		FROM risk_state WHERE id = 1`)
	err = row.Scan(&s.Day, &s.DayPL, &reserved, &s.TradesToday, &s.ConsecutiveLosses, &last, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.Snapshot{}, time.Time{}, false, nil
	}
	if err != nil {
		return risk.Snapshot{}, time.Time{}, false, err
	}
	if err := json.Unmarshal([]byte(reserved), &s.Reserved); err != nil {
		return risk.Snapshot{}, time.Time{}, false, err
	}
	if err := json.Unmarshal([]byte(last), &s.LastAccept); err != nil {
		return risk.Snapshot{}, time.Time{}, false, err
	}
	return s, updated.UTC(), true, nil
}
