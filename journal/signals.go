package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rustyeddy/tradegate/bridge"
	"github.com/rustyeddy/tradegate/risk"
)

const signalCols = `id, idem_key, account, event, symbol, bridge_symbol, direction,
	price, stop, target, size_quote, quantity, risk_amount, strategy, magic, original_id,
	time, status, created, delivered_at, attempts, acked_at, expired_at, fill_json`

func fillJSON(f *bridge.FillReport) (any, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// InsertSignal stores a new signal. A reused idempotency key fails with
// bridge.ErrDuplicateKey.
func (j *SQLite) InsertSignal(s bridge.Signal) error {
	fj, err := fillJSON(s.Fill)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(`INSERT INTO signals (`+signalCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.IdemKey, s.Account, string(s.Event), s.Symbol, s.BridgeSymbol, string(s.Direction),
		s.Price, s.Stop, s.Target, s.SizeQuote, s.Quantity, s.RiskAmount, s.Strategy, s.Magic, s.OriginalID,
		s.Time.UTC(), string(s.Status), s.Created.UTC(), nullTime(s.DeliveredAt), s.Attempts,
		nullTime(s.AckedAt), nullTime(s.ExpiredAt), fj,
	)
	if isUnique(err) {
		return fmt.Errorf("%w: %s", bridge.ErrDuplicateKey, s.IdemKey)
	}
	return err
}

// UpdateSignal writes the delivery state of an existing signal.
func (j *SQLite) UpdateSignal(s bridge.Signal) error {
	fj, err := fillJSON(s.Fill)
	if err != nil {
		return err
	}
	res, err := j.db.Exec(`
		UPDATE signals SET
			status = ?, delivered_at = ?, attempts = ?, acked_at = ?, expired_at = ?, fill_json = ?
		WHERE id = ?`,
		string(s.Status), nullTime(s.DeliveredAt), s.Attempts, nullTime(s.AckedAt), nullTime(s.ExpiredAt), fj,
		s.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", bridge.ErrNotFound, s.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(row scanner) (bridge.Signal, error) {
	var (
		s                         bridge.Signal
		event, dir, status        string
		delivered, acked, expired sql.NullTime
		fj                        sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.IdemKey, &s.Account, &event, &s.Symbol, &s.BridgeSymbol, &dir,
		&s.Price, &s.Stop, &s.Target, &s.SizeQuote, &s.Quantity, &s.RiskAmount, &s.Strategy, &s.Magic, &s.OriginalID,
		&s.Time, &status, &s.Created, &delivered, &s.Attempts, &acked, &expired, &fj,
	)
	if err != nil {
		return bridge.Signal{}, err
	}
	s.Event = bridge.Event(event)
	s.Direction = risk.Direction(dir)
	s.Status = bridge.Status(status)
	s.Time = s.Time.UTC()
	s.Created = s.Created.UTC()
	s.DeliveredAt = fromNull(delivered)
	s.AckedAt = fromNull(acked)
	s.ExpiredAt = fromNull(expired)
	if fj.Valid && fj.String != "" {
		var f bridge.FillReport
		if err := json.Unmarshal([]byte(fj.String), &f); err != nil {
			return bridge.Signal{}, fmt.Errorf("signal %s fill: %w", s.ID, err)
		}
		s.Fill = &f
	}
	return s, nil
}

func (j *SQLite) signalWhere(where string, arg any) (bridge.Signal, error) {
	s, err := scanSignal(j.db.QueryRow(`SELECT `+signalCols+` FROM signals WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return bridge.Signal{}, fmt.Errorf("%w: %v", bridge.ErrNotFound, arg)
	}
	return s, err
}

func (j *SQLite) SignalByID(id string) (bridge.Signal, error) {
	return j.signalWhere("id = ?", id)
}

func (j *SQLite) SignalByKey(key string) (bridge.Signal, error) {
	return j.signalWhere("idem_key = ?", key)
}

func (j *SQLite) querySignals(q string, args ...any) ([]bridge.Signal, error) {
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bridge.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// OpenSignals returns queued and delivered signals oldest first.
func (j *SQLite) OpenSignals() ([]bridge.Signal, error) {
	return j.querySignals(`SELECT `+signalCols+` FROM signals
		WHERE status IN (?, ?) ORDER BY id ASC`,
		string(bridge.StatusQueued), string(bridge.StatusDelivered))
}

// RecentSignals returns the n newest signals of any status.
func (j *SQLite) RecentSignals(n int) ([]bridge.Signal, error) {
	return j.querySignals(`SELECT `+signalCols+` FROM signals ORDER BY id DESC LIMIT ?`, n)
}

// OpenPositions returns entry signals whose risk is still committed:
// undelivered or in flight, or filled with no exit booked yet.
func (j *SQLite) OpenPositions() ([]bridge.Signal, error) {
	return j.querySignals(`SELECT `+signalCols+` FROM signals s
		WHERE s.event = ? AND (
			s.status IN (?, ?)
			OR (s.status = ?
				AND EXISTS (SELECT 1 FROM fills f WHERE f.signal_id = s.id AND f.exit = 0)
				AND NOT EXISTS (SELECT 1 FROM fills f WHERE f.position_id = s.id AND f.exit = 1))
		)
		ORDER BY s.id ASC`,
		string(bridge.EventEntry),
		string(bridge.StatusQueued), string(bridge.StatusDelivered),
		string(bridge.StatusAcknowledged))
}
