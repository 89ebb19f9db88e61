// Package bridge is the pull-based signal queue between the engine and an
// external execution process (an MT5 expert advisor polling over HTTP).
package bridge

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rustyeddy/tradegate/internal/id"
	"github.com/rustyeddy/tradegate/risk"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle of a dispatched signal.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusExpired      Status = "expired"
	StatusRetracted    Status = "retracted"
)

// Open reports whether the signal can still be delivered or acknowledged.
func (s Status) Open() bool {
	return s == StatusQueued || s == StatusDelivered
}

// Event is the kind of instruction carried by a signal.
type Event string

const (
	EventEntry Event = "entry"
	EventExit  Event = "exit"
)

// Signal is one dispatched instruction and its delivery state.
type Signal struct {
	ID           string
	IdemKey      string
	Account      string
	Event        Event
	Symbol       string // strategy-side symbol
	BridgeSymbol string // broker-side symbol
	Direction    risk.Direction
	Price        float64
	Stop         float64
	Target       float64
	SizeQuote    float64 // position value in quote currency
	Quantity     float64
	RiskAmount   float64
	Strategy     string
	Magic        int
	OriginalID   string    // entry signal an exit closes
	Time         time.Time // decision time reported by the strategy

	Status      Status
	Created     time.Time
	DeliveredAt time.Time
	Attempts    int
	AckedAt     time.Time
	ExpiredAt   time.Time
	Fill        *FillReport
}

// FillReport is what the execution side sends back on acknowledgment. A
// zero quantity means the broker refused the order.
type FillReport struct {
	Ticket     string    `json:"ticket,omitempty"`
	Quantity   float64   `json:"qty"`
	Price      float64   `json:"price"`
	RealizedPL float64   `json:"realized_pl"`
	Time       time.Time `json:"time"`
	Comment    string    `json:"comment,omitempty"`
}

// Filled reports whether the broker executed anything.
func (f FillReport) Filled() bool {
	return f.Quantity != 0
}

func (f FillReport) validate() error {
	for name, v := range map[string]float64{"qty": f.Quantity, "price": f.Price, "realized_pl": f.RealizedPL} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bridge: fill %s is not finite", name)
		}
	}
	return nil
}

// IdempotencyKey identifies a decision independent of its signal id.
// Exits pass risk.Flat as the direction.
func IdempotencyKey(strategy, symbol string, ts time.Time, dir risk.Direction) string {
	return id.Key(strategy, strings.ToUpper(symbol), ts.UTC().Format(time.RFC3339Nano), string(dir))
}

// Message is the wire form handed to the execution process.
type Message struct {
	SignalID         string      `json:"signalId"`
	IdempotencyKey   string      `json:"idempotencyKey"`
	Timestamp        int64       `json:"timestamp"`
	Account          string      `json:"account"`
	Event            Event       `json:"event"`
	Symbol           string      `json:"symbol"`
	Side             string      `json:"side"`
	Price            json.Number `json:"price"`
	SL               json.Number `json:"sl"`
	TP               json.Number `json:"tp"`
	QtyUSD           json.Number `json:"qty_usd"`
	Qty              json.Number `json:"qty"`
	Strategy         string      `json:"strategy"`
	Magic            int         `json:"magic"`
	OriginalSignalID string      `json:"original_signal_id,omitempty"`
	Attempt          int         `json:"attempt"`
}

// Message renders s for the wire. Prices are rounded to places decimals
// and sizes to whole quote units, as the broker side expects.
func (s Signal) Message(places int32) Message {
	side := "buy"
	if s.Direction == risk.Short {
		side = "sell"
	}
	return Message{
		SignalID:         s.ID,
		IdempotencyKey:   s.IdemKey,
		Timestamp:        s.Time.Unix(),
		Account:          s.Account,
		Event:            s.Event,
		Symbol:           s.BridgeSymbol,
		Side:             side,
		Price:            num(s.Price, places),
		SL:               num(s.Stop, places),
		TP:               num(s.Target, places),
		QtyUSD:           num(s.SizeQuote, 0),
		Qty:              num(s.Quantity, 6),
		Strategy:         s.Strategy,
		Magic:            s.Magic,
		OriginalSignalID: s.OriginalID,
		Attempt:          s.Attempts,
	}
}

func num(v float64, places int32) json.Number {
	return json.Number(decimal.NewFromFloat(v).Round(places).String())
}

func (s Signal) validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("bridge: signal symbol is required")
	case s.Event != EventEntry && s.Event != EventExit:
		return fmt.Errorf("bridge: unknown event %q", s.Event)
	case s.Event == EventEntry && s.Direction != risk.Long && s.Direction != risk.Short:
		return fmt.Errorf("bridge: entry direction %q is not tradable", s.Direction)
	case s.Event == EventExit && s.OriginalID == "":
		return fmt.Errorf("bridge: exit needs the original signal id")
	}
	return nil
}
