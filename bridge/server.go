package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rustyeddy/tradegate/risk"
	"golang.org/x/time/rate"
)

// Intake runs external decisions through sizing and the risk gate. The
// engine implements it; the server never enqueues directly.
type Intake interface {
	Submit(ctx context.Context, in risk.TradeIntent) (Signal, error)
	Exit(ctx context.Context, originalID string, price float64, at time.Time) (Signal, error)
}

// ServerOptions configure the HTTP surface.
type ServerOptions struct {
	Token          string  // shared secret, empty disables auth
	PollsPerSecond float64 // per-account dequeue rate, 0 disables limiting
	Burst          int
	PricePlaces    int32

	// Status replaces the queue summary on GET /status, typically with
	// the engine's combined view.
	Status func() any
}

// Server exposes the queue to the execution process:
//
//	POST   /enqueue, /webhook   submit a decision (runs the risk gate)
//	GET    /dequeue?account=    next message, 204 when none is due
//	POST   /acknowledge/{id}    report the fill for a delivered signal
//	DELETE /signals/{id}        retract a signal before delivery
//	GET    /status, /queue, /history
type Server struct {
	q      *Queue
	intake Intake
	opts   ServerOptions
	log    *slog.Logger
	router *mux.Router

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(q *Queue, intake Intake, opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	s := &Server{
		q:        q,
		intake:   intake,
		opts:     opts,
		log:      logger.With("component", "bridge-http"),
		limiters: make(map[string]*rate.Limiter),
	}

	r := mux.NewRouter().StrictSlash(true)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/enqueue", s.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/webhook", s.handleEnqueue).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/dequeue", s.handleDequeue).Methods(http.MethodGet)
	api.HandleFunc("/acknowledge/{id}", s.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/signals/{id}", s.handleRetract).Methods(http.MethodDelete)
	api.HandleFunc("/signals/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) tokenOK(got string) bool {
	if s.opts.Token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) == 1
}

func requestToken(r *http.Request) string {
	if t := r.Header.Get("X-Bridge-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenOK(requestToken(r)) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bad or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(account string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[account]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.opts.PollsPerSecond), s.opts.Burst)
		s.limiters[account] = l
	}
	return l
}

type intentRequest struct {
	Token            string  `json:"token"`
	Event            string  `json:"event"`
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	Price            float64 `json:"price"`
	SL               float64 `json:"sl"`
	TP               float64 `json:"tp"`
	Confidence       float64 `json:"confidence"`
	ATR              float64 `json:"atr"`
	Strategy         string  `json:"strategy"`
	Timestamp        int64   `json:"timestamp"`
	OriginalSignalID string  `json:"original_signal_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", err.Error())
		return
	}
	tok := requestToken(r)
	if tok == "" {
		tok = req.Token
	}
	if !s.tokenOK(tok) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bad or missing token")
		return
	}
	if s.intake == nil {
		writeError(w, http.StatusServiceUnavailable, "no-intake", "this bridge does not accept decisions")
		return
	}

	at := time.Unix(req.Timestamp, 0).UTC()
	if req.Timestamp == 0 {
		at = s.q.clock.Now()
	}

	var (
		sig Signal
		err error
	)
	switch Event(req.Event) {
	case EventExit:
		sig, err = s.intake.Exit(r.Context(), req.OriginalSignalID, req.Price, at)
	case EventEntry, "":
		var dir risk.Direction
		dir, err = risk.ParseDirection(req.Side)
		if err == nil {
			sig, err = s.intake.Submit(r.Context(), risk.TradeIntent{
				Symbol:    req.Symbol,
				Direction: dir,
				Strength:  req.Confidence,
				Time:      at,
				Strategy:  req.Strategy,
				Price:     req.Price,
				Stop:      req.SL,
				Target:    req.TP,
				TrueRange: req.ATR,
			})
		}
	default:
		writeError(w, http.StatusBadRequest, "bad-request", "event must be entry or exit")
		return
	}
	if err != nil {
		s.writeIntakeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "signalId": sig.ID, "idempotencyKey": sig.IdemKey})
}

func (s *Server) writeIntakeError(w http.ResponseWriter, err error) {
	var v risk.Violation
	var ve *risk.ValidationError
	switch {
	case errors.As(err, &v):
		writeError(w, http.StatusUnprocessableEntity, v.Code, v.Msg)
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation", ve.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not-found", err.Error())
	default:
		s.log.Error("intake failed", "err", err)
		writeError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
	}
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if s.opts.PollsPerSecond > 0 && !s.limiter(account).Allow() {
		writeError(w, http.StatusTooManyRequests, "slow-down", "poll rate exceeded")
		return
	}

	sig, ok, err := s.q.Dequeue(account)
	if err != nil {
		s.log.Error("dequeue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sig.Message(s.opts.PricePlaces))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["id"]

	var fill FillReport
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&fill); err != nil {
			writeError(w, http.StatusBadRequest, "bad-request", err.Error())
			return
		}
	}

	sig, err := s.q.Acknowledge(sid, fill)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": string(sig.Status), "signalId": sig.ID})
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, ErrExpired):
		writeError(w, http.StatusGone, "expired", err.Error())
	case errors.Is(err, ErrNotDelivered), errors.Is(err, ErrAlreadyFinalized):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.log.Error("acknowledge failed", "id", sid, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleRetract(w http.ResponseWriter, r *http.Request) {
	sig, err := s.q.Retract(mux.Vars(r)["id"])
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": string(sig.Status), "signalId": sig.ID})
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, ErrNotRetractable):
		writeError(w, http.StatusConflict, "delivered", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sig, err := s.q.Get(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not-found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view(sig))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status != nil {
		writeJSON(w, http.StatusOK, s.opts.Status())
		return
	}
	writeJSON(w, http.StatusOK, s.q.Status())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	open := s.q.Open()
	out := make([]signalView, 0, len(open))
	for _, sig := range open {
		out = append(out, view(sig))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sigs, err := s.q.History(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	out := make([]signalView, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, view(sig))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "tradegate bridge",
		"endpoints": []string{
			"POST /enqueue", "POST /webhook", "GET /dequeue?account=",
			"POST /acknowledge/{id}", "DELETE /signals/{id}", "GET /signals/{id}",
			"GET /status", "GET /queue", "GET /history?limit=",
		},
	})
}

type signalView struct {
	ID          string      `json:"id"`
	Status      Status      `json:"status"`
	Event       Event       `json:"event"`
	Symbol      string      `json:"symbol"`
	Direction   string      `json:"direction"`
	Quantity    float64     `json:"qty"`
	RiskAmount  float64     `json:"risk_amount"`
	Strategy    string      `json:"strategy"`
	Created     time.Time   `json:"created"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
	Attempts    int         `json:"attempts"`
	Fill        *FillReport `json:"fill,omitempty"`
}

func view(s Signal) signalView {
	v := signalView{
		ID: s.ID, Status: s.Status, Event: s.Event, Symbol: s.Symbol,
		Direction: string(s.Direction), Quantity: s.Quantity, RiskAmount: s.RiskAmount,
		Strategy: s.Strategy, Created: s.Created, Attempts: s.Attempts, Fill: s.Fill,
	}
	if !s.DeliveredAt.IsZero() {
		t := s.DeliveredAt
		v.DeliveredAt = &t
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason, msg string) {
	writeJSON(w, code, map[string]string{"error": reason, "message": msg})
}
