package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/template"
	"time"

	"github.com/rustyeddy/tradegate/monthly"
)

// Run summarizes one backtest.
type Run struct {
	RunID   string
	Created time.Time
	Dataset string
	Profile string
	Sizer   string

	Start time.Time
	End   time.Time

	StartBalance float64
	EndBalance   float64

	Trades   int
	Wins     int
	Losses   int
	Rejected int
	Halts    int
	MaxDDPct float64

	// Not persisted; filled in by the runner for the org export.
	Rejections map[string]int
	Monthly    []monthly.Record
}

func (r Run) NetPL() float64 { return r.EndBalance - r.StartBalance }

func (r Run) ReturnPct() float64 {
	if r.StartBalance == 0 {
		return 0
	}
	return r.NetPL() / r.StartBalance * 100
}

func (r Run) WinRate() float64 {
	if r.Trades == 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.Trades)
}

type Rejection struct {
	Code  string
	Count int
}

// RejectionList returns rejection counts ordered by code.
func (r Run) RejectionList() []Rejection {
	out := make([]Rejection, 0, len(r.Rejections))
	for c, n := range r.Rejections {
		out = append(out, Rejection{Code: c, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (j *SQLite) SaveRun(r Run) error {
	_, err := j.db.Exec(`
		INSERT INTO runs
		(run_id, created, dataset, profile, sizer, start_time, end_time, start_balance, end_balance,
		 trades, wins, losses, rejected, max_dd_pct, halts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Created.UTC(), r.Dataset, r.Profile, r.Sizer, r.Start.UTC(), r.End.UTC(),
		r.StartBalance, r.EndBalance, r.Trades, r.Wins, r.Losses, r.Rejected, r.MaxDDPct, r.Halts,
	)
	return err
}

func (j *SQLite) GetRun(runID string) (Run, error) {
	var r Run
	row := j.db.QueryRow(`
		SELECT run_id, created, dataset, profile, sizer, start_time, end_time, start_balance, end_balance,
		       trades, wins, losses, rejected, max_dd_pct, halts
		FROM runs WHERE run_id = ?`, runID)
	err := row.Scan(&r.RunID, &r.Created, &r.Dataset, &r.Profile, &r.Sizer, &r.Start, &r.End,
		&r.StartBalance, &r.EndBalance, &r.Trades, &r.Wins, &r.Losses, &r.Rejected, &r.MaxDDPct, &r.Halts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("run %q not found", runID)
		}
		return Run{}, err
	}
	r.Created = r.Created.UTC()
	r.Start = r.Start.UTC()
	r.End = r.End.UTC()
	return r, nil
}

var runOrgFuncs = template.FuncMap{
	"mul100": func(x float64) float64 { return x * 100.0 },
	"orTime": func(t time.Time) time.Time {
		if t.IsZero() {
			return time.Now()
		}
		return t
	},
}

var runOrg = template.Must(template.New("run").Funcs(runOrgFuncs).Parse(RunOrgTemplate))

// WriteOrg renders the run as an org-mode entry.
func (r Run) WriteOrg(w io.Writer) error {
	return runOrg.Execute(w, r)
}

const RunOrgTemplate = `* BACKTEST: {{if .Dataset}}{{.Dataset}}{{else}}(dataset?){{end}} [{{.Profile}}/{{.Sizer}}]
:PROPERTIES:
:RUN_ID:      {{if .RunID}}{{.RunID}}{{else}}(run-id?){{end}}
:PROFILE:     {{.Profile}}
:SIZER:       {{.Sizer}}
:START_DATE:  {{.Start.Format "2006-01-02"}}
:END_DATE:    {{.End.Format "2006-01-02"}}
:START_BAL:   {{printf "%.2f" .StartBalance}}
:END_BAL:     {{printf "%.2f" .EndBalance}}
:NET_PL:      {{printf "%.2f" .NetPL}}
:RETURN_PCT:  {{printf "%.2f" .ReturnPct}}
:MAX_DD_PCT:  {{printf "%.2f" .MaxDDPct}}
:TRADES:      {{.Trades}}
:WINS:        {{.Wins}}
:LOSSES:      {{.Losses}}
:REJECTED:    {{.Rejected}}
:HALTS:       {{.Halts}}
:CREATED:     [{{(orTime .Created).Format "2006-01-02 Mon 15:04"}}]
:END:

** Performance Summary
- Net P/L:          *{{printf "%.2f" .NetPL}}*
- Return:           *{{printf "%.2f" .ReturnPct}}%*
- Max Drawdown:     *{{printf "%.2f" .MaxDDPct}}%*
- Win Rate:         *{{printf "%.2f" (mul100 .WinRate)}}%*
{{- if .Rejections }}

** Rejections
| Code | Count |
|------+-------|
{{- range .RejectionList }}
| {{.Code}} | {{.Count}} |
{{- end }}
{{- end }}
{{- if .Monthly }}

** Monthly
| Period | Opening | Closing | P/L | P/L % | Trades |
|--------+---------+---------+-----+-------+--------|
{{- range .Monthly }}
| {{.Period}} | {{printf "%.2f" .Opening}} | {{printf "%.2f" .Closing}} | {{printf "%.2f" .PnL}} | {{printf "%.2f" .PnLPct}} | {{.Trades}} |
{{- end }}
{{- end }}
`
