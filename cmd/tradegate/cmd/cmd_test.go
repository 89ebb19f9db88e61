package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rustyeddy/tradegate/engine"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI with args and returns what it printed. Flags are
// package globals, so every run starts from their defaults.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

const bars = `time,symbol,open,high,low,close,direction,strength,strategy,stop
2025-01-30T10:00:00Z,BTCUSD,50,50,50,50,long,1,test,49
2025-01-30T11:00:00Z,BTCUSD,50,52.5,49.5,52,,,,
2025-02-03T10:00:00Z,BTCUSD,50,50,50,50,short,1,test,51
2025-02-03T11:00:00Z,BTCUSD,50,51.5,49,51,,,,
`

func TestProfilesCommand(t *testing.T) {
	out, err := execute(t, "profiles")
	require.NoError(t, err)
	for _, want := range []string{"conservative", "moderate", "aggressive", "4.0%", "10.0%"} {
		assert.Contains(t, out, want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tradegate version "+version)
}

func TestBacktestCommand(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "btc.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(bars), 0o644))
	db := filepath.Join(dir, "bt.sqlite")
	xlsx := filepath.Join(dir, "monthly.xlsx")
	fills := filepath.Join(dir, "fills.csv")

	out, err := execute(t, "backtest", "--csv", csvPath, "--reward-risk", "2",
		"--db", db, "--save-run", "--xlsx", xlsx, "--fills", fills, "--org")
	require.NoError(t, err)

	assert.Contains(t, out, "Trades:        2 (1 wins, 1 losses")
	assert.Contains(t, out, "MONTHLY P&L")
	assert.Contains(t, out, "2025-02")
	assert.Contains(t, out, "* BACKTEST: btc [moderate/fixed]")
	assert.Contains(t, out, "Saved run")
	assert.FileExists(t, xlsx)

	data, err := os.ReadFile(fills)
	require.NoError(t, err)
	assert.Equal(t, 5, bytes.Count(data, []byte("\n")), "header and four fills")
}

func TestBacktestCommandNeedsBars(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("time,symbol,open,high,low,close\n"), 0o644))

	_, err := execute(t, "backtest", "--csv", csvPath, "--db", filepath.Join(dir, "x.sqlite"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bars")
}

func TestStatusCommandOnFreshJournal(t *testing.T) {
	db := filepath.Join(t.TempDir(), "live.sqlite")

	out, err := execute(t, "status", "--json", "--db", db, "--profile", "conservative")
	require.NoError(t, err)

	var st engine.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "conservative", st.Profile)
	assert.Equal(t, 10000.0, st.Balance)
	assert.Equal(t, "normal", st.EStop)
	assert.InDelta(t, 300, st.DailyLimit, 1e-9)

	out, err = execute(t, "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "10000.00")
}

func TestMonthlyCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "live.sqlite")

	out, err := execute(t, "monthly", "--db", db, "--format", "csv")
	require.NoError(t, err)
	assert.Equal(t, "period,opening_balance,closing_balance,pnl,pnl_pct,trades\n", out)

	_, err = execute(t, "monthly", "--db", db, "--format", "xlsx")
	require.Error(t, err)

	_, err = execute(t, "monthly", "--db", db, "--format", "pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestHaltResetWithoutHalt(t *testing.T) {
	db := filepath.Join(t.TempDir(), "live.sqlite")

	_, err := execute(t, "halt", "reset", "--db", db, "--by", "tester")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not halted")

	out, err := execute(t, "halt", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "SCOPE")
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradegate.yaml")

	out, err := execute(t, "config", "init", "--output", path, "--profile", "aggressive")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	out, err = execute(t, "config", "validate", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Profile: aggressive")
}

func TestUnknownProfile(t *testing.T) {
	_, err := execute(t, "status", "--db", filepath.Join(t.TempDir(), "x.sqlite"), "--profile", "reckless")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2025-02-01")
	require.NoError(t, err)
	assert.Equal(t, "2025-02-01T00:00:00Z", d.Format("2006-01-02T15:04:05Z07:00"))

	d, err = parseDate("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = parseDate("Feb 1")
	assert.Error(t, err)
}
