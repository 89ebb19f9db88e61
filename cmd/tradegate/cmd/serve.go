package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rustyeddy/tradegate/bridge"
	"github.com/rustyeddy/tradegate/engine"
	"github.com/rustyeddy/tradegate/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the risk gate and the signal bridge",
	Long: `Serve the bridge HTTP API and Prometheus metrics, resuming account,
risk state, halts and queued signals from the journal.

Decisions arrive on POST /enqueue (or /webhook). The execution side polls
GET /dequeue?account=<id> and reports fills on POST /acknowledge/{id}.

Examples:
  tradegate serve
  tradegate serve --listen :5001 --metrics :9102 --profile conservative`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveListen  string
	serveMetrics string
	serveTick    time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "bridge listen address (default: TRADEGATE_LISTEN)")
	serveCmd.Flags().StringVar(&serveMetrics, "metrics", "", "metrics listen address, \"off\" to disable (default: TRADEGATE_METRICS_ADDR)")
	serveCmd.Flags().DurationVar(&serveTick, "tick", time.Second, "interval for day rolls, halt expiry and signal expiry")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	listen := serveListen
	if listen == "" {
		listen = envSettings.Listen
	}
	metricsAddr := serveMetrics
	if metricsAddr == "" {
		metricsAddr = envSettings.MetricsAddr
	}

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	q, err := bridge.NewQueue(bridge.Options{
		AckTimeout:       cfg.Bridge.AckTimeout(),
		MaxAge:           cfg.Bridge.MaxAge(),
		UnreachableAfter: cfg.Bridge.UnreachableAfter(),
	}, bridge.WallClock, j, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	e, err := engine.New(engine.Options{Config: cfg, Store: j, Queue: q, Metrics: m, Logger: logger})
	if err != nil {
		return err
	}

	srv := bridge.NewServer(q, e, bridge.ServerOptions{
		Token:          envSettings.BridgeToken,
		PollsPerSecond: cfg.Bridge.PollsPerSecond,
		PricePlaces:    cfg.Bridge.PricePlaces,
		Status:         func() any { return e.Status() },
	}, logger)
	if envSettings.BridgeToken == "" {
		logger.Warn("bridge token not set, bridge endpoints are unauthenticated")
	}

	servers := []*http.Server{{Addr: listen, Handler: srv, ReadHeaderTimeout: 5 * time.Second}}
	if metricsAddr != "off" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error { return e.Run(ctx, serveTick) })
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdown); err != nil {
				logger.Error("shutdown", "addr", s.Addr, "err", err)
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("stopped", "err", err)
	return err
}
