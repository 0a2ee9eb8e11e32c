package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nexus-edge/modbus-gateway/internal/api"
	"github.com/nexus-edge/modbus-gateway/internal/domain"
	"github.com/nexus-edge/modbus-gateway/internal/health"
	"github.com/nexus-edge/modbus-gateway/internal/service"
)

func newPollCmd(a *app) *cobra.Command {
	var (
		listen   string
		interval time.Duration
		duration time.Duration
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll tags continuously until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := a.cfg.ClientNames()
			if a.clientName != "" {
				name, err := a.selectClient()
				if err != nil {
					return err
				}
				names = []string{name}
			}
			if len(names) == 0 {
				return errors.New("no clients configured")
			}

			factory, err := a.newFactory(names...)
			if err != nil {
				return err
			}
			defer factory.Close()

			var sink service.Sink = service.NewLogSink(a.logger)
			if asJSON {
				sink = newJSONSink(a)
			}

			pollCfg := a.cfg.Poller
			if interval > 0 {
				pollCfg.DefaultInterval = interval
			}
			poller := service.NewPollingService(pollCfg, factory, sink, a.logger, a.metrics)
			for _, name := range names {
				clientInterval := a.cfg.Clients[name].PollInterval
				if interval > 0 {
					clientInterval = interval
				}
				if err := poller.RegisterClient(name, clientInterval); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			if listen == "" {
				listen = a.cfg.Metrics.ListenAddr
			}
			if listen != "" {
				checker := health.NewChecker(health.Config{
					ServiceName:    serviceName,
					ServiceVersion: serviceVersion,
				})
				checker.AddCheck("modbus_factory", factory)
				checker.SetClientSource(factory)

				srv, err := a.serveHTTP(listen, checker, factory)
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if err := poller.Start(ctx); err != nil {
				return err
			}
			a.logger.Info().Strs("clients", names).Msg("Polling started")

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), pollCfg.ShutdownTimeout)
			defer cancel()
			if err := poller.Stop(shutdownCtx); err != nil {
				a.logger.Error().Err(err).Msg("Error stopping polling service")
			}

			stats := poller.Stats()
			a.logger.Info().
				Uint64("total_polls", stats.TotalPolls).
				Uint64("success_polls", stats.SuccessPolls).
				Uint64("failed_polls", stats.FailedPolls).
				Uint64("skipped_polls", stats.SkippedPolls).
				Msg("Polling stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "serve /metrics and /health on this address (overrides metrics.listen_addr)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval for every client (overrides config)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "write data points to stdout as JSON lines instead of logging them")
	return cmd
}

// serveHTTP starts the metrics, health and tag API listener in the background.
func (a *app) serveHTTP(addr string, checker *health.HealthChecker, tags api.TagService) (*http.Server, error) {
	metricsPath := a.cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", checker.HealthHandler)
	mux.HandleFunc("/health/live", checker.LivenessHandler)
	mux.HandleFunc("/health/ready", checker.ReadinessHandler)
	if a.cfg.API.Enabled {
		handler := api.NewAPIHandler(tags, a.cfg.API.AllowWrites, a.logger)
		mux.Handle("/api/", handler.Routes(api.NewMiddleware(a.cfg.API, a.logger)))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return srv, nil
}

// jsonSink writes one JSON line per data point.
type jsonSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONSink(a *app) *jsonSink {
	return &jsonSink{enc: json.NewEncoder(a.out)}
}

func (s *jsonSink) Emit(_ context.Context, _ string, points []*domain.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dp := range points {
		if err := s.enc.Encode(dp); err != nil {
			return err
		}
	}
	return nil
}
