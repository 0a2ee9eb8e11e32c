// Package service provides the tag polling service that periodically reads
// the tag maps of named Modbus clients and hands the results to a sink.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-gateway/internal/domain"
	"github.com/nexus-edge/modbus-gateway/internal/metrics"
)

// ErrPollersStopping is returned by Start while pollers of the previous run
// have not exited yet.
var ErrPollersStopping = errors.New("pollers from previous run still stopping")

// Source reads every registered tag of a named client.
// *modbus.Factory satisfies it.
type Source interface {
	ReadTags(ctx context.Context, clientName string) ([]*domain.DataPoint, error)
}

// Sink receives the data points of one poll cycle.
type Sink interface {
	Emit(ctx context.Context, client string, points []*domain.DataPoint) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, client string, points []*domain.DataPoint) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, client string, points []*domain.DataPoint) error {
	return f(ctx, client, points)
}

// LogSink writes every data point as a structured log event.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs at Info level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "log-sink").Logger()}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, client string, points []*domain.DataPoint) error {
	for _, dp := range points {
		event := s.logger.Info()
		if dp.Quality != domain.QualityGood {
			event = s.logger.Warn().Str("error", dp.Error)
		}
		event.
			Str("client", client).
			Str("tag", dp.Tag).
			Interface("value", dp.Value).
			Str("unit", dp.Unit).
			Str("quality", string(dp.Quality)).
			Msg("Tag value")
	}
	return nil
}

// PollingService periodically reads the tags of registered clients.
type PollingService struct {
	config     PollingConfig
	source     Source
	sink       Sink
	logger     zerolog.Logger
	metrics    *metrics.Registry
	clients    map[string]*clientPoller
	mu         sync.RWMutex
	started    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	drained    chan struct{} // closed once the last stopped run has exited
	wg         sync.WaitGroup
	workerPool chan struct{}
	stats      *PollingStats
}

// PollingConfig holds configuration for the polling service.
type PollingConfig struct {
	WorkerCount     int           `mapstructure:"worker_count" yaml:"worker_count"`
	DefaultInterval time.Duration `mapstructure:"interval" yaml:"interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PollingStats tracks polling statistics.
type PollingStats struct {
	TotalPolls   atomic.Uint64
	SuccessPolls atomic.Uint64
	FailedPolls  atomic.Uint64
	SkippedPolls atomic.Uint64 // back-pressure and open breakers
	PointsRead   atomic.Uint64
	PointsGood   atomic.Uint64
}

// clientPoller manages polling for a single named client.
type clientPoller struct {
	name      string
	interval  time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	lastPoll  time.Time
	lastError error
	stats     clientStats
	mu        sync.RWMutex
}

type clientStats struct {
	pollCount    atomic.Uint64
	errorCount   atomic.Uint64
	skippedCount atomic.Uint64
	pointsRead   atomic.Uint64
}

// NewPollingService creates a new polling service.
func NewPollingService(
	config PollingConfig,
	source Source,
	sink Sink,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *PollingService {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 10
	}
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	return &PollingService{
		config:     config,
		source:     source,
		sink:       sink,
		logger:     logger.With().Str("component", "polling-service").Logger(),
		metrics:    metricsReg,
		clients:    make(map[string]*clientPoller),
		workerPool: make(chan struct{}, config.WorkerCount),
		stats:      &PollingStats{},
	}
}

// Config returns the effective configuration.
func (s *PollingService) Config() PollingConfig {
	return s.config
}

// Start begins polling every registered client. It fails with
// ErrPollersStopping until every poller of a previous run has exited.
func (s *PollingService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started.Load() {
		return nil
	}
	if s.drained != nil {
		select {
		case <-s.drained:
		default:
			return ErrPollersStopping
		}
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	s.logger.Info().
		Int("clients", len(s.clients)).
		Int("workers", s.config.WorkerCount).
		Msg("Starting polling service")

	for _, cp := range s.clients {
		s.startClientPoller(s.ctx, cp)
	}
	return nil
}

// Stop cancels all pollers and waits for them until ctx is done. Pollers
// still blocked in a read after ctx expires keep running until that read
// returns.
func (s *PollingService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started.Load() {
		s.mu.Unlock()
		return nil
	}

	s.logger.Info().Msg("Stopping polling service")
	s.cancel()
	s.started.Store(false)

	drained := make(chan struct{})
	s.drained = drained
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	s.mu.Unlock()

	select {
	case <-drained:
		s.logger.Info().Msg("All pollers stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for pollers to stop")
	}
	return nil
}

// RegisterClient schedules the named client for polling every interval.
// A zero interval uses the configured default.
func (s *PollingService) RegisterClient(name string, interval time.Duration) error {
	if interval <= 0 {
		interval = s.config.DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[name]; exists {
		return fmt.Errorf("%w: %s", domain.ErrClientExists, name)
	}

	cp := &clientPoller{
		name:     name,
		interval: interval,
		stopChan: make(chan struct{}),
	}
	s.clients[name] = cp

	s.logger.Info().
		Str("client", name).
		Dur("poll_interval", interval).
		Msg("Registered client for polling")

	if s.started.Load() {
		s.startClientPoller(s.ctx, cp)
	}
	return nil
}

// UnregisterClient stops polling and forgets the named client.
func (s *PollingService) UnregisterClient(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, exists := s.clients[name]
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrClientNotFound, name)
	}
	cp.stopOnce.Do(func() {
		close(cp.stopChan)
	})
	delete(s.clients, name)

	s.logger.Info().Str("client", name).Msg("Unregistered client")
	return nil
}

// startClientPoller starts the polling loop for a client. The first poll is
// delayed by up to 10% of the interval so clients do not poll in lockstep.
// ctx belongs to the run that started the poller.
func (s *PollingService) startClientPoller(ctx context.Context, cp *clientPoller) {
	if cp.running.Swap(true) {
		return
	}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cp.running.Store(false)

		if jitterMax := cp.interval / 10; jitterMax > 0 {
			select {
			case <-time.After(time.Duration(rand.Int64N(int64(jitterMax)))):
			case <-ctx.Done():
				return
			case <-cp.stopChan:
				return
			}
		}

		s.logger.Debug().
			Str("client", cp.name).
			Dur("interval", cp.interval).
			Msg("Starting client poller")

		ticker := time.NewTicker(cp.interval)
		defer ticker.Stop()

		s.pollClient(ctx, cp)

		for {
			select {
			case <-ctx.Done():
				return
			case <-cp.stopChan:
				return
			case <-ticker.C:
				s.pollClient(ctx, cp)
			}
		}
	}()
}

// pollClient performs a single poll cycle. The cycle is skipped instead of
// queued when every worker is busy.
func (s *PollingService) pollClient(ctx context.Context, cp *clientPoller) {
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-ctx.Done():
		return
	default:
		s.stats.SkippedPolls.Add(1)
		cp.stats.skippedCount.Add(1)
		s.logger.Debug().
			Str("client", cp.name).
			Msg("Poll skipped: worker pool full (back-pressure)")
		return
	}

	s.stats.TotalPolls.Add(1)
	cp.stats.pollCount.Add(1)
	start := time.Now()

	// One cycle may not outlive its interval.
	readCtx, cancel := context.WithTimeout(ctx, cp.interval)
	defer cancel()

	points, err := s.source.ReadTags(readCtx, cp.name)
	duration := time.Since(start)

	qualities := make(map[string]int)
	good := 0
	for _, dp := range points {
		qualities[string(dp.Quality)]++
		if dp.Quality == domain.QualityGood {
			good++
		}
	}
	s.metrics.RecordPoll(cp.name, duration, qualities, err)

	cp.mu.Lock()
	cp.lastPoll = time.Now()
	cp.lastError = err
	cp.mu.Unlock()

	switch {
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		s.stats.SkippedPolls.Add(1)
		cp.stats.skippedCount.Add(1)
		s.logger.Debug().Err(err).Str("client", cp.name).Msg("Poll skipped: circuit breaker open")
		return
	case err != nil && len(points) == 0:
		s.stats.FailedPolls.Add(1)
		cp.stats.errorCount.Add(1)
		s.logger.Error().Err(err).Str("client", cp.name).Msg("Failed to read tags")
		return
	case err != nil:
		s.stats.FailedPolls.Add(1)
		cp.stats.errorCount.Add(1)
		s.logger.Warn().Err(err).Str("client", cp.name).Msg("All tags failed")
	default:
		s.stats.SuccessPolls.Add(1)
	}

	s.stats.PointsRead.Add(uint64(len(points)))
	s.stats.PointsGood.Add(uint64(good))
	cp.stats.pointsRead.Add(uint64(len(points)))

	if len(points) > 0 {
		if err := s.sink.Emit(ctx, cp.name, points); err != nil {
			s.logger.Warn().
				Err(err).
				Str("client", cp.name).
				Int("points", len(points)).
				Msg("Failed to emit data points")
		}
	}

	s.logger.Debug().
		Str("client", cp.name).
		Int("tags_read", len(points)).
		Int("good_points", good).
		Dur("duration", duration).
		Msg("Poll cycle completed")
}

// ClientStatus holds the current status of a polled client.
type ClientStatus struct {
	Client       string
	Running      bool
	Interval     time.Duration
	LastPoll     time.Time
	LastError    error
	PollCount    uint64
	ErrorCount   uint64
	SkippedCount uint64
	PointsRead   uint64
}

// GetClientStatus returns the polling status of a client.
func (s *PollingService) GetClientStatus(name string) (*ClientStatus, error) {
	s.mu.RLock()
	cp, exists := s.clients[name]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrClientNotFound, name)
	}

	cp.mu.RLock()
	defer cp.mu.RUnlock()

	return &ClientStatus{
		Client:       name,
		Running:      cp.running.Load(),
		Interval:     cp.interval,
		LastPoll:     cp.lastPoll,
		LastError:    cp.lastError,
		PollCount:    cp.stats.pollCount.Load(),
		ErrorCount:   cp.stats.errorCount.Load(),
		SkippedCount: cp.stats.skippedCount.Load(),
		PointsRead:   cp.stats.pointsRead.Load(),
	}, nil
}

// StatsSnapshot holds a point-in-time snapshot of polling statistics.
type StatsSnapshot struct {
	TotalPolls   uint64
	SuccessPolls uint64
	FailedPolls  uint64
	SkippedPolls uint64
	PointsRead   uint64
	PointsGood   uint64
}

// Stats returns a snapshot of the polling service statistics.
func (s *PollingService) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalPolls:   s.stats.TotalPolls.Load(),
		SuccessPolls: s.stats.SuccessPolls.Load(),
		FailedPolls:  s.stats.FailedPolls.Load(),
		SkippedPolls: s.stats.SkippedPolls.Load(),
		PointsRead:   s.stats.PointsRead.Load(),
		PointsGood:   s.stats.PointsGood.Load(),
	}
}
