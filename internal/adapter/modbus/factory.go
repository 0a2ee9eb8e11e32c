package modbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/modbus-gateway/internal/domain"
	"github.com/nexus-edge/modbus-gateway/internal/metrics"
)

// Factory manages named clients, one per remote unit, each with its own
// tag map and circuit breaker. A misbehaving device trips only its own breaker.
type Factory struct {
	config        FactoryConfig
	clientOptions []ClientOption
	clients       map[string]*namedClient
	mu            sync.RWMutex
	logger        zerolog.Logger
	metrics       *metrics.Registry
	closed        bool
	stop          chan struct{}
	wg            sync.WaitGroup
}

// namedClient wraps a Client with its tag map and breaker.
type namedClient struct {
	name      string
	client    *Client
	reader    *TagReader
	tags      map[string]domain.TagDescriptor
	breaker   *gobreaker.CircuitBreaker
	mu        sync.Mutex
	lastError error
}

// NewFactory creates a factory and starts its health loop when
// config.HealthCheckPeriod is positive. clientOptions apply to every client.
func NewFactory(config FactoryConfig, logger zerolog.Logger, metricsReg *metrics.Registry, clientOptions ...ClientOption) *Factory {
	defaults := DefaultFactoryConfig()
	if config.BreakerMaxRequests == 0 {
		config.BreakerMaxRequests = defaults.BreakerMaxRequests
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}
	if config.BreakerFailureThreshold == 0 {
		config.BreakerFailureThreshold = defaults.BreakerFailureThreshold
	}

	f := &Factory{
		config:        config,
		clientOptions: append([]ClientOption{WithMetrics(metricsReg)}, clientOptions...),
		clients:       make(map[string]*namedClient),
		logger:        logger.With().Str("component", "modbus-factory").Logger(),
		metrics:       metricsReg,
		stop:          make(chan struct{}),
	}

	if config.HealthCheckPeriod > 0 {
		f.wg.Add(1)
		go f.healthCheckLoop()
	}
	return f
}

// breakerCountsAsSuccess keeps answers from a reachable device, bad input
// and caller cancellation from tripping the breaker.
func breakerCountsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	switch domain.KindOf(err) {
	case domain.KindProtocol, domain.KindConfiguration, domain.KindCanceled:
		return true
	default:
		return false
	}
}

func (f *Factory) createCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := f.config.BreakerFailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("modbus-%s", name),
		MaxRequests: f.config.BreakerMaxRequests,
		Interval:    f.config.BreakerInterval,
		Timeout:     f.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: breakerCountsAsSuccess,
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			f.metrics.SetBreakerState(name, int(to))
			f.logger.Info().
				Str("client", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
		},
	})
}

// Register creates a client named name. The tag map is validated before the
// client is created; the client connects lazily on first use.
func (f *Factory) Register(name string, opts ClientOptions, tags map[string]domain.TagDescriptor) (*Client, error) {
	if name == "" {
		return nil, domain.NewConfigError("register", domain.ErrClientIDRequired)
	}
	for tagName, tag := range tags {
		if err := tag.Validate(); err != nil {
			return nil, domain.NewConfigError("register", fmt.Errorf("tag %q: %w", tagName, err))
		}
	}
	if opts.ClientID == "" {
		opts.ClientID = name
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, domain.ErrFactoryClosed
	}
	if _, exists := f.clients[name]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrClientExists, name)
	}

	client, err := NewClient(opts, f.logger, f.clientOptions...)
	if err != nil {
		return nil, err
	}

	copied := make(map[string]domain.TagDescriptor, len(tags))
	for k, v := range tags {
		copied[k] = v
	}

	f.clients[name] = &namedClient{
		name:    name,
		client:  client,
		reader:  NewTagReader(client, f.logger),
		tags:    copied,
		breaker: f.createCircuitBreaker(name),
	}
	f.metrics.UpdateClientCount(len(f.clients))
	f.metrics.SetBreakerState(name, int(gobreaker.StateClosed))

	f.logger.Info().
		Str("client", name).
		Str("address", opts.Address()).
		Int("tags", len(tags)).
		Msg("Registered Modbus client")
	return client, nil
}

func (f *Factory) lookup(name string) (*namedClient, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, domain.ErrFactoryClosed
	}
	nc, ok := f.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrClientNotFound, name)
	}
	return nc, nil
}

// Get returns the client registered under name.
func (f *Factory) Get(name string) (*Client, error) {
	nc, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	return nc.client, nil
}

// Tags returns a copy of the tag map registered with the named client.
func (f *Factory) Tags(name string) (map[string]domain.TagDescriptor, error) {
	nc, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.TagDescriptor, len(nc.tags))
	for k, v := range nc.tags {
		out[k] = v
	}
	return out, nil
}

// Names returns the registered client names in sorted order.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.clients))
	for name := range f.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (nc *namedClient) tag(name string) (domain.TagDescriptor, error) {
	tag, ok := nc.tags[name]
	if !ok {
		return domain.TagDescriptor{}, domain.ConfigErrorf("lookup_tag", domain.ErrTagNotFound, "%q on client %q", name, nc.name)
	}
	return tag, nil
}

// setLastError keeps the last device failure. Breaker rejections and
// failures that do not count against the breaker leave it untouched.
func (nc *namedClient) setLastError(err error) {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return
	}
	if err == nil || !breakerCountsAsSuccess(err) {
		nc.mu.Lock()
		nc.lastError = err
		nc.mu.Unlock()
	}
}

func breakerError(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %v", domain.ErrCircuitBreakerOpen, err)
	}
	return err
}

// ReadTag reads a registered tag of a named client.
// Uses the client's circuit breaker for fault isolation.
func (f *Factory) ReadTag(ctx context.Context, clientName, tagName string) (*domain.DataPoint, error) {
	nc, err := f.lookup(clientName)
	if err != nil {
		return nil, err
	}
	tag, err := nc.tag(tagName)
	if err != nil {
		return nil, err
	}

	var raw interface{}
	result, err := nc.breaker.Execute(func() (interface{}, error) {
		v, r, err := nc.reader.readTag(ctx, tagName, tag)
		raw = r
		return v, err
	})
	nc.setLastError(err)
	if err != nil {
		err = breakerError(err)
		return nc.reader.errorPoint(tagName, tag, err), err
	}

	return domain.NewDataPoint(clientName, tagName, result, tag.Unit, domain.QualityGood).WithRawValue(raw), nil
}

// WriteTag writes a registered tag of a named client.
// Uses the client's circuit breaker for fault isolation.
func (f *Factory) WriteTag(ctx context.Context, clientName, tagName string, value interface{}) error {
	nc, err := f.lookup(clientName)
	if err != nil {
		return err
	}
	tag, err := nc.tag(tagName)
	if err != nil {
		return err
	}

	_, err = nc.breaker.Execute(func() (interface{}, error) {
		return nil, nc.reader.WriteTag(ctx, tagName, tag, value)
	})
	nc.setLastError(err)
	return breakerError(err)
}

// ReadTags reads every registered tag of a named client. Points are always
// returned for each tag; the error reports an open breaker or a device that
// failed every tag.
func (f *Factory) ReadTags(ctx context.Context, clientName string) ([]*domain.DataPoint, error) {
	nc, err := f.lookup(clientName)
	if err != nil {
		return nil, err
	}

	var points []*domain.DataPoint
	_, err = nc.breaker.Execute(func() (interface{}, error) {
		points = nc.reader.ReadTagPoints(ctx, nc.tags)
		return nil, batchError(points)
	})
	nc.setLastError(err)
	if err != nil {
		err = breakerError(err)
		if points == nil {
			points = make([]*domain.DataPoint, 0, len(nc.tags))
			for _, name := range sortedNames(nc.tags) {
				points = append(points, nc.reader.errorPoint(name, nc.tags[name], err))
			}
		}
		return points, err
	}
	return points, nil
}

// batchError reports a device-level failure when no point in a non-empty batch succeeded.
func batchError(points []*domain.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	for _, dp := range points {
		if dp.Quality == domain.QualityGood {
			return nil
		}
	}
	switch points[0].Quality {
	case domain.QualityNotConnected:
		return &domain.Error{Kind: domain.KindConnection, Op: "read_tags", Err: fmt.Errorf("all %d tags failed: %s", len(points), points[0].Error)}
	case domain.QualityTimeout:
		return &domain.Error{Kind: domain.KindTimeout, Op: "read_tags", Err: fmt.Errorf("all %d tags failed: %s", len(points), points[0].Error)}
	default:
		return nil
	}
}

// Remove disconnects and forgets the named client.
func (f *Factory) Remove(name string) error {
	f.mu.Lock()
	nc, exists := f.clients[name]
	if exists {
		delete(f.clients, name)
	}
	count := len(f.clients)
	f.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrClientNotFound, name)
	}

	_ = nc.client.Close()
	f.metrics.UpdateClientCount(count)
	f.metrics.SetConnected(nc.client.ClientID(), false)
	f.logger.Info().Str("client", name).Msg("Removed Modbus client")
	return nil
}

// Close stops the health loop and closes every client.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.stop)
	clients := f.clients
	f.clients = make(map[string]*namedClient)
	f.mu.Unlock()

	// Wait for background goroutines to stop
	f.wg.Wait()

	for _, nc := range clients {
		_ = nc.client.Close()
	}
	f.metrics.UpdateClientCount(0)
	f.logger.Info().Int("clients", len(clients)).Msg("Client factory closed")
	return nil
}

// healthCheckLoop periodically reconnects dropped clients.
func (f *Factory) healthCheckLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			for _, name := range f.Names() {
				f.checkClientHealth(name)
			}
		}
	}
}

// checkClientHealth reconnects a disconnected client that allows auto reconnect.
// Sessions closed for inactivity stay closed until the next request.
func (f *Factory) checkClientHealth(name string) {
	nc, err := f.lookup(name)
	if err != nil {
		return
	}
	if nc.client.IsConnected() || nc.client.IdleClosed() || !nc.client.Options().AutoReconnect {
		return
	}
	if nc.breaker.State() == gobreaker.StateOpen {
		return
	}

	f.logger.Debug().Str("client", name).Msg("Client disconnected, attempting reconnect")

	ctx, cancel := context.WithTimeout(context.Background(), nc.client.Options().ConnectTimeout)
	defer cancel()

	if err := nc.client.Connect(ctx); err != nil {
		nc.setLastError(err)
		f.logger.Warn().Err(err).Str("client", name).Msg("Failed to reconnect client")
		return
	}
	f.logger.Info().Str("client", name).Msg("Client reconnected")
}

// HealthCheck implements the health.Checker interface.
// The factory is healthy while it is open, even if some devices are down;
// per-device state is reported by ClientHealth.
func (f *Factory) HealthCheck(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return domain.ErrFactoryClosed
	}
	return nil
}

// ClientHealth returns health information for a named client.
func (f *Factory) ClientHealth(name string) (ClientHealth, bool) {
	nc, err := f.lookup(name)
	if err != nil {
		return ClientHealth{}, false
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	return ClientHealth{
		Name:               name,
		Address:            nc.client.Options().Address(),
		Connected:          nc.client.IsConnected(),
		CircuitBreakerOpen: nc.breaker.State() == gobreaker.StateOpen,
		LastError:          nc.lastError,
	}, true
}

// AllClientHealth returns health info for all registered clients.
func (f *Factory) AllClientHealth() map[string]ClientHealth {
	result := make(map[string]ClientHealth)
	for _, name := range f.Names() {
		if h, ok := f.ClientHealth(name); ok {
			result[name] = h
		}
	}
	return result
}
