// Package modbus provides a production-grade Modbus TCP client with
// serialized request handling, retry with reconnect, typed register codecs
// and a named-client factory guarded by circuit breakers.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/nexus-edge/modbus-gateway/internal/domain"
	"github.com/nexus-edge/modbus-gateway/internal/metrics"
)

// Protocol limits on the quantity of a single request.
const (
	MaxReadCoils      = 2000
	MaxReadRegisters  = 125
	MaxWriteCoils     = 1968
	MaxWriteRegisters = 123
)

// Operation names used in errors, logs and metrics.
const (
	OpReadCoils              = "read_coils"
	OpReadDiscreteInputs     = "read_discrete_inputs"
	OpReadHoldingRegisters   = "read_holding_registers"
	OpReadInputRegisters     = "read_input_registers"
	OpWriteSingleCoil        = "write_single_coil"
	OpWriteSingleRegister    = "write_single_register"
	OpWriteMultipleCoils     = "write_multiple_coils"
	OpWriteMultipleRegisters = "write_multiple_registers"
)

// ConnectionState is the lifecycle state of the client's connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client represents a Modbus client connection to a single device.
//
// All reads and writes pass through opGate so that at most one request is
// in flight on the socket. Connect and disconnect sequences pass through
// connGate. opGate is always acquired before connGate, never after.
type Client struct {
	opts    ClientOptions
	dialer  Dialer
	logger  zerolog.Logger
	metrics *metrics.Registry
	policy  retryPolicy

	opGate   *semaphore.Weighted
	connGate *semaphore.Weighted

	mu        sync.RWMutex
	state     ConnectionState
	master    Master
	lastError error
	lastUsed  time.Time
	idleTimer *time.Timer
	idleDrop  bool

	closed         atomic.Bool
	stats          *ClientStats
	tagDiagnostics sync.Map // map[string]*TagDiagnostic
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithDialer replaces the goburrow TCP dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithMetrics records connection and operation metrics into reg.
func WithMetrics(reg *metrics.Registry) ClientOption {
	return func(c *Client) {
		c.metrics = reg
	}
}

// NewClient validates opts and creates a disconnected client.
func NewClient(opts ClientOptions, logger zerolog.Logger, options ...ClientOption) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:     opts,
		dialer:   TCPDialer{},
		policy:   newRetryPolicy(opts),
		opGate:   semaphore.NewWeighted(1),
		connGate: semaphore.NewWeighted(1),
		stats:    &ClientStats{},
		lastUsed: time.Now(),
		logger: logger.With().
			Str("component", "modbus-client").
			Str("client_id", opts.ClientID).
			Str("address", opts.Address()).
			Logger(),
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Options returns the validated options of the client.
func (c *Client) Options() ClientOptions {
	return c.opts
}

// ClientID returns the configured client identifier.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true only when the client is connected and holds a session.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected && c.master != nil
}

// IdleClosed reports whether the last session was closed for inactivity
// rather than by a failure or an explicit disconnect.
func (c *Client) IdleClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idleDrop
}

// LastError returns the error that caused the most recent disconnect.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// LastUsed returns when the client last started an operation.
func (c *Client) LastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}

func (c *Client) newError(kind domain.Kind, op string, register uint16, cause error) *domain.Error {
	return &domain.Error{
		Kind:            kind,
		Op:              op,
		Address:         c.opts.Address(),
		RegisterAddress: register,
		Err:             cause,
	}
}

// Connect establishes the connection. Calling it while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return c.newError(domain.KindConnection, "connect", 0, domain.ErrClientClosed)
	}
	if err := ctx.Err(); err != nil {
		return c.newError(domain.KindCanceled, "connect", 0, err)
	}
	if err := c.connGate.Acquire(ctx, 1); err != nil {
		return c.newError(domain.KindCanceled, "connect", 0, err)
	}
	defer c.connGate.Release(1)

	if _, err := c.connectLocked(ctx); err != nil {
		return err
	}
	c.armIdleTimer()
	return nil
}

// connectLocked dials a fresh session. connGate must be held.
func (c *Client) connectLocked(ctx context.Context) (Master, error) {
	c.mu.Lock()
	if c.state == StateConnected && c.master != nil {
		m := c.master
		c.mu.Unlock()
		return m, nil
	}
	stale := c.master
	c.master = nil
	c.state = StateConnecting
	c.mu.Unlock()

	if stale != nil {
		if err := stale.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing stale Modbus session")
		}
	}

	c.logger.Debug().Msg("Connecting to Modbus device")

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	start := time.Now()
	m, err := c.dialer.Dial(dialCtx, c.opts)
	if err == nil && m == nil {
		err = domain.ErrNotConnected
	}
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.lastError = err
		c.mu.Unlock()
		c.metrics.RecordConnection(c.opts.ClientID, false, 0)
		c.metrics.SetConnected(c.opts.ClientID, false)

		if ctx.Err() != nil {
			return nil, c.newError(domain.KindCanceled, "connect", 0, ctx.Err())
		}
		return nil, c.newError(domain.KindConnection, "connect", 0, errors.WithStack(err))
	}

	c.mu.Lock()
	c.master = m
	c.state = StateConnected
	c.lastError = nil
	c.idleDrop = false
	c.mu.Unlock()

	c.stats.ConnectCount.Add(1)
	c.metrics.RecordConnection(c.opts.ClientID, true, time.Since(start))
	c.metrics.SetConnected(c.opts.ClientID, true)
	c.logger.Info().Dur("latency", time.Since(start)).Msg("Connected to Modbus device")
	return m, nil
}

// Disconnect closes the connection. It is safe to call when already disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return c.newError(domain.KindCanceled, "disconnect", 0, err)
	}
	if err := c.connGate.Acquire(ctx, 1); err != nil {
		return c.newError(domain.KindCanceled, "disconnect", 0, err)
	}
	defer c.connGate.Release(1)

	c.mu.Lock()
	m := c.master
	c.master = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if m == nil {
		return nil
	}
	c.metrics.SetConnected(c.opts.ClientID, false)
	c.logger.Debug().Msg("Disconnected from Modbus device")

	if err := m.Close(); err != nil {
		return c.newError(domain.KindConnection, "disconnect", 0, err)
	}
	return nil
}

// Close disconnects and marks the client unusable. Teardown failures are
// logged, never returned.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Error closing Modbus client")
	}
	return nil
}

// dropConnection tears down observed if it is still the current session.
// A newer session installed by a concurrent reconnect is left alone.
func (c *Client) dropConnection(observed Master, cause error) {
	_ = c.connGate.Acquire(context.Background(), 1)
	defer c.connGate.Release(1)

	c.mu.Lock()
	if c.master != observed {
		c.mu.Unlock()
		return
	}
	c.master = nil
	c.state = StateDisconnected
	c.lastError = cause
	c.idleDrop = false
	c.mu.Unlock()

	c.metrics.SetConnected(c.opts.ClientID, false)
	c.logger.Warn().Err(cause).Msg("Dropping Modbus connection")

	// A request abandoned on timeout may still hold the session; close it
	// without waiting for that request to give up.
	go func() {
		if err := observed.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing dropped Modbus session")
		}
	}()
}

// armIdleTimer marks the client as used and restarts the idle timer.
// It does nothing when IdleTimeout is zero or no session is open.
func (c *Client) armIdleTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = time.Now()
	if c.opts.IdleTimeout <= 0 || c.master == nil || c.closed.Load() {
		return
	}
	if c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, c.closeIdle)
		return
	}
	c.idleTimer.Reset(c.opts.IdleTimeout)
}

// closeIdle disconnects a session that has not been used for IdleTimeout.
// A request in flight re-arms the timer when it finishes.
func (c *Client) closeIdle() {
	if !c.opGate.TryAcquire(1) {
		return
	}
	defer c.opGate.Release(1)

	c.mu.Lock()
	if remaining := c.opts.IdleTimeout - time.Since(c.lastUsed); remaining > 0 && c.master != nil {
		c.idleTimer.Reset(remaining)
		c.mu.Unlock()
		return
	}
	m := c.master
	c.mu.Unlock()
	if m == nil {
		return
	}

	_ = c.connGate.Acquire(context.Background(), 1)
	defer c.connGate.Release(1)

	c.mu.Lock()
	if c.master != m {
		c.mu.Unlock()
		return
	}
	c.master = nil
	c.state = StateDisconnected
	c.idleDrop = true
	c.mu.Unlock()

	c.metrics.SetConnected(c.opts.ClientID, false)
	c.logger.Debug().Dur("idle_timeout", c.opts.IdleTimeout).Msg("Closing idle Modbus connection")
	if err := m.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Error closing idle Modbus session")
	}
}

// session returns the current session, connecting first when needed.
func (c *Client) session(ctx context.Context, op string, register uint16) (Master, *domain.Error) {
	c.mu.RLock()
	if c.state == StateConnected && c.master != nil {
		m := c.master
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	if err := c.connGate.Acquire(ctx, 1); err != nil {
		return nil, c.newError(domain.KindCanceled, op, register, err)
	}
	defer c.connGate.Release(1)

	if c.closed.Load() {
		return nil, c.newError(domain.KindConnection, op, register, domain.ErrClientClosed)
	}
	m, err := c.connectLocked(ctx)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			de.Op = op
			de.RegisterAddress = register
			return nil, de
		}
		return nil, c.newError(domain.KindConnection, op, register, err)
	}
	return m, nil
}

// attempt runs fn once against the current session, bounded by RequestTimeout.
func attempt[T any](ctx context.Context, c *Client, op string, register uint16, fn func(Master) (T, error)) (T, *domain.Error) {
	var zero T

	m, derr := c.session(ctx, op, register)
	if derr != nil {
		return zero, derr
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(m)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.value, nil
		}
		var mbErr *modbus.ModbusError
		if errors.As(r.err, &mbErr) {
			return zero, protocolError(op, c.opts.Address(), register, mbErr)
		}
		kind := classify(r.err)
		if dropsConnection(kind) {
			c.dropConnection(m, r.err)
		}
		e := c.newError(kind, op, register, r.err)
		if kind == domain.KindTimeout {
			e.Timeout = c.opts.RequestTimeout
		}
		return zero, e

	case <-reqCtx.Done():
		c.dropConnection(m, reqCtx.Err())
		if err := ctx.Err(); err != nil {
			return zero, c.newError(domain.KindCanceled, op, register, err)
		}
		e := c.newError(domain.KindTimeout, op, register, context.DeadlineExceeded)
		e.Timeout = c.opts.RequestTimeout
		return zero, e
	}
}

// execute runs fn with the retry policy while holding the operation gate.
func execute[T any](ctx context.Context, c *Client, op string, register uint16, fn func(Master) (T, error)) (T, error) {
	var zero T

	if c.closed.Load() {
		return zero, c.newError(domain.KindConnection, op, register, domain.ErrClientClosed)
	}
	if err := ctx.Err(); err != nil {
		return zero, c.newError(domain.KindCanceled, op, register, err)
	}
	if err := c.opGate.Acquire(ctx, 1); err != nil {
		return zero, c.newError(domain.KindCanceled, op, register, err)
	}
	defer c.opGate.Release(1)
	defer c.armIdleTimer()

	start := time.Now()
	c.mu.Lock()
	c.lastUsed = start
	c.mu.Unlock()

	write := strings.HasPrefix(op, "write")
	maxAttempts := c.opts.MaxRetries + 1

	var lastErr *domain.Error
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 {
			delay := c.policy.delay(n - 1)
			c.stats.RetryCount.Add(1)
			c.metrics.RecordRetry(c.opts.ClientID, op)
			c.logger.Debug().
				Str("op", op).
				Int("attempt", n).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying Modbus operation")

			if err := sleepCtx(ctx, delay); err != nil {
				lastErr = c.newError(domain.KindCanceled, op, register, err)
				lastErr.Attempts = n - 1
				break
			}
		}

		v, err := attempt(ctx, c, op, register, fn)
		if err == nil {
			c.stats.record(write, time.Since(start))
			c.metrics.RecordOperation(c.opts.ClientID, op, time.Since(start), nil)
			return v, nil
		}
		err.Attempts = n
		lastErr = err

		if !err.Kind.Retryable() || c.closed.Load() {
			break
		}
	}

	c.stats.ErrorCount.Add(1)
	c.metrics.RecordOperation(c.opts.ClientID, op, time.Since(start), lastErr)
	return zero, lastErr
}

func checkQuantity(op string, address, count, limit uint16) error {
	if count == 0 || count > limit {
		return domain.ConfigErrorf(op, domain.ErrInvalidQuantity, "quantity %d not in [1,%d]", count, limit)
	}
	if uint32(address)+uint32(count) > 0x10000 {
		return domain.ConfigErrorf(op, domain.ErrInvalidQuantity, "address %d + quantity %d exceeds address space", address, count)
	}
	return nil
}

// unpackBits expands an LSB-first packed coil payload into count values.
func unpackBits(data []byte, count uint16) ([]bool, error) {
	if len(data) < (int(count)+7)/8 {
		return nil, fmt.Errorf("modbus: short coil response: %d bytes for %d coils", len(data), count)
	}
	out := make([]bool, count)
	for i := range out {
		out[i] = data[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out, nil
}

// packBits is the inverse of unpackBits.
func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// bytesToWords splits a register payload into big-endian words.
func bytesToWords(data []byte, count uint16) ([]uint16, error) {
	if len(data) != int(count)*2 {
		return nil, fmt.Errorf("modbus: register response has %d bytes, want %d", len(data), int(count)*2)
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out, nil
}

func wordsToBytes(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func (c *Client) readBits(ctx context.Context, op string, address, count uint16,
	read func(Master, uint16, uint16) ([]byte, error)) ([]bool, error) {
	if err := checkQuantity(op, address, count, MaxReadCoils); err != nil {
		return nil, err
	}
	return execute(ctx, c, op, address, func(m Master) ([]bool, error) {
		data, err := read(m, address, count)
		if err != nil {
			return nil, err
		}
		return unpackBits(data, count)
	})
}

func (c *Client) readWords(ctx context.Context, op string, address, count uint16,
	read func(Master, uint16, uint16) ([]byte, error)) ([]uint16, error) {
	if err := checkQuantity(op, address, count, MaxReadRegisters); err != nil {
		return nil, err
	}
	return execute(ctx, c, op, address, func(m Master) ([]uint16, error) {
		data, err := read(m, address, count)
		if err != nil {
			return nil, err
		}
		return bytesToWords(data, count)
	})
}

// ReadCoils reads count coils starting at address.
func (c *Client) ReadCoils(ctx context.Context, address, count uint16) ([]bool, error) {
	return c.readBits(ctx, OpReadCoils, address, count, Master.ReadCoils)
}

// ReadDiscreteInputs reads count discrete inputs starting at address.
func (c *Client) ReadDiscreteInputs(ctx context.Context, address, count uint16) ([]bool, error) {
	return c.readBits(ctx, OpReadDiscreteInputs, address, count, Master.ReadDiscreteInputs)
}

// ReadHoldingRegisters reads count holding registers starting at address.
func (c *Client) ReadHoldingRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	return c.readWords(ctx, OpReadHoldingRegisters, address, count, Master.ReadHoldingRegisters)
}

// ReadInputRegisters reads count input registers starting at address.
func (c *Client) ReadInputRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	return c.readWords(ctx, OpReadInputRegisters, address, count, Master.ReadInputRegisters)
}

// WriteSingleCoil writes a boolean value to a coil at the specified address.
func (c *Client) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	var coilValue uint16
	if value {
		coilValue = 0xFF00
	}
	_, err := execute(ctx, c, OpWriteSingleCoil, address, func(m Master) (struct{}, error) {
		_, err := m.WriteSingleCoil(address, coilValue)
		return struct{}{}, err
	})
	return err
}

// WriteSingleRegister writes a 16-bit value to a holding register.
func (c *Client) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	_, err := execute(ctx, c, OpWriteSingleRegister, address, func(m Master) (struct{}, error) {
		_, err := m.WriteSingleRegister(address, value)
		return struct{}{}, err
	})
	return err
}

// WriteMultipleRegisters writes consecutive holding registers starting at address.
func (c *Client) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	if len(values) > MaxWriteRegisters {
		return domain.ConfigErrorf(OpWriteMultipleRegisters, domain.ErrInvalidQuantity, "quantity %d not in [1,%d]", len(values), MaxWriteRegisters)
	}
	count := uint16(len(values))
	if err := checkQuantity(OpWriteMultipleRegisters, address, count, MaxWriteRegisters); err != nil {
		return err
	}
	payload := wordsToBytes(values)
	_, err := execute(ctx, c, OpWriteMultipleRegisters, address, func(m Master) (struct{}, error) {
		_, err := m.WriteMultipleRegisters(address, count, payload)
		return struct{}{}, err
	})
	return err
}

// WriteMultipleCoils writes consecutive coils starting at address.
func (c *Client) WriteMultipleCoils(ctx context.Context, address uint16, values []bool) error {
	if len(values) > MaxWriteCoils {
		return domain.ConfigErrorf(OpWriteMultipleCoils, domain.ErrInvalidQuantity, "quantity %d not in [1,%d]", len(values), MaxWriteCoils)
	}
	count := uint16(len(values))
	if err := checkQuantity(OpWriteMultipleCoils, address, count, MaxWriteCoils); err != nil {
		return err
	}
	payload := packBits(values)
	_, err := execute(ctx, c, OpWriteMultipleCoils, address, func(m Master) (struct{}, error) {
		_, err := m.WriteMultipleCoils(address, count, payload)
		return struct{}{}, err
	})
	return err
}
