package modbus

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"

	"github.com/nexus-edge/modbus-gateway/internal/domain"
)

// retryPolicy computes the pause before each retry.
type retryPolicy struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	exponential bool
	jitter      float64

	// random returns a uniform value in [0,1)
	random func() float64
}

func newRetryPolicy(opts ClientOptions) retryPolicy {
	return retryPolicy{
		baseDelay:   opts.ReconnectDelay,
		maxDelay:    opts.MaxRetryDelay,
		exponential: opts.UseExponentialBackoff,
		jitter:      opts.RetryJitterFactor,
		random:      rand.Float64,
	}
}

// delay returns the pause after the given failed attempt (1-based).
// Exponential growth is capped at maxDelay before jitter is applied.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := float64(p.baseDelay)
	if p.exponential && attempt > 1 {
		d *= math.Pow(2, float64(attempt-1))
	}
	if d > float64(p.maxDelay) {
		d = float64(p.maxDelay)
	}
	if p.jitter > 0 && d > 0 {
		d += (p.random()*2 - 1) * p.jitter * d
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// classify maps a transport or device error onto the error taxonomy.
func classify(err error) domain.Kind {
	var (
		de     *domain.Error
		mbErr  *modbus.ModbusError
		netErr net.Error
	)
	switch {
	case err == nil:
		return domain.KindOther
	case errors.As(err, &de):
		return de.Kind
	case errors.As(err, &mbErr):
		return domain.KindProtocol
	case errors.Is(err, domain.ErrNotConnected):
		return domain.KindConnection
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return domain.KindTimeout
		}
		return domain.KindConnection
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return domain.KindConnection
	case errors.Is(err, context.DeadlineExceeded):
		return domain.KindTimeout
	default:
		return domain.KindOther
	}
}

// dropsConnection reports whether a failure of this kind leaves the
// session in an unknown state, so the next attempt must reconnect.
func dropsConnection(k domain.Kind) bool {
	switch k {
	case domain.KindConnection, domain.KindTimeout, domain.KindCanceled:
		return true
	default:
		return false
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// protocolError builds the structured error for a device exception response.
func protocolError(op, address string, register uint16, mbErr *modbus.ModbusError) *domain.Error {
	return &domain.Error{
		Kind:            domain.KindProtocol,
		Op:              op,
		Address:         address,
		RegisterAddress: register,
		FunctionCode:    mbErr.FunctionCode &^ 0x80,
		ExceptionCode:   mbErr.ExceptionCode,
		Err:             errors.Wrap(domain.ModbusExceptionToError(mbErr.ExceptionCode), mbErr.Error()),
	}
}
