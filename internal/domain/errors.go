// Package domain contains core business entities.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for the retry policy and for callers.
type Kind int

const (
	KindOther Kind = iota
	KindConnection
	KindTimeout
	KindProtocol
	KindConfiguration
	KindCanceled
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindConfiguration:
		return "configuration"
	case KindCanceled:
		return "canceled"
	default:
		return "other"
	}
}

// Retryable reports whether an operation failing with this kind may be attempted again.
// Protocol errors are answers from the device and will not change on retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnection, KindTimeout, KindOther:
		return true
	default:
		return false
	}
}

// Error taxonomy sentinels. Every *Error matches exactly one of these through errors.Is.
var (
	ErrConnection    = errors.New("modbus: connection error")
	ErrTimeout       = errors.New("modbus: request timed out")
	ErrProtocol      = errors.New("modbus: protocol error")
	ErrConfiguration = errors.New("modbus: invalid configuration")
)

// Connection errors.
var (
	ErrNotConnected       = errors.New("modbus: client not connected")
	ErrClientClosed       = errors.New("modbus: client closed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrClientNotFound     = errors.New("client not found")
	ErrClientExists       = errors.New("client already registered")
	ErrFactoryClosed      = errors.New("client factory closed")
)

// Configuration errors.
var (
	ErrHostRequired         = errors.New("host is required")
	ErrInvalidPort          = errors.New("port must be between 1 and 65535")
	ErrClientIDRequired     = errors.New("client ID is required")
	ErrInvalidTimeout       = errors.New("timeout must be positive")
	ErrInvalidRetryPolicy   = errors.New("invalid retry policy")
	ErrInvalidEndianness    = errors.New("invalid endianness")
	ErrInvalidWordOrder     = errors.New("invalid word order")
	ErrInvalidRegisterType  = errors.New("invalid register type")
	ErrInvalidDataType      = errors.New("invalid data type")
	ErrInvalidRegisterCount = errors.New("invalid register count")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidScale         = errors.New("invalid scale")
	ErrTagNotWritable       = errors.New("tag is not writable")
	ErrInvalidWriteValue    = errors.New("invalid value for write operation")
	ErrTagNotFound          = errors.New("tag not found")
)

// Modbus exception responses.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
	ErrModbusUnknownException       = errors.New("modbus: unknown exception")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusUnknownException
	}
}

// Error is the structured error returned by the client and tag layers.
type Error struct {
	Kind Kind

	// Op is the operation that failed, e.g. "read_holding_registers".
	Op string

	// Address is the remote host:port, empty for errors raised before any I/O.
	Address string

	// RegisterAddress is the start address of the request.
	RegisterAddress uint16

	// Attempts is the number of attempts made before giving up.
	Attempts int

	// Timeout is the configured duration that was exceeded (KindTimeout only).
	Timeout time.Duration

	// FunctionCode and ExceptionCode are set for KindProtocol.
	FunctionCode  byte
	ExceptionCode byte

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("modbus")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Address != "" {
		fmt.Fprintf(&b, " %s", e.Address)
	}
	if e.Op != "" && e.Kind != KindConfiguration {
		fmt.Fprintf(&b, " (address %d)", e.RegisterAddress)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	switch e.Kind {
	case KindTimeout:
		if e.Timeout > 0 {
			fmt.Fprintf(&b, " after %s", e.Timeout)
		}
	case KindProtocol:
		fmt.Fprintf(&b, " (function 0x%02X, exception 0x%02X)", e.FunctionCode, e.ExceptionCode)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the taxonomy sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	}
	return false
}

// NewConfigError wraps err as a configuration error for op.
func NewConfigError(op string, err error) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// ConfigErrorf builds a configuration error wrapping sentinel with a formatted detail.
func ConfigErrorf(op string, sentinel error, format string, args ...interface{}) *Error {
	return &Error{
		Kind: KindConfiguration,
		Op:   op,
		Err:  fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

// KindOf returns the kind of err. Errors outside the taxonomy report KindOther,
// except bare context errors which report KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindOther
}
