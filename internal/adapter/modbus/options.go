package modbus

import (
	"net"
	"strconv"
	"time"

	"github.com/nexus-edge/modbus-gateway/internal/domain"
)

// ClientOptions holds configuration for a Modbus client.
// Options are validated once by NewClient and not mutated afterwards.
type ClientOptions struct {
	// Host is the device hostname or IP address
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the Modbus TCP port (default 502)
	Port int `mapstructure:"port" yaml:"port"`

	// UnitID is the Modbus slave/unit ID of the device behind the endpoint
	UnitID byte `mapstructure:"unit_id" yaml:"unit_id"`

	// ConnectTimeout bounds TCP connection establishment
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// RequestTimeout bounds a single request/response exchange
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// ReconnectDelay is the base delay between attempts
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`

	// MaxRetryDelay caps the exponential backoff
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`

	// RetryJitterFactor is the +/- fraction of the delay randomized per attempt
	RetryJitterFactor float64 `mapstructure:"retry_jitter_factor" yaml:"retry_jitter_factor"`

	UseExponentialBackoff bool `mapstructure:"use_exponential_backoff" yaml:"use_exponential_backoff"`

	// Endianness and WordOrder are the defaults for tags that do not override them
	Endianness domain.Endianness `mapstructure:"endianness" yaml:"endianness"`
	WordOrder  domain.WordOrder  `mapstructure:"word_order" yaml:"word_order"`

	// ClientID names the client in logs and metrics
	ClientID string `mapstructure:"client_id" yaml:"client_id"`

	// AutoReconnect lets the factory health loop re-establish dropped connections
	AutoReconnect bool `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`

	// IdleTimeout closes the socket after a period without requests; zero disables it
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultClientOptions returns options with sensible defaults. Host must still be set.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Port:                  502,
		UnitID:                1,
		ConnectTimeout:        5 * time.Second,
		RequestTimeout:        3 * time.Second,
		MaxRetries:            3,
		ReconnectDelay:        time.Second,
		MaxRetryDelay:         30 * time.Second,
		RetryJitterFactor:     0.1,
		UseExponentialBackoff: true,
		Endianness:            domain.BigEndian,
		WordOrder:             domain.WordOrderABCD,
		ClientID:              "modbus-client",
		AutoReconnect:         true,
		IdleTimeout:           60 * time.Second,
	}
}

// Validate checks every field and returns a configuration error for the first violation.
func (o ClientOptions) Validate() error {
	const op = "validate_options"

	switch {
	case o.Host == "":
		return domain.NewConfigError(op, domain.ErrHostRequired)
	case o.Port < 1 || o.Port > 65535:
		return domain.ConfigErrorf(op, domain.ErrInvalidPort, "got %d", o.Port)
	case o.ConnectTimeout <= 0:
		return domain.ConfigErrorf(op, domain.ErrInvalidTimeout, "connect timeout %s", o.ConnectTimeout)
	case o.RequestTimeout <= 0:
		return domain.ConfigErrorf(op, domain.ErrInvalidTimeout, "request timeout %s", o.RequestTimeout)
	case o.IdleTimeout < 0:
		return domain.ConfigErrorf(op, domain.ErrInvalidTimeout, "idle timeout %s", o.IdleTimeout)
	case o.MaxRetries < 0:
		return domain.ConfigErrorf(op, domain.ErrInvalidRetryPolicy, "max retries %d", o.MaxRetries)
	case o.ReconnectDelay < 0:
		return domain.ConfigErrorf(op, domain.ErrInvalidRetryPolicy, "reconnect delay %s", o.ReconnectDelay)
	case o.MaxRetryDelay < o.ReconnectDelay:
		return domain.ConfigErrorf(op, domain.ErrInvalidRetryPolicy, "max retry delay %s below reconnect delay %s", o.MaxRetryDelay, o.ReconnectDelay)
	case o.RetryJitterFactor < 0 || o.RetryJitterFactor > 1 || o.RetryJitterFactor != o.RetryJitterFactor:
		return domain.ConfigErrorf(op, domain.ErrInvalidRetryPolicy, "jitter factor %v not in [0,1]", o.RetryJitterFactor)
	case !o.Endianness.Valid():
		return domain.ConfigErrorf(op, domain.ErrInvalidEndianness, "%q", o.Endianness)
	case !o.WordOrder.Valid():
		return domain.ConfigErrorf(op, domain.ErrInvalidWordOrder, "%q", o.WordOrder)
	case o.ClientID == "":
		return domain.NewConfigError(op, domain.ErrClientIDRequired)
	}
	return nil
}

// Address returns the host:port dial address.
func (o ClientOptions) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}
