package modbus

import (
	"sync/atomic"
	"time"
)

// ClientStats tracks client performance metrics.
type ClientStats struct {
	ReadCount      atomic.Uint64
	WriteCount     atomic.Uint64
	ErrorCount     atomic.Uint64
	RetryCount     atomic.Uint64
	ConnectCount   atomic.Uint64
	TotalReadTime  atomic.Int64 // nanoseconds
	TotalWriteTime atomic.Int64 // nanoseconds
}

func (s *ClientStats) record(write bool, d time.Duration) {
	if write {
		s.WriteCount.Add(1)
		s.TotalWriteTime.Add(d.Nanoseconds())
		return
	}
	s.ReadCount.Add(1)
	s.TotalReadTime.Add(d.Nanoseconds())
}

// TagDiagnostic tracks per-tag success/error metrics.
type TagDiagnostic struct {
	Tag             string
	ReadCount       atomic.Uint64
	WriteCount      atomic.Uint64
	ErrorCount      atomic.Uint64
	LastError       atomic.Value // stores error
	LastErrorTime   atomic.Value // stores time.Time
	LastSuccessTime atomic.Value // stores time.Time
}

// NewTagDiagnostic creates a new tag diagnostic tracker.
func NewTagDiagnostic(tag string) *TagDiagnostic {
	return &TagDiagnostic{
		Tag: tag,
	}
}

// Snapshot returns a plain copy of the tracker's counters.
func (d *TagDiagnostic) Snapshot() TagStats {
	s := TagStats{
		Tag:        d.Tag,
		ReadCount:  d.ReadCount.Load(),
		WriteCount: d.WriteCount.Load(),
		ErrorCount: d.ErrorCount.Load(),
	}
	if err, ok := d.LastError.Load().(error); ok && err != nil {
		s.LastError = err.Error()
	}
	if t, ok := d.LastErrorTime.Load().(time.Time); ok {
		s.LastErrorTime = t
	}
	if t, ok := d.LastSuccessTime.Load().(time.Time); ok {
		s.LastSuccessTime = t
	}
	return s
}

// TagStats is a point-in-time copy of a TagDiagnostic.
type TagStats struct {
	Tag             string    `json:"tag"`
	ReadCount       uint64    `json:"read_count"`
	WriteCount      uint64    `json:"write_count"`
	ErrorCount      uint64    `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorTime   time.Time `json:"last_error_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
}

// DeviceStats contains statistics for a single client.
type DeviceStats struct {
	ClientID       string  `json:"client_id"`
	Address        string  `json:"address"`
	State          string  `json:"state"`
	ReadCount      uint64  `json:"read_count"`
	WriteCount     uint64  `json:"write_count"`
	ErrorCount     uint64  `json:"error_count"`
	RetryCount     uint64  `json:"retry_count"`
	ConnectCount   uint64  `json:"connect_count"`
	AvgReadTimeMs  float64 `json:"avg_read_time_ms"`
	AvgWriteTimeMs float64 `json:"avg_write_time_ms"`
	Connected      bool    `json:"connected"`
}

// ClientHealth contains health information for a single named client.
type ClientHealth struct {
	Name               string `json:"name"`
	Address            string `json:"address"`
	Connected          bool   `json:"connected"`
	CircuitBreakerOpen bool   `json:"circuit_breaker_open"`
	LastError          error  `json:"-"`
}

// FactoryConfig holds configuration for the named-client factory.
type FactoryConfig struct {
	// HealthCheckPeriod is how often disconnected clients are probed; zero disables the loop
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`

	// BreakerMaxRequests is the number of trial calls allowed while half-open
	BreakerMaxRequests uint32 `mapstructure:"breaker_max_requests"`

	// BreakerInterval is the cyclic period of the closed state for clearing counts
	BreakerInterval time.Duration `mapstructure:"breaker_interval"`

	// BreakerTimeout is how long the breaker stays open before going half-open
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`

	// BreakerFailureThreshold is the number of consecutive failures that opens the breaker
	BreakerFailureThreshold uint32 `mapstructure:"breaker_failure_threshold"`
}

// DefaultFactoryConfig returns a FactoryConfig with sensible defaults.
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		HealthCheckPeriod:       30 * time.Second,
		BreakerMaxRequests:      1,
		BreakerInterval:         60 * time.Second,
		BreakerTimeout:          30 * time.Second,
		BreakerFailureThreshold: 5,
	}
}
