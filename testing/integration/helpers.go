//go:build integration
// +build integration

// Package integration provides integration tests that run against a real Modbus TCP device.
package integration

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
)

// TestConfig holds configuration for integration tests.
type TestConfig struct {
	ModbusHost string
	ModbusPort int
	UnitID     byte
	// Register is a holding register the tests may overwrite.
	Register uint16
	// Coil is a coil the tests may toggle.
	Coil uint16
}

// DefaultConfig returns the default test configuration.
// Override with environment variables.
func DefaultConfig() TestConfig {
	return TestConfig{
		ModbusHost: getEnvOrDefault("TEST_MODBUS_HOST", "localhost"),
		ModbusPort: getEnvOrDefaultInt("TEST_MODBUS_PORT", 5020),
		UnitID:     byte(getEnvOrDefaultInt("TEST_MODBUS_UNIT_ID", 1)),
		Register:   uint16(getEnvOrDefaultInt("TEST_MODBUS_REGISTER", 100)),
		Coil:       uint16(getEnvOrDefaultInt("TEST_MODBUS_COIL", 100)),
	}
}

// ClientOptions returns client options for the configured device.
func (c TestConfig) ClientOptions(clientID string) modbus.ClientOptions {
	opts := modbus.DefaultClientOptions()
	opts.Host = c.ModbusHost
	opts.Port = c.ModbusPort
	opts.UnitID = c.UnitID
	opts.ClientID = clientID
	opts.ConnectTimeout = 2 * time.Second
	opts.RequestTimeout = 2 * time.Second
	opts.ReconnectDelay = 100 * time.Millisecond
	opts.MaxRetryDelay = time.Second
	return opts
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if result, err := strconv.Atoi(val); err == nil {
			return result
		}
	}
	return defaultVal
}

// ContextWithTestTimeout returns a context with a test timeout.
func ContextWithTestTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	timeout := 30 * time.Second
	if testing.Short() {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// SkipIfNoDevice skips the test when nothing accepts TCP connections on host:port.
func SkipIfNoDevice(t *testing.T, host string, port int) {
	t.Helper()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Skipf("no Modbus device at %s: %v", addr, err)
	}
	_ = conn.Close()
	t.Logf("Testing against %s", addr)
}
