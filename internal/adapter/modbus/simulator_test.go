package modbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-gateway/internal/domain"
	"github.com/nexus-edge/modbus-gateway/testing/testutil"
)

// These tests exercise the goburrow TCP transport against an in-process slave.

func newSimulatorClient(t *testing.T, sim *testutil.Simulator) *modbus.Client {
	t.Helper()
	client, err := modbus.NewClient(sim.ClientOptions(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSimulator_FactoryIOTags(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping simulator test in short mode")
	}

	sim := testutil.StartSimulator(t)
	sim.LoadFactoryIO()
	reader := modbus.NewTagReader(newSimulatorClient(t, sim), zerolog.Nop())

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	values := reader.ReadTags(ctx, testutil.FactoryIOTags())
	require.Len(t, values, 8)

	assert.Equal(t, true, values["conveyor_motor"])
	assert.Equal(t, true, values["sensor_1"])
	assert.Equal(t, false, values["sensor_2"])
	assert.InDelta(t, 23.5, values["temperature"], 1e-9)
	assert.InDelta(t, 1.01, values["pressure"], 1e-9)
	assert.Equal(t, uint16(1500), values["speed"])
	assert.Equal(t, uint16(42), values["part_counter"])
	assert.InDelta(t, 12.5, values["cycle_time"], 1e-9)
}

func TestSimulator_WriteTags(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping simulator test in short mode")
	}

	sim := testutil.StartSimulator(t)
	sim.LoadFactoryIO()
	client := newSimulatorClient(t, sim)
	reader := modbus.NewTagReader(client, zerolog.Nop())
	tags := testutil.FactoryIOTags()

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	require.NoError(t, reader.WriteTag(ctx, "temperature", tags["temperature"], 25.5))
	require.NoError(t, reader.WriteTag(ctx, "speed", tags["speed"], 1800))
	require.NoError(t, reader.WriteTag(ctx, "conveyor_motor", tags["conveyor_motor"], false))

	regs, err := client.ReadHoldingRegisters(ctx, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{255, 101, 1800}, regs)

	coils, err := client.ReadCoils(ctx, 0, 1)
	require.NoError(t, err)
	assert.False(t, coils[0])

	err = reader.WriteTag(ctx, "pressure", tags["pressure"], 2.0)
	assert.ErrorIs(t, err, domain.ErrTagNotWritable)
}

func TestSimulator_MultiRegisterValues(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping simulator test in short mode")
	}

	sim := testutil.StartSimulator(t)
	client := newSimulatorClient(t, sim)
	reader := modbus.NewTagReader(client, zerolog.Nop())

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	flow := domain.TagDescriptor{
		Type: domain.RegisterTypeHolding, Address: 100, DataType: domain.DataTypeFloat,
		WordOrder: domain.WordOrderBADC, Writable: true,
	}
	require.NoError(t, reader.WriteTag(ctx, "flow", flow, 123.45))

	regs, err := client.ReadHoldingRegisters(ctx, 100, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xE666, 0x42F6}, regs)

	v, err := reader.ReadTag(ctx, "flow", flow)
	require.NoError(t, err)
	assert.Equal(t, float32(123.45), v)

	pattern := []bool{true, true, false, true, false, false, true, false, true, true}
	require.NoError(t, client.WriteMultipleCoils(ctx, 20, pattern))
	coils, err := client.ReadCoils(ctx, 20, uint16(len(pattern)))
	require.NoError(t, err)
	assert.Equal(t, pattern, coils)
}

func TestSimulator_ExceptionResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping simulator test in short mode")
	}

	sim := testutil.StartSimulator(t)
	sim.LoadFactoryIO()
	sim.FailRegister(200, &mbserver.IllegalDataAddress)
	client := newSimulatorClient(t, sim)

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	_, err := client.ReadHoldingRegisters(ctx, 200, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.ErrorIs(t, err, domain.ErrModbusIllegalAddress)

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, byte(0x03), de.FunctionCode)
	assert.Equal(t, 1, de.Attempts, "exception responses are not retried")
	assert.True(t, client.IsConnected(), "exception responses keep the connection")

	regs, err := client.ReadHoldingRegisters(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(235), regs[0])
}

func TestSimulator_ConnectionRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping simulator test in short mode")
	}

	opts := modbus.DefaultClientOptions()
	opts.Host = "127.0.0.1"
	opts.Port = testutil.FreePort(t)
	opts.ConnectTimeout = 500 * time.Millisecond
	opts.MaxRetries = 1
	opts.ReconnectDelay = 10 * time.Millisecond
	opts.MaxRetryDelay = 10 * time.Millisecond

	client, err := modbus.NewClient(opts, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.ReadHoldingRegisters(context.Background(), 0, 1)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.False(t, client.IsConnected())
	assert.Equal(t, modbus.StateDisconnected, client.State())
}

func TestSimulator_ReconnectAfterDisconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping simulator test in short mode")
	}

	sim := testutil.StartSimulator(t)
	sim.LoadFactoryIO()
	opts := sim.ClientOptions()
	opts.MaxRetries = 3
	client, err := modbus.NewClient(opts, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	_, err = client.ReadHoldingRegisters(ctx, 0, 1)
	require.NoError(t, err)

	// The next read reconnects lazily.
	require.NoError(t, client.Disconnect(ctx))
	regs, err := client.ReadHoldingRegisters(ctx, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), regs[0])
	assert.Equal(t, uint64(2), client.GetDeviceStats().ConnectCount)
}

// TestSimulator_IdleTimeout checks that the TCP transport never closes or
// redials on its own: an idle session is closed by the client and the next
// request goes through a recorded connect.
func TestSimulator_IdleTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping simulator test in short mode")
	}

	sim := testutil.StartSimulator(t)
	sim.LoadFactoryIO()
	opts := sim.ClientOptions()
	opts.IdleTimeout = 100 * time.Millisecond
	client, err := modbus.NewClient(opts, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	_, err = client.ReadHoldingRegisters(ctx, 0, 1)
	require.NoError(t, err)
	require.True(t, client.IsConnected())

	time.Sleep(400 * time.Millisecond)
	assert.False(t, client.IsConnected(), "idle session must be reported closed")
	assert.Equal(t, uint64(1), client.GetDeviceStats().ConnectCount)

	regs, err := client.ReadHoldingRegisters(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1500), regs[0])
	assert.True(t, client.IsConnected())
	assert.Equal(t, uint64(2), client.GetDeviceStats().ConnectCount, "reconnect goes through Connect")
}
