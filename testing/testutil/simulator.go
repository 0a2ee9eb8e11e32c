package testutil

import (
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/tbrandon/mbserver"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-gateway/internal/domain"
)

// Simulator is an in-process Modbus TCP slave listening on localhost.
type Simulator struct {
	*mbserver.Server
	Host string
	Port int
}

// StartSimulator starts a slave on a free local port and stops it when the test ends.
func StartSimulator(t testing.TB) *Simulator {
	t.Helper()

	port := FreePort(t)
	serv := mbserver.NewServer()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	if err := serv.ListenTCP(addr); err != nil {
		t.Fatalf("failed to start modbus simulator on %s: %v", addr, err)
	}
	t.Cleanup(serv.Close)

	return &Simulator{Server: serv, Host: "127.0.0.1", Port: port}
}

// ClientOptions returns client options pointed at the simulator with
// test-friendly timeouts.
func (s *Simulator) ClientOptions() modbus.ClientOptions {
	opts := modbus.DefaultClientOptions()
	opts.Host = s.Host
	opts.Port = s.Port
	opts.ClientID = "simulator"
	opts.ConnectTimeout = time.Second
	opts.RequestTimeout = time.Second
	opts.MaxRetries = 1
	opts.ReconnectDelay = 10 * time.Millisecond
	opts.MaxRetryDelay = 50 * time.Millisecond
	return opts
}

// FailRegister makes holding-register reads starting at address answer with exc.
func (s *Simulator) FailRegister(address uint16, exc *mbserver.Exception) {
	s.RegisterFunctionHandler(3, func(srv *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		register := binary.BigEndian.Uint16(data[0:2])
		count := binary.BigEndian.Uint16(data[2:4])
		if register == address {
			return []byte{}, exc
		}
		end := int(register) + int(count)
		if end > 65536 {
			return []byte{}, &mbserver.IllegalDataAddress
		}
		return append([]byte{byte(count * 2)}, mbserver.Uint16ToBytes(srv.HoldingRegisters[register:end])...), &mbserver.Success
	})
}

// FreePort returns a TCP port that was free at the time of the call.
func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// LoadFactoryIO seeds the simulator with the values described by FactoryIOTags.
func (s *Simulator) LoadFactoryIO() {
	s.Coils[0] = 1
	s.DiscreteInputs[0] = 1
	s.DiscreteInputs[1] = 0
	s.HoldingRegisters[0] = 235  // temperature 23.5
	s.HoldingRegisters[1] = 101  // pressure 1.01
	s.HoldingRegisters[2] = 1500 // speed
	s.HoldingRegisters[3] = 42   // part counter
	s.HoldingRegisters[4] = 125  // cycle time 12.5
}

// FactoryIOTags returns the tag map of the Factory I/O conveyor scene.
func FactoryIOTags() map[string]domain.TagDescriptor {
	return map[string]domain.TagDescriptor{
		"conveyor_motor": {Type: domain.RegisterTypeCoil, Address: 0, Writable: true, Description: "Conveyor motor"},
		"sensor_1":       {Type: domain.RegisterTypeDiscrete, Address: 0, Description: "Entry sensor"},
		"sensor_2":       {Type: domain.RegisterTypeDiscrete, Address: 1, Description: "Exit sensor"},
		"temperature": {
			Type: domain.RegisterTypeHolding, Address: 0, DataType: domain.DataTypeInt16,
			Scale: 0.1, Unit: "°C", Writable: true,
		},
		"pressure": {
			Type: domain.RegisterTypeHolding, Address: 1, DataType: domain.DataTypeUInt16,
			Scale: 0.01, Unit: "bar",
		},
		"speed": {
			Type: domain.RegisterTypeHolding, Address: 2, DataType: domain.DataTypeUInt16,
			Unit: "rpm", Writable: true,
		},
		"part_counter": {Type: domain.RegisterTypeHolding, Address: 3, DataType: domain.DataTypeUInt16},
		"cycle_time": {
			Type: domain.RegisterTypeHolding, Address: 4, DataType: domain.DataTypeUInt16,
			Scale: 0.1, Unit: "s",
		},
	}
}
