// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
)

// FakeDevice is an in-memory Modbus unit. Its data survives reconnects;
// every Dial opens a new session against it.
type FakeDevice struct {
	mu       sync.Mutex
	holding  map[uint16]uint16
	input    map[uint16]uint16
	coils    map[uint16]bool
	discrete map[uint16]bool

	// Fault, when set, is consulted before each request. A non-nil error is
	// returned instead of performing the request.
	Fault func(op string) error

	// DialFault, when set, is consulted on each Dial.
	DialFault func() error

	// Latency delays every request.
	Latency time.Duration

	dials    atomic.Int32
	requests atomic.Int32
	inFlight atomic.Int32
	overlaps atomic.Int32
	closes   atomic.Int32
}

// NewFakeDevice creates an empty device. Unset addresses read as zero.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		holding:  make(map[uint16]uint16),
		input:    make(map[uint16]uint16),
		coils:    make(map[uint16]bool),
		discrete: make(map[uint16]bool),
	}
}

// SetHolding stores consecutive holding registers starting at address.
func (d *FakeDevice) SetHolding(address uint16, values ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.holding[address+uint16(i)] = v
	}
}

// SetInput stores consecutive input registers starting at address.
func (d *FakeDevice) SetInput(address uint16, values ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.input[address+uint16(i)] = v
	}
}

// SetCoil stores a coil value.
func (d *FakeDevice) SetCoil(address uint16, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coils[address] = v
}

// SetDiscrete stores a discrete input value.
func (d *FakeDevice) SetDiscrete(address uint16, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discrete[address] = v
}

// Holding returns count holding registers starting at address.
func (d *FakeDevice) Holding(address, count uint16) []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint16, count)
	for i := range out {
		out[i] = d.holding[address+uint16(i)]
	}
	return out
}

// Coil returns a coil value.
func (d *FakeDevice) Coil(address uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coils[address]
}

// Dials returns the number of Dial calls.
func (d *FakeDevice) Dials() int { return int(d.dials.Load()) }

// Requests returns the number of requests that reached the device, including faulted ones.
func (d *FakeDevice) Requests() int { return int(d.requests.Load()) }

// Overlaps returns how often a request started while another was in flight.
func (d *FakeDevice) Overlaps() int { return int(d.overlaps.Load()) }

// Closes returns the number of closed sessions.
func (d *FakeDevice) Closes() int { return int(d.closes.Load()) }

// Dialer returns a dialer that opens sessions against d.
func (d *FakeDevice) Dialer() modbus.Dialer {
	return modbus.DialerFunc(func(ctx context.Context, _ modbus.ClientOptions) (modbus.Master, error) {
		d.dials.Add(1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.DialFault != nil {
			if err := d.DialFault(); err != nil {
				return nil, err
			}
		}
		return &FakeSession{device: d}, nil
	})
}

// FakeSession is one connection to a FakeDevice. It implements modbus.Master.
type FakeSession struct {
	device *FakeDevice
	closed atomic.Bool
}

// Close marks the session closed. Later requests fail with net.ErrClosed.
func (s *FakeSession) Close() error {
	if !s.closed.Swap(true) {
		s.device.closes.Add(1)
	}
	return nil
}

func (s *FakeSession) begin(op string) error {
	d := s.device
	d.requests.Add(1)
	if d.inFlight.Add(1) > 1 {
		d.overlaps.Add(1)
	}
	if s.closed.Load() {
		return &net.OpError{Op: "write", Net: "tcp", Err: net.ErrClosed}
	}
	if d.Latency > 0 {
		time.Sleep(d.Latency)
	}
	if d.Fault != nil {
		if err := d.Fault(op); err != nil {
			return err
		}
	}
	return nil
}

func (s *FakeSession) end() {
	s.device.inFlight.Add(-1)
}

func packBools(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

func (s *FakeSession) readBits(op string, table map[uint16]bool, address, quantity uint16) ([]byte, error) {
	defer s.end()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	values := make([]bool, quantity)
	for i := range values {
		values[i] = table[address+uint16(i)]
	}
	return packBools(values), nil
}

func (s *FakeSession) readWords(op string, table map[uint16]uint16, address, quantity uint16) ([]byte, error) {
	defer s.end()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	out := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(out[i*2:], table[address+uint16(i)])
	}
	return out, nil
}

// ReadCoils implements modbus.Master.
func (s *FakeSession) ReadCoils(address, quantity uint16) ([]byte, error) {
	return s.readBits(modbus.OpReadCoils, s.device.coils, address, quantity)
}

// ReadDiscreteInputs implements modbus.Master.
func (s *FakeSession) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return s.readBits(modbus.OpReadDiscreteInputs, s.device.discrete, address, quantity)
}

// ReadHoldingRegisters implements modbus.Master.
func (s *FakeSession) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return s.readWords(modbus.OpReadHoldingRegisters, s.device.holding, address, quantity)
}

// ReadInputRegisters implements modbus.Master.
func (s *FakeSession) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return s.readWords(modbus.OpReadInputRegisters, s.device.input, address, quantity)
}

// WriteSingleCoil implements modbus.Master.
func (s *FakeSession) WriteSingleCoil(address, value uint16) ([]byte, error) {
	defer s.end()
	if err := s.begin(modbus.OpWriteSingleCoil); err != nil {
		return nil, err
	}
	s.device.SetCoil(address, value == 0xFF00)
	return []byte{byte(value >> 8), byte(value)}, nil
}

// WriteSingleRegister implements modbus.Master.
func (s *FakeSession) WriteSingleRegister(address, value uint16) ([]byte, error) {
	defer s.end()
	if err := s.begin(modbus.OpWriteSingleRegister); err != nil {
		return nil, err
	}
	s.device.SetHolding(address, value)
	return []byte{byte(value >> 8), byte(value)}, nil
}

// WriteMultipleCoils implements modbus.Master.
func (s *FakeSession) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	defer s.end()
	if err := s.begin(modbus.OpWriteMultipleCoils); err != nil {
		return nil, err
	}
	for i := 0; i < int(quantity); i++ {
		s.device.SetCoil(address+uint16(i), value[i/8]&(1<<(uint(i)%8)) != 0)
	}
	return []byte{byte(quantity >> 8), byte(quantity)}, nil
}

// WriteMultipleRegisters implements modbus.Master.
func (s *FakeSession) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	defer s.end()
	if err := s.begin(modbus.OpWriteMultipleRegisters); err != nil {
		return nil, err
	}
	for i := 0; i < int(quantity); i++ {
		s.device.SetHolding(address+uint16(i), binary.BigEndian.Uint16(value[i*2:]))
	}
	return []byte{byte(quantity >> 8), byte(quantity)}, nil
}

// FailTimes returns a Fault that fails the first n requests with err.
func FailTimes(n int, err error) func(string) error {
	var count atomic.Int32
	return func(string) error {
		if int(count.Add(1)) <= n {
			return err
		}
		return nil
	}
}
