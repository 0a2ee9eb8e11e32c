package modbus

import (
	"context"

	"github.com/goburrow/modbus"
)

// Master is one established Modbus TCP session. Payloads use the wire
// layout: registers are big-endian words, coils are packed LSB first.
// Implementations are not required to be safe for concurrent use.
type Master interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	Close() error
}

// Dialer opens a fresh Master for every connection attempt.
type Dialer interface {
	Dial(ctx context.Context, opts ClientOptions) (Master, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, opts ClientOptions) (Master, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, opts ClientOptions) (Master, error) {
	return f(ctx, opts)
}

// tcpMaster binds a goburrow client to the handler owning its socket.
type tcpMaster struct {
	modbus.Client
	handler *modbus.TCPClientHandler
}

func (m *tcpMaster) Close() error {
	return m.handler.Close()
}

// TCPDialer dials devices with the goburrow Modbus TCP transport.
// Go TCP connections have Nagle's algorithm disabled by default.
type TCPDialer struct{}

// Dial connects to opts.Address(). The handler deadline is ConnectTimeout
// while dialing and RequestTimeout for every exchange afterwards.
func (TCPDialer) Dial(ctx context.Context, opts ClientOptions) (Master, error) {
	handler := modbus.NewTCPClientHandler(opts.Address())
	handler.Timeout = opts.ConnectTimeout
	handler.SlaveId = opts.UnitID
	// The client closes idle sessions itself; a goburrow idle close would
	// leave the client reporting connected and redial behind its back.
	handler.IdleTimeout = 0

	// Use context for connection timeout
	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		go func() {
			if err := <-connectDone; err == nil {
				_ = handler.Close()
			}
		}()
		return nil, ctx.Err()
	}

	handler.Timeout = opts.RequestTimeout
	return &tcpMaster{Client: modbus.NewClient(handler), handler: handler}, nil
}
