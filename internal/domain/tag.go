// Package domain contains core business entities.
package domain

import (
	"fmt"
	"math"
	"strings"
)

// RegisterType is the Modbus data table a tag lives in.
type RegisterType int

const (
	RegisterTypeCoil     RegisterType = iota + 1 // Read/Write, 1 bit
	RegisterTypeDiscrete                         // Read-only, 1 bit
	RegisterTypeHolding                          // Read/Write, 16 bits
	RegisterTypeInput                            // Read-only, 16 bits
)

// ParseRegisterType parses the configuration spelling of a register type.
func ParseRegisterType(s string) (RegisterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coil", "coils":
		return RegisterTypeCoil, nil
	case "discrete", "discrete_input":
		return RegisterTypeDiscrete, nil
	case "holding", "holding_register":
		return RegisterTypeHolding, nil
	case "input", "input_register":
		return RegisterTypeInput, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRegisterType, s)
	}
}

// String returns the configuration spelling.
func (r RegisterType) String() string {
	switch r {
	case RegisterTypeCoil:
		return "coil"
	case RegisterTypeDiscrete:
		return "discrete"
	case RegisterTypeHolding:
		return "holding"
	case RegisterTypeInput:
		return "input"
	default:
		return fmt.Sprintf("RegisterType(%d)", int(r))
	}
}

// IsBit reports whether the register type addresses single bits.
func (r RegisterType) IsBit() bool {
	return r == RegisterTypeCoil || r == RegisterTypeDiscrete
}

// IsWritable reports whether the Modbus data table accepts writes at all.
func (r RegisterType) IsWritable() bool {
	switch r {
	case RegisterTypeCoil, RegisterTypeHolding:
		return true
	default:
		return false
	}
}

// DataType is the interpretation of the register words of a tag.
type DataType int

const (
	DataTypeNone DataType = iota
	DataTypeInt16
	DataTypeUInt16
	DataTypeInt32
	DataTypeUInt32
	DataTypeFloat
)

// ParseDataType parses the configuration spelling of a data type.
// An empty string yields DataTypeNone, which is only legal for bit tags.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bool":
		return DataTypeNone, nil
	case "int16":
		return DataTypeInt16, nil
	case "uint16":
		return DataTypeUInt16, nil
	case "int32":
		return DataTypeInt32, nil
	case "uint32":
		return DataTypeUInt32, nil
	case "float", "float32":
		return DataTypeFloat, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDataType, s)
	}
}

// String returns the configuration spelling.
func (d DataType) String() string {
	switch d {
	case DataTypeNone:
		return "bool"
	case DataTypeInt16:
		return "int16"
	case DataTypeUInt16:
		return "uint16"
	case DataTypeInt32:
		return "int32"
	case DataTypeUInt32:
		return "uint32"
	case DataTypeFloat:
		return "float"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// RegisterCount returns the number of 16-bit registers the type occupies.
func (d DataType) RegisterCount() uint16 {
	switch d {
	case DataTypeInt16, DataTypeUInt16:
		return 1
	case DataTypeInt32, DataTypeUInt32, DataTypeFloat:
		return 2
	default:
		return 0
	}
}

// Signed reports whether the type is a signed integer.
func (d DataType) Signed() bool {
	return d == DataTypeInt16 || d == DataTypeInt32
}

// Endianness is the byte order inside a single 16-bit register.
type Endianness string

const (
	BigEndian    Endianness = "BigEndian"
	LittleEndian Endianness = "LittleEndian"
)

// ParseEndianness accepts BigEndian/LittleEndian in any case, with or without separators.
func ParseEndianness(s string) (Endianness, error) {
	switch strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(s)) {
	case "bigendian", "big":
		return BigEndian, nil
	case "littleendian", "little":
		return LittleEndian, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEndianness, s)
	}
}

// Valid reports whether e is one of the two defined orders.
func (e Endianness) Valid() bool {
	return e == BigEndian || e == LittleEndian
}

// WordOrder is the byte-group permutation applied when two registers form a 32-bit value.
type WordOrder string

const (
	WordOrderABCD WordOrder = "ABCD"
	WordOrderBADC WordOrder = "BADC"
	WordOrderCDAB WordOrder = "CDAB"
	WordOrderDCBA WordOrder = "DCBA"
)

// WordOrders lists every legal word order.
var WordOrders = []WordOrder{WordOrderABCD, WordOrderBADC, WordOrderCDAB, WordOrderDCBA}

// ParseWordOrder accepts the four order names in any case.
func ParseWordOrder(s string) (WordOrder, error) {
	w := WordOrder(strings.ToUpper(strings.TrimSpace(s)))
	if !w.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidWordOrder, s)
	}
	return w, nil
}

// Valid reports whether w is one of the four defined orders.
func (w WordOrder) Valid() bool {
	switch w {
	case WordOrderABCD, WordOrderBADC, WordOrderCDAB, WordOrderDCBA:
		return true
	default:
		return false
	}
}

// TagDescriptor maps a symbolic tag onto the device's address space.
type TagDescriptor struct {
	// Type selects the Modbus data table.
	Type RegisterType

	// Address is the 0-based start address.
	Address uint16

	// Length is the number of registers (or bits) read. Zero means the natural size of DataType.
	Length uint16

	// DataType is the interpretation of register words. Ignored for bit tags.
	DataType DataType

	// Scale is multiplied with the raw value. Zero means 1.0.
	Scale float64

	// Offset is added to the scaled value.
	Offset float64

	// Unit is the engineering unit label (e.g. "°C", "bar").
	Unit string

	Description string

	// Endianness and WordOrder override the client defaults when set.
	Endianness Endianness
	WordOrder  WordOrder

	Writable bool
}

// EffectiveScale returns the scale with the 1.0 default applied.
func (t TagDescriptor) EffectiveScale() float64 {
	if t.Scale == 0 {
		return 1.0
	}
	return t.Scale
}

// EffectiveLength returns the length with the natural-size default applied.
func (t TagDescriptor) EffectiveLength() uint16 {
	if t.Length != 0 {
		return t.Length
	}
	if t.Type.IsBit() {
		return 1
	}
	return t.DataType.RegisterCount()
}

// HasScaling reports whether the descriptor changes raw values.
func (t TagDescriptor) HasScaling() bool {
	return t.EffectiveScale() != 1.0 || t.Offset != 0
}

// IsWritable reports whether writes to this tag are permitted.
// Discrete inputs and input registers are never writable.
func (t TagDescriptor) IsWritable() bool {
	return t.Writable && t.Type.IsWritable()
}

// Validate checks the descriptor without touching the network.
func (t TagDescriptor) Validate() error {
	switch t.Type {
	case RegisterTypeCoil, RegisterTypeDiscrete:
		if l := t.EffectiveLength(); l != 1 {
			return fmt.Errorf("%w: %s tag length must be 1, got %d", ErrInvalidRegisterCount, t.Type, l)
		}
	case RegisterTypeHolding, RegisterTypeInput:
		want := t.DataType.RegisterCount()
		if want == 0 {
			return fmt.Errorf("%w: %s tags require int16, uint16, int32, uint32 or float", ErrInvalidDataType, t.Type)
		}
		if l := t.EffectiveLength(); l != want {
			return fmt.Errorf("%w: %s requires %d registers, got %d", ErrInvalidRegisterCount, t.DataType, want, l)
		}
	default:
		return fmt.Errorf("%w: %d", ErrInvalidRegisterType, int(t.Type))
	}
	if end := uint32(t.Address) + uint32(t.EffectiveLength()); end > 0x10000 {
		return fmt.Errorf("%w: %s tag at %d spans %d items past address 65535",
			ErrInvalidQuantity, t.Type, t.Address, t.EffectiveLength())
	}

	if t.Writable && !t.Type.IsWritable() {
		return fmt.Errorf("%w: %s tags are read-only", ErrTagNotWritable, t.Type)
	}
	if math.IsNaN(t.Scale) || math.IsInf(t.Scale, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidScale, t.Scale)
	}
	if math.IsNaN(t.Offset) || math.IsInf(t.Offset, 0) {
		return fmt.Errorf("%w: offset %v", ErrInvalidScale, t.Offset)
	}
	if t.Endianness != "" && !t.Endianness.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEndianness, t.Endianness)
	}
	if t.WordOrder != "" && !t.WordOrder.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidWordOrder, t.WordOrder)
	}
	return nil
}
