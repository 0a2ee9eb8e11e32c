// Package modbus provides data type conversion utilities for Modbus communication.
package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"

	"github.com/nexus-edge/modbus-gateway/internal/domain"
)

// Register words handed to the codec are the values decoded from the wire
// (high byte first). Endianness describes how the device lays its bytes out
// inside one word; word order describes how two words form a 32-bit value.

// wordOrderPermutations maps each word order to the source byte index for
// every output position. All four permutations are their own inverse.
// BADC swaps the two words and CDAB swaps the bytes inside each word; this is
// the reverse of the labels many device manuals use, and configured tag maps
// depend on it, so the rows must not be exchanged.
var wordOrderPermutations = map[domain.WordOrder][4]int{
	domain.WordOrderABCD: {0, 1, 2, 3},
	domain.WordOrderBADC: {2, 3, 0, 1},
	domain.WordOrderCDAB: {1, 0, 3, 2},
	domain.WordOrderDCBA: {3, 2, 1, 0},
}

func swapBytes(v uint16) uint16 {
	return v<<8 | v>>8
}

func adjustWord(v uint16, e domain.Endianness) uint16 {
	if e == domain.LittleEndian {
		return swapBytes(v)
	}
	return v
}

// ToUInt16 decodes a single register.
func ToUInt16(register uint16, e domain.Endianness) uint16 {
	return adjustWord(register, e)
}

// ToInt16 decodes a single register as a two's complement value.
func ToInt16(register uint16, e domain.Endianness) int16 {
	return int16(adjustWord(register, e))
}

// FromUInt16 encodes v into a single register.
func FromUInt16(v uint16, e domain.Endianness) uint16 {
	return adjustWord(v, e)
}

// FromInt16 encodes v into a single register.
func FromInt16(v int16, e domain.Endianness) uint16 {
	return adjustWord(uint16(v), e)
}

func permute(in [4]byte, w domain.WordOrder) [4]byte {
	p, ok := wordOrderPermutations[w]
	if !ok {
		p = wordOrderPermutations[domain.WordOrderABCD]
	}
	var out [4]byte
	for i, src := range p {
		out[i] = in[src]
	}
	return out
}

// registersToUint32 joins two registers into the 32-bit pattern they encode.
func registersToUint32(op string, regs []uint16, e domain.Endianness, w domain.WordOrder) (uint32, error) {
	if len(regs) != 2 {
		return 0, domain.ConfigErrorf(op, domain.ErrInvalidRegisterCount, "need exactly 2 registers, got %d", len(regs))
	}
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[0:2], adjustWord(regs[0], e))
	binary.BigEndian.PutUint16(buf[2:4], adjustWord(regs[1], e))
	buf = permute(buf, w)
	return binary.BigEndian.Uint32(buf[:]), nil
}

// uint32ToRegisters is the inverse of registersToUint32.
func uint32ToRegisters(v uint32, e domain.Endianness, w domain.WordOrder) []uint16 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	buf = permute(buf, w)
	return []uint16{
		adjustWord(binary.BigEndian.Uint16(buf[0:2]), e),
		adjustWord(binary.BigEndian.Uint16(buf[2:4]), e),
	}
}

// ToInt32 decodes two registers as a signed 32-bit integer.
func ToInt32(regs []uint16, e domain.Endianness, w domain.WordOrder) (int32, error) {
	v, err := registersToUint32("to_int32", regs, e, w)
	return int32(v), err
}

// ToUInt32 decodes two registers as an unsigned 32-bit integer.
func ToUInt32(regs []uint16, e domain.Endianness, w domain.WordOrder) (uint32, error) {
	return registersToUint32("to_uint32", regs, e, w)
}

// ToFloat decodes two registers as an IEEE-754 single precision value.
// NaN and infinity bit patterns are preserved.
func ToFloat(regs []uint16, e domain.Endianness, w domain.WordOrder) (float32, error) {
	v, err := registersToUint32("to_float", regs, e, w)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// FromInt32 encodes v into two registers.
func FromInt32(v int32, e domain.Endianness, w domain.WordOrder) []uint16 {
	return uint32ToRegisters(uint32(v), e, w)
}

// FromUInt32 encodes v into two registers.
func FromUInt32(v uint32, e domain.Endianness, w domain.WordOrder) []uint16 {
	return uint32ToRegisters(v, e, w)
}

// FromFloat encodes v into two registers.
func FromFloat(v float32, e domain.Endianness, w domain.WordOrder) []uint16 {
	return uint32ToRegisters(math.Float32bits(v), e, w)
}

// ApplyLinearScaling converts a raw value to engineering units.
func ApplyLinearScaling(raw, scale, offset float64) float64 {
	return raw*scale + offset
}

// RemoveLinearScaling converts an engineering value back to raw units.
// A zero scale is treated as 1.0.
func RemoveLinearScaling(value, scale, offset float64) float64 {
	if scale == 0 {
		scale = 1
	}
	return (value - offset) / scale
}

// ScaleRegister decodes a single register and applies linear scaling.
func ScaleRegister(register uint16, signed bool, e domain.Endianness, scale, offset float64) float64 {
	var raw float64
	if signed {
		raw = float64(ToInt16(register, e))
	} else {
		raw = float64(ToUInt16(register, e))
	}
	return ApplyLinearScaling(raw, scale, offset)
}

// UnscaleToRegister removes scaling from value and encodes it into a single
// register. Values outside the register range saturate at the boundary.
func UnscaleToRegister(value float64, signed bool, e domain.Endianness, scale, offset float64) uint16 {
	raw := math.Round(RemoveLinearScaling(value, scale, offset))
	if signed {
		return FromInt16(int16(clamp(raw, math.MinInt16, math.MaxInt16)), e)
	}
	return FromUInt16(uint16(clamp(raw, 0, math.MaxUint16)), e)
}

// clamp bounds v to [lo, hi]. NaN maps to zero clamped into range.
func clamp[T constraints.Float | constraints.Integer](v, lo, hi T) T {
	if v != v {
		v = 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// decodeRegisters converts the registers of a tag into its raw typed value.
func decodeRegisters(regs []uint16, dt domain.DataType, e domain.Endianness, w domain.WordOrder) (interface{}, error) {
	want := int(dt.RegisterCount())
	if want == 0 {
		return nil, domain.ConfigErrorf("decode", domain.ErrInvalidDataType, "%s", dt)
	}
	if len(regs) != want {
		return nil, domain.ConfigErrorf("decode", domain.ErrInvalidRegisterCount, "%s needs %d registers, got %d", dt, want, len(regs))
	}

	switch dt {
	case domain.DataTypeInt16:
		return ToInt16(regs[0], e), nil
	case domain.DataTypeUInt16:
		return ToUInt16(regs[0], e), nil
	case domain.DataTypeInt32:
		return ToInt32(regs, e, w)
	case domain.DataTypeUInt32:
		return ToUInt32(regs, e, w)
	case domain.DataTypeFloat:
		return ToFloat(regs, e, w)
	default:
		return nil, domain.ConfigErrorf("decode", domain.ErrInvalidDataType, "%s", dt)
	}
}

// encodeValue converts a raw (already unscaled) value into registers.
// Integer targets round to nearest and saturate at the type's range.
func encodeValue(raw float64, dt domain.DataType, e domain.Endianness, w domain.WordOrder) ([]uint16, error) {
	if math.IsNaN(raw) && dt != domain.DataTypeFloat {
		return nil, domain.ConfigErrorf("encode", domain.ErrInvalidWriteValue, "NaN cannot be written as %s", dt)
	}

	switch dt {
	case domain.DataTypeInt16:
		return []uint16{FromInt16(int16(clamp(math.Round(raw), math.MinInt16, math.MaxInt16)), e)}, nil
	case domain.DataTypeUInt16:
		return []uint16{FromUInt16(uint16(clamp(math.Round(raw), 0, math.MaxUint16)), e)}, nil
	case domain.DataTypeInt32:
		return FromInt32(int32(clamp(math.Round(raw), math.MinInt32, math.MaxInt32)), e, w), nil
	case domain.DataTypeUInt32:
		return FromUInt32(uint32(clamp(math.Round(raw), 0, math.MaxUint32)), e, w), nil
	case domain.DataTypeFloat:
		return FromFloat(float32(raw), e, w), nil
	default:
		return nil, domain.ConfigErrorf("encode", domain.ErrInvalidDataType, "%s", dt)
	}
}

// toBool converts a value to bool.
func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch val {
		case "true", "1", "on":
			return true, true
		case "false", "0", "off":
			return false, true
		}
		return false, false
	default:
		if f, ok := toFloat64(v); ok {
			return f != 0, true
		}
		return false, false
	}
}

// toFloat64 converts a value to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// invalidWrite builds the configuration error for an unconvertible write value.
func invalidWrite(value interface{}, target string) error {
	return domain.NewConfigError("write_tag", fmt.Errorf("%w: cannot convert %T to %s", domain.ErrInvalidWriteValue, value, target))
}
