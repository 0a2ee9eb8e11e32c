package domain_test

import (
	"errors"
	"math"
	"testing"

	"github.com/nexus-edge/modbus-gateway/internal/domain"
)

func TestTagDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tag     domain.TagDescriptor
		wantErr error
	}{
		{
			name: "valid float holding tag",
			tag: domain.TagDescriptor{
				Type:     domain.RegisterTypeHolding,
				Address:  40010,
				Length:   2,
				DataType: domain.DataTypeFloat,
				Scale:    1.0,
			},
		},
		{
			name: "length defaults to natural size",
			tag: domain.TagDescriptor{
				Type:     domain.RegisterTypeInput,
				Address:  3,
				DataType: domain.DataTypeUInt32,
			},
		},
		{
			name: "valid writable coil",
			tag:  domain.TagDescriptor{Type: domain.RegisterTypeCoil, Writable: true},
		},
		{
			name:    "unknown register type",
			tag:     domain.TagDescriptor{DataType: domain.DataTypeInt16},
			wantErr: domain.ErrInvalidRegisterType,
		},
		{
			name:    "holding without data type",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeHolding, Length: 1},
			wantErr: domain.ErrInvalidDataType,
		},
		{
			name: "length does not match int32",
			tag: domain.TagDescriptor{
				Type:     domain.RegisterTypeHolding,
				Length:   1,
				DataType: domain.DataTypeInt32,
			},
			wantErr: domain.ErrInvalidRegisterCount,
		},
		{
			name: "length of four rejected for float",
			tag: domain.TagDescriptor{
				Type:     domain.RegisterTypeHolding,
				Length:   4,
				DataType: domain.DataTypeFloat,
			},
			wantErr: domain.ErrInvalidRegisterCount,
		},
		{
			name:    "coil with length two",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeCoil, Length: 2},
			wantErr: domain.ErrInvalidRegisterCount,
		},
		{
			name:    "writable discrete input",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeDiscrete, Writable: true},
			wantErr: domain.ErrTagNotWritable,
		},
		{
			name: "writable input register",
			tag: domain.TagDescriptor{
				Type:     domain.RegisterTypeInput,
				DataType: domain.DataTypeInt16,
				Writable: true,
			},
			wantErr: domain.ErrTagNotWritable,
		},
		{
			name:    "coil at last address",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeCoil, Address: 65535},
		},
		{
			name: "int16 at last address",
			tag: domain.TagDescriptor{
				Type:     domain.RegisterTypeHolding,
				Address:  65535,
				DataType: domain.DataTypeInt16,
			},
		},
		{
			name: "float past end of address space",
			tag: domain.TagDescriptor{
				Type:     domain.RegisterTypeHolding,
				Address:  65535,
				DataType: domain.DataTypeFloat,
			},
			wantErr: domain.ErrInvalidQuantity,
		},
		{
			name: "NaN scale",
			tag: domain.TagDescriptor{
				Type:     domain.RegisterTypeHolding,
				DataType: domain.DataTypeInt16,
				Scale:    math.NaN(),
			},
			wantErr: domain.ErrInvalidScale,
		},
		{
			name: "bad word order override",
			tag: domain.TagDescriptor{
				Type:      domain.RegisterTypeHolding,
				DataType:  domain.DataTypeFloat,
				WordOrder: "ACBD",
			},
			wantErr: domain.ErrInvalidWordOrder,
		},
		{
			name: "bad endianness override",
			tag: domain.TagDescriptor{
				Type:       domain.RegisterTypeHolding,
				DataType:   domain.DataTypeInt16,
				Endianness: "middle",
			},
			wantErr: domain.ErrInvalidEndianness,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tag.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDataType_RegisterCount(t *testing.T) {
	tests := []struct {
		dataType domain.DataType
		want     uint16
	}{
		{domain.DataTypeNone, 0},
		{domain.DataTypeInt16, 1},
		{domain.DataTypeUInt16, 1},
		{domain.DataTypeInt32, 2},
		{domain.DataTypeUInt32, 2},
		{domain.DataTypeFloat, 2},
	}

	for _, tt := range tests {
		t.Run(tt.dataType.String(), func(t *testing.T) {
			if got := tt.dataType.RegisterCount(); got != tt.want {
				t.Errorf("RegisterCount() for %s = %v, want %v", tt.dataType, got, tt.want)
			}
		})
	}
}

func TestTagDescriptor_IsWritable(t *testing.T) {
	tests := []struct {
		name string
		tag  domain.TagDescriptor
		want bool
	}{
		{"writable coil", domain.TagDescriptor{Type: domain.RegisterTypeCoil, Writable: true}, true},
		{"writable holding", domain.TagDescriptor{Type: domain.RegisterTypeHolding, Writable: true}, true},
		{"holding without flag", domain.TagDescriptor{Type: domain.RegisterTypeHolding}, false},
		{"discrete with flag", domain.TagDescriptor{Type: domain.RegisterTypeDiscrete, Writable: true}, false},
		{"input with flag", domain.TagDescriptor{Type: domain.RegisterTypeInput, Writable: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tag.IsWritable(); got != tt.want {
				t.Errorf("IsWritable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTagDescriptor_EffectiveScale(t *testing.T) {
	if got := (domain.TagDescriptor{}).EffectiveScale(); got != 1.0 {
		t.Errorf("zero scale should default to 1.0, got %v", got)
	}
	if got := (domain.TagDescriptor{Scale: 0.1}).EffectiveScale(); got != 0.1 {
		t.Errorf("expected 0.1, got %v", got)
	}
	if (domain.TagDescriptor{Scale: 1}).HasScaling() {
		t.Error("identity scaling should report no scaling")
	}
	if !(domain.TagDescriptor{Offset: -40}).HasScaling() {
		t.Error("offset should report scaling")
	}
}

func TestParseRegisterType(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.RegisterType
		wantErr bool
	}{
		{"coil", domain.RegisterTypeCoil, false},
		{"Discrete", domain.RegisterTypeDiscrete, false},
		{"holding", domain.RegisterTypeHolding, false},
		{" input ", domain.RegisterTypeInput, false},
		{"holding_register", domain.RegisterTypeHolding, false},
		{"register", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := domain.ParseRegisterType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRegisterType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRegisterType(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseEncoding(t *testing.T) {
	for _, in := range []string{"BigEndian", "big_endian", "big"} {
		if e, err := domain.ParseEndianness(in); err != nil || e != domain.BigEndian {
			t.Errorf("ParseEndianness(%q) = %v, %v", in, e, err)
		}
	}
	if e, err := domain.ParseEndianness("LittleEndian"); err != nil || e != domain.LittleEndian {
		t.Errorf("ParseEndianness(LittleEndian) = %v, %v", e, err)
	}
	if _, err := domain.ParseEndianness("pdp"); !errors.Is(err, domain.ErrInvalidEndianness) {
		t.Errorf("expected ErrInvalidEndianness, got %v", err)
	}

	for _, w := range domain.WordOrders {
		got, err := domain.ParseWordOrder(string(w))
		if err != nil || got != w {
			t.Errorf("ParseWordOrder(%q) = %v, %v", w, got, err)
		}
	}
	if got, err := domain.ParseWordOrder("cdab"); err != nil || got != domain.WordOrderCDAB {
		t.Errorf("ParseWordOrder(cdab) = %v, %v", got, err)
	}
	if _, err := domain.ParseWordOrder("ABDC"); !errors.Is(err, domain.ErrInvalidWordOrder) {
		t.Errorf("expected ErrInvalidWordOrder, got %v", err)
	}
}
