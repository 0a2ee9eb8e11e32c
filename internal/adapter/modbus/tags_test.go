package modbus_test

import (
	"context"
	"errors"
	"math"
	"testing"

	gomodbus "github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-gateway/internal/domain"
	"github.com/nexus-edge/modbus-gateway/testing/mocks"
)

func newTestReader(t *testing.T, dev *mocks.FakeDevice) *modbus.TagReader {
	t.Helper()
	return modbus.NewTagReader(newTestClient(t, dev, nil), zerolog.Nop())
}

func TestTagReader_ReadTag(t *testing.T) {
	dev := mocks.NewFakeDevice()
	dev.SetHolding(0, 0x42F6, 0xE666)
	dev.SetHolding(10, 0xE666, 0x42F6)
	dev.SetHolding(20, 235)
	dev.SetHolding(21, 0xFFF6)
	dev.SetInput(0, 0x0001, 0x86A0)
	dev.SetCoil(4, true)
	dev.SetDiscrete(7, true)
	reader := newTestReader(t, dev)

	tests := []struct {
		name string
		tag  domain.TagDescriptor
		want interface{}
	}{
		{
			name: "float",
			tag:  domain.TagDescriptor{Type: domain.RegisterTypeHolding, Address: 0, DataType: domain.DataTypeFloat},
			want: float32(123.45),
		},
		{
			name: "float with tag word order",
			tag: domain.TagDescriptor{
				Type: domain.RegisterTypeHolding, Address: 10, DataType: domain.DataTypeFloat,
				WordOrder: domain.WordOrderBADC,
			},
			want: float32(123.45),
		},
		{
			name: "scaled int16",
			tag:  domain.TagDescriptor{Type: domain.RegisterTypeHolding, Address: 20, DataType: domain.DataTypeInt16, Scale: 0.1},
			want: 23.5,
		},
		{
			name: "signed with offset",
			tag:  domain.TagDescriptor{Type: domain.RegisterTypeHolding, Address: 21, DataType: domain.DataTypeInt16, Scale: 0.5, Offset: 1},
			want: -4.0,
		},
		{
			name: "unscaled uint16 keeps native type",
			tag:  domain.TagDescriptor{Type: domain.RegisterTypeHolding, Address: 20, DataType: domain.DataTypeUInt16},
			want: uint16(235),
		},
		{
			name: "input uint32",
			tag:  domain.TagDescriptor{Type: domain.RegisterTypeInput, Address: 0, DataType: domain.DataTypeUInt32},
			want: uint32(100000),
		},
		{
			name: "coil",
			tag:  domain.TagDescriptor{Type: domain.RegisterTypeCoil, Address: 4},
			want: true,
		},
		{
			name: "discrete",
			tag:  domain.TagDescriptor{Type: domain.RegisterTypeDiscrete, Address: 7},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reader.ReadTag(context.Background(), tt.name, tt.tag)
			if err != nil {
				t.Fatalf("ReadTag() error = %v", err)
			}
			switch want := tt.want.(type) {
			case float32:
				f, ok := got.(float32)
				if !ok || math.Abs(float64(f-want)) > 1e-3 {
					t.Errorf("ReadTag() = %v (%T), want %v", got, got, want)
				}
			case float64:
				f, ok := got.(float64)
				if !ok || math.Abs(f-want) > 1e-9 {
					t.Errorf("ReadTag() = %v (%T), want %v", got, got, want)
				}
			default:
				if got != tt.want {
					t.Errorf("ReadTag() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
				}
			}
		})
	}
}

func TestTagReader_ReadTag_InvalidDescriptor(t *testing.T) {
	dev := mocks.NewFakeDevice()
	reader := newTestReader(t, dev)

	_, err := reader.ReadTag(context.Background(), "bad", domain.TagDescriptor{
		Type: domain.RegisterTypeHolding, DataType: domain.DataTypeFloat, Length: 1,
	})
	if !errors.Is(err, domain.ErrConfiguration) || !errors.Is(err, domain.ErrInvalidRegisterCount) {
		t.Errorf("error = %v, want invalid register count", err)
	}
	if dev.Dials() != 0 {
		t.Errorf("Dials() = %d, want 0", dev.Dials())
	}
}

func TestTagReader_WriteTag(t *testing.T) {
	dev := mocks.NewFakeDevice()
	reader := newTestReader(t, dev)
	ctx := context.Background()

	setpoint := domain.TagDescriptor{
		Type: domain.RegisterTypeHolding, Address: 0, DataType: domain.DataTypeUInt16,
		Scale: 0.1, Writable: true,
	}
	if err := reader.WriteTag(ctx, "setpoint", setpoint, 25.5); err != nil {
		t.Fatalf("WriteTag(25.5) error = %v", err)
	}
	if got := dev.Holding(0, 1)[0]; got != 255 {
		t.Errorf("register = %d, want 255", got)
	}

	counter := domain.TagDescriptor{Type: domain.RegisterTypeHolding, Address: 10, DataType: domain.DataTypeInt32, Writable: true}
	if err := reader.WriteTag(ctx, "counter", counter, int64(-2000000001)); err != nil {
		t.Fatalf("WriteTag(int32) error = %v", err)
	}
	got, err := reader.ReadTag(ctx, "counter", counter)
	if err != nil || got != int32(-2000000001) {
		t.Errorf("int32 read back = %v (%T), %v", got, got, err)
	}

	flow := domain.TagDescriptor{
		Type: domain.RegisterTypeHolding, Address: 20, DataType: domain.DataTypeFloat,
		WordOrder: domain.WordOrderDCBA, Writable: true,
	}
	if err := reader.WriteTag(ctx, "flow", flow, 123.45); err != nil {
		t.Fatalf("WriteTag(float) error = %v", err)
	}
	v, err := reader.ReadTag(ctx, "flow", flow)
	if f, ok := v.(float32); err != nil || !ok || f != float32(123.45) {
		t.Errorf("float read back = %v (%T), %v", v, v, err)
	}

	motor := domain.TagDescriptor{Type: domain.RegisterTypeCoil, Address: 2, Writable: true}
	if err := reader.WriteTag(ctx, "motor", motor, "on"); err != nil {
		t.Fatalf("WriteTag(coil) error = %v", err)
	}
	if !dev.Coil(2) {
		t.Error("coil 2 not set")
	}

	// Saturates instead of wrapping.
	if err := reader.WriteTag(ctx, "setpoint", setpoint, 1e9); err != nil {
		t.Fatalf("WriteTag(1e9) error = %v", err)
	}
	if got := dev.Holding(0, 1)[0]; got != 0xFFFF {
		t.Errorf("saturated register = %d, want 65535", got)
	}
}

func TestTagReader_WriteTag_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		tag     domain.TagDescriptor
		value   interface{}
		wantErr error
	}{
		{
			name:    "holding not marked writable",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeHolding, DataType: domain.DataTypeUInt16},
			value:   1,
			wantErr: domain.ErrTagNotWritable,
		},
		{
			name:    "input register",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeInput, DataType: domain.DataTypeUInt16, Writable: true},
			value:   1,
			wantErr: domain.ErrTagNotWritable,
		},
		{
			name:    "discrete input",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeDiscrete},
			value:   true,
			wantErr: domain.ErrTagNotWritable,
		},
		{
			name:    "string for register",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeHolding, DataType: domain.DataTypeUInt16, Writable: true},
			value:   "fast",
			wantErr: domain.ErrInvalidWriteValue,
		},
		{
			name:    "NaN for integer",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeHolding, DataType: domain.DataTypeInt16, Writable: true},
			value:   math.NaN(),
			wantErr: domain.ErrInvalidWriteValue,
		},
		{
			name:    "struct for coil",
			tag:     domain.TagDescriptor{Type: domain.RegisterTypeCoil, Writable: true},
			value:   struct{}{},
			wantErr: domain.ErrInvalidWriteValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := mocks.NewFakeDevice()
			reader := newTestReader(t, dev)

			err := reader.WriteTag(context.Background(), tt.name, tt.tag, tt.value)
			if !errors.Is(err, domain.ErrConfiguration) || !errors.Is(err, tt.wantErr) {
				t.Errorf("WriteTag() error = %v, want %v", err, tt.wantErr)
			}
			if dev.Dials() != 0 || dev.Requests() != 0 {
				t.Errorf("dials=%d requests=%d, want no I/O", dev.Dials(), dev.Requests())
			}
		})
	}
}

func TestTagReader_ReadTags_PartialFailure(t *testing.T) {
	dev := mocks.NewFakeDevice()
	dev.SetHolding(0, 100)
	dev.SetCoil(0, true)
	dev.Fault = func(op string) error {
		if op == modbus.OpReadInputRegisters {
			return &gomodbus.ModbusError{FunctionCode: 0x84, ExceptionCode: gomodbus.ExceptionCodeIllegalDataAddress}
		}
		return nil
	}
	reader := newTestReader(t, dev)

	tags := map[string]domain.TagDescriptor{
		"level":   {Type: domain.RegisterTypeHolding, Address: 0, DataType: domain.DataTypeUInt16},
		"missing": {Type: domain.RegisterTypeInput, Address: 500, DataType: domain.DataTypeUInt16},
		"pump":    {Type: domain.RegisterTypeCoil, Address: 0},
	}

	values := reader.ReadTags(context.Background(), tags)
	if len(values) != 3 {
		t.Fatalf("ReadTags() returned %d entries, want 3", len(values))
	}
	if values["level"] != uint16(100) {
		t.Errorf("level = %v, want 100", values["level"])
	}
	if values["pump"] != true {
		t.Errorf("pump = %v, want true", values["pump"])
	}
	if v, ok := values["missing"]; !ok || v != nil {
		t.Errorf("missing = %v (present %v), want nil entry", v, ok)
	}

	points := reader.ReadTagPoints(context.Background(), tags)
	names := []string{"level", "missing", "pump"}
	for i, dp := range points {
		if dp.Tag != names[i] {
			t.Errorf("point %d tag = %q, want %q", i, dp.Tag, names[i])
		}
		if dp.Client != "test" {
			t.Errorf("point %d client = %q, want test", i, dp.Client)
		}
	}
	if points[1].Quality != domain.QualityDeviceError || points[1].Error == "" {
		t.Errorf("missing point = %+v, want device_error with message", points[1])
	}
	if points[0].Quality != domain.QualityGood || points[0].RawValue != uint16(100) {
		t.Errorf("level point = %+v", points[0])
	}
}

func TestTagReader_ReadTagPoints_Canceled(t *testing.T) {
	dev := mocks.NewFakeDevice()
	reader := newTestReader(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	points := reader.ReadTagPoints(ctx, map[string]domain.TagDescriptor{
		"a": {Type: domain.RegisterTypeCoil},
		"b": {Type: domain.RegisterTypeCoil, Address: 1},
	})
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	for _, dp := range points {
		if dp.Quality == domain.QualityGood || dp.Value != nil {
			t.Errorf("point %s = %+v, want failed", dp.Tag, dp)
		}
	}
	if dev.Requests() != 0 {
		t.Errorf("Requests() = %d, want 0", dev.Requests())
	}
}

func TestTagReader_Diagnostics(t *testing.T) {
	dev := mocks.NewFakeDevice()
	reader := newTestReader(t, dev)
	ctx := context.Background()

	tag := domain.TagDescriptor{Type: domain.RegisterTypeHolding, Address: 1, DataType: domain.DataTypeUInt16, Writable: true}
	for i := 0; i < 3; i++ {
		if _, err := reader.ReadTag(ctx, "speed", tag); err != nil {
			t.Fatalf("ReadTag() error = %v", err)
		}
	}
	if err := reader.WriteTag(ctx, "speed", tag, 1200); err != nil {
		t.Fatalf("WriteTag() error = %v", err)
	}
	_ = reader.WriteTag(ctx, "speed", tag, "bad")

	diag := reader.Client().GetTagDiagnostic("speed")
	if diag == nil {
		t.Fatal("no diagnostic recorded for speed")
	}
	stats := diag.Snapshot()
	if stats.ReadCount != 3 || stats.WriteCount != 1 || stats.ErrorCount != 1 {
		t.Errorf("stats = %+v, want 3 reads, 1 write, 1 error", stats)
	}
	if stats.LastError == "" {
		t.Error("LastError not recorded")
	}
	if all := reader.Client().GetAllTagDiagnostics(); len(all) != 1 || all[0].Tag != "speed" {
		t.Errorf("GetAllTagDiagnostics() = %+v", all)
	}
}
