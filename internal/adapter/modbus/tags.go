package modbus

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-gateway/internal/domain"
)

// TagReader reads and writes symbolic tags through a Client.
type TagReader struct {
	client *Client
	logger zerolog.Logger
}

// NewTagReader creates a tag reader bound to client.
func NewTagReader(client *Client, logger zerolog.Logger) *TagReader {
	return &TagReader{
		client: client,
		logger: logger.With().
			Str("component", "modbus-tags").
			Str("client_id", client.ClientID()).
			Logger(),
	}
}

// Client returns the underlying client.
func (r *TagReader) Client() *Client {
	return r.client
}

func (r *TagReader) encoding(tag domain.TagDescriptor) (domain.Endianness, domain.WordOrder) {
	e, w := r.client.opts.Endianness, r.client.opts.WordOrder
	if tag.Endianness != "" {
		e = tag.Endianness
	}
	if tag.WordOrder != "" {
		w = tag.WordOrder
	}
	return e, w
}

// ReadTag reads one tag and returns its value: bool for coil and discrete
// tags, the declared numeric type for registers, or float64 when the tag
// applies scaling.
func (r *TagReader) ReadTag(ctx context.Context, name string, tag domain.TagDescriptor) (interface{}, error) {
	v, _, err := r.readTag(ctx, name, tag)
	return v, err
}

func (r *TagReader) readTag(ctx context.Context, name string, tag domain.TagDescriptor) (value, raw interface{}, err error) {
	if err := tag.Validate(); err != nil {
		return nil, nil, domain.NewConfigError("read_tag", fmt.Errorf("tag %q: %w", name, err))
	}
	defer func() {
		if err != nil {
			r.client.recordTagError(name, err)
		} else {
			r.client.recordTagRead(name)
		}
	}()

	var regs []uint16
	switch tag.Type {
	case domain.RegisterTypeCoil:
		bits, err := r.client.ReadCoils(ctx, tag.Address, 1)
		if err != nil {
			return nil, nil, err
		}
		return bits[0], bits[0], nil
	case domain.RegisterTypeDiscrete:
		bits, err := r.client.ReadDiscreteInputs(ctx, tag.Address, 1)
		if err != nil {
			return nil, nil, err
		}
		return bits[0], bits[0], nil
	case domain.RegisterTypeHolding:
		regs, err = r.client.ReadHoldingRegisters(ctx, tag.Address, tag.EffectiveLength())
	case domain.RegisterTypeInput:
		regs, err = r.client.ReadInputRegisters(ctx, tag.Address, tag.EffectiveLength())
	default:
		return nil, nil, domain.ConfigErrorf("read_tag", domain.ErrInvalidRegisterType, "tag %q: %s", name, tag.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	e, w := r.encoding(tag)
	raw, err = decodeRegisters(regs, tag.DataType, e, w)
	if err != nil {
		return nil, nil, err
	}
	return applyScaling(raw, tag), raw, nil
}

// applyScaling applies scale factor and offset to the value.
func applyScaling(value interface{}, tag domain.TagDescriptor) interface{} {
	if !tag.HasScaling() {
		return value
	}
	f, ok := toFloat64(value)
	if !ok {
		return value
	}
	return ApplyLinearScaling(f, tag.EffectiveScale(), tag.Offset)
}

// WriteTag writes value to a writable coil or holding register tag.
// Scaling is removed before encoding; no I/O happens for rejected writes.
func (r *TagReader) WriteTag(ctx context.Context, name string, tag domain.TagDescriptor, value interface{}) (err error) {
	if err := tag.Validate(); err != nil {
		return domain.NewConfigError("write_tag", fmt.Errorf("tag %q: %w", name, err))
	}
	if !tag.IsWritable() {
		return domain.ConfigErrorf("write_tag", domain.ErrTagNotWritable, "tag %q (%s)", name, tag.Type)
	}
	defer func() {
		if err != nil {
			r.client.recordTagError(name, err)
		} else {
			r.client.recordTagWrite(name)
		}
	}()

	switch tag.Type {
	case domain.RegisterTypeCoil:
		b, ok := toBool(value)
		if !ok {
			return invalidWrite(value, "bool")
		}
		return r.client.WriteSingleCoil(ctx, tag.Address, b)

	case domain.RegisterTypeHolding:
		regs, err := r.encodeTag(tag, value)
		if err != nil {
			return err
		}
		if len(regs) == 1 {
			return r.client.WriteSingleRegister(ctx, tag.Address, regs[0])
		}
		return r.client.WriteMultipleRegisters(ctx, tag.Address, regs)

	default:
		return domain.ConfigErrorf("write_tag", domain.ErrTagNotWritable, "tag %q (%s)", name, tag.Type)
	}
}

// encodeTag converts an engineering value into the registers of tag.
// Unscaled integer inputs bypass float conversion so 32-bit values stay exact.
func (r *TagReader) encodeTag(tag domain.TagDescriptor, value interface{}) ([]uint16, error) {
	e, w := r.encoding(tag)

	if i, ok := toInt64(value); ok && !tag.HasScaling() && tag.DataType != domain.DataTypeFloat {
		switch tag.DataType {
		case domain.DataTypeInt16:
			return []uint16{FromInt16(int16(clamp(i, math.MinInt16, math.MaxInt16)), e)}, nil
		case domain.DataTypeUInt16:
			return []uint16{FromUInt16(uint16(clamp(i, 0, math.MaxUint16)), e)}, nil
		case domain.DataTypeInt32:
			return FromInt32(int32(clamp(i, math.MinInt32, math.MaxInt32)), e, w), nil
		case domain.DataTypeUInt32:
			return FromUInt32(uint32(clamp(i, 0, math.MaxUint32)), e, w), nil
		}
	}

	f, ok := toFloat64(value)
	if !ok {
		return nil, invalidWrite(value, tag.DataType.String())
	}
	return encodeValue(RemoveLinearScaling(f, tag.EffectiveScale(), tag.Offset), tag.DataType, e, w)
}

// toInt64 converts integer kinds to int64. Floats and out-of-range
// unsigned values are rejected.
func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint:
		if uint64(val) > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	default:
		return 0, false
	}
}

func sortedNames(tags map[string]domain.TagDescriptor) []string {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadTags reads every tag in tags. A failing tag is logged and reported
// as nil; it never aborts the rest of the batch.
func (r *TagReader) ReadTags(ctx context.Context, tags map[string]domain.TagDescriptor) map[string]interface{} {
	results := make(map[string]interface{}, len(tags))
	for _, dp := range r.ReadTagPoints(ctx, tags) {
		results[dp.Tag] = dp.Value
	}
	return results
}

// ReadTagPoints reads every tag in tags, in name order, and returns one
// data point per tag with its quality.
func (r *TagReader) ReadTagPoints(ctx context.Context, tags map[string]domain.TagDescriptor) []*domain.DataPoint {
	points := make([]*domain.DataPoint, 0, len(tags))
	for _, name := range sortedNames(tags) {
		tag := tags[name]

		if err := ctx.Err(); err != nil {
			points = append(points, r.errorPoint(name, tag, &domain.Error{Kind: domain.KindCanceled, Op: "read_tag", Err: err}))
			continue
		}

		value, raw, err := r.readTag(ctx, name, tag)
		if err != nil {
			r.logger.Warn().Err(err).Str("tag", name).Msg("Failed to read tag")
			points = append(points, r.errorPoint(name, tag, err))
			continue
		}
		points = append(points, domain.NewDataPoint(
			r.client.ClientID(),
			name,
			value,
			tag.Unit,
			domain.QualityGood,
		).WithRawValue(raw))
	}
	return points
}

// errorPoint creates a data point with error quality.
func (r *TagReader) errorPoint(name string, tag domain.TagDescriptor, err error) *domain.DataPoint {
	return domain.NewDataPoint(
		r.client.ClientID(),
		name,
		nil,
		tag.Unit,
		domain.QualityFor(err),
	).WithError(err)
}
