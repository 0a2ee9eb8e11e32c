package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nexus-edge/modbus-gateway/internal/domain"
)

// TagConfig represents a tag configuration in YAML.
type TagConfig struct {
	Type        string   `yaml:"type"`
	Address     uint16   `yaml:"address"`
	Length      uint16   `yaml:"length,omitempty"`
	DataType    string   `yaml:"datatype,omitempty"`
	Scale       *float64 `yaml:"scale,omitempty"`
	Offset      float64  `yaml:"offset,omitempty"`
	Unit        string   `yaml:"unit,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Writable    bool     `yaml:"writable,omitempty"`
	Endianness  string   `yaml:"endianness,omitempty"`
	WordOrder   string   `yaml:"word_order,omitempty"`
}

// TagsFile represents the top-level tag map file.
type TagsFile struct {
	Version string               `yaml:"version,omitempty"`
	Tags    map[string]TagConfig `yaml:"tags"`
}

// LoadTags loads and validates a tag map from a YAML file.
func LoadTags(path string) (map[string]domain.TagDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tags file: %w", err)
	}
	return ParseTags(data)
}

// ParseTags decodes a tag map document. Every descriptor is validated,
// so a bad entry fails the whole load before any device I/O.
func ParseTags(data []byte) (map[string]domain.TagDescriptor, error) {
	var file TagsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tags file: %w", err)
	}

	names := make([]string, 0, len(file.Tags))
	for name := range file.Tags {
		names = append(names, name)
	}
	sort.Strings(names)

	tags := make(map[string]domain.TagDescriptor, len(file.Tags))
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("%w: empty tag name", domain.ErrConfiguration)
		}
		desc, err := file.Tags[name].Descriptor()
		if err != nil {
			return nil, fmt.Errorf("error in tag %s: %w", name, err)
		}
		tags[name] = desc
	}
	return tags, nil
}

// Descriptor converts the YAML form into a validated domain.TagDescriptor.
func (tc TagConfig) Descriptor() (domain.TagDescriptor, error) {
	regType, err := domain.ParseRegisterType(tc.Type)
	if err != nil {
		return domain.TagDescriptor{}, err
	}

	desc := domain.TagDescriptor{
		Type:        regType,
		Address:     tc.Address,
		Length:      tc.Length,
		Scale:       1.0,
		Offset:      tc.Offset,
		Unit:        tc.Unit,
		Description: tc.Description,
		Writable:    tc.Writable,
	}

	if !regType.IsBit() {
		dt, err := domain.ParseDataType(tc.DataType)
		if err != nil {
			return domain.TagDescriptor{}, err
		}
		desc.DataType = dt
	}

	if tc.Scale != nil {
		if *tc.Scale == 0 {
			return domain.TagDescriptor{}, fmt.Errorf("%w: scale must not be zero", domain.ErrInvalidScale)
		}
		desc.Scale = *tc.Scale
	}

	if tc.Endianness != "" {
		if desc.Endianness, err = domain.ParseEndianness(tc.Endianness); err != nil {
			return domain.TagDescriptor{}, err
		}
	}
	if tc.WordOrder != "" {
		if desc.WordOrder, err = domain.ParseWordOrder(tc.WordOrder); err != nil {
			return domain.TagDescriptor{}, err
		}
	}

	if err := desc.Validate(); err != nil {
		return domain.TagDescriptor{}, err
	}
	return desc, nil
}
