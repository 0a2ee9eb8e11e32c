// Package domain contains core business entities.
package domain

import (
	"encoding/json"
	"time"
)

// Quality represents the quality/reliability of a data point.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityBad          Quality = "bad"
	QualityNotConnected Quality = "not_connected"
	QualityConfigError  Quality = "config_error"
	QualityDeviceError  Quality = "device_error"
	QualityTimeout      Quality = "timeout"
)

// QualityFor maps a read error to the quality reported alongside it.
func QualityFor(err error) Quality {
	if err == nil {
		return QualityGood
	}
	switch KindOf(err) {
	case KindConnection:
		return QualityNotConnected
	case KindTimeout:
		return QualityTimeout
	case KindProtocol:
		return QualityDeviceError
	case KindConfiguration:
		return QualityConfigError
	default:
		return QualityBad
	}
}

// DataPoint is the result of reading one tag.
type DataPoint struct {
	// Client identifies the named client the tag was read through
	Client string `json:"client"`

	// Tag is the symbolic tag name
	Tag string `json:"tag"`

	// Value is the processed/scaled value, nil when Quality is not good
	Value interface{} `json:"v"`

	// RawValue is the decoded value before scaling
	RawValue interface{} `json:"raw,omitempty"`

	// Unit is the engineering unit
	Unit string `json:"u,omitempty"`

	Quality Quality `json:"q"`

	// Error carries the failure message for bad-quality points
	Error string `json:"err,omitempty"`

	Timestamp time.Time `json:"ts"`
}

// NewDataPoint creates a new DataPoint with the current timestamp.
func NewDataPoint(client, tag string, value interface{}, unit string, quality Quality) *DataPoint {
	return &DataPoint{
		Client:    client,
		Tag:       tag,
		Value:     value,
		Unit:      unit,
		Quality:   quality,
		Timestamp: time.Now(),
	}
}

// WithRawValue sets the raw value and returns the data point for chaining.
func (dp *DataPoint) WithRawValue(raw interface{}) *DataPoint {
	dp.RawValue = raw
	return dp
}

// WithError records err and returns the data point for chaining.
func (dp *DataPoint) WithError(err error) *DataPoint {
	if err != nil {
		dp.Error = err.Error()
	}
	return dp
}

// ToJSON serializes the data point.
func (dp *DataPoint) ToJSON() ([]byte, error) {
	return json.Marshal(dp)
}
