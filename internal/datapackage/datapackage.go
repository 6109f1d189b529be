// Package datapackage models the signed sensor data packages produced by the
// remote generation service and the client that requests them.
package datapackage

import (
	"encoding/json"
	"strings"
	"time"

	"sensororacle/internal/apperr"
)

type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude,omitempty"`
	Name      string  `json:"name,omitempty"`
}

type Metadata struct {
	PackageID     string    `json:"packageId"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	DataHash      string    `json:"dataHash"`
	Checksum      string    `json:"checksum"`
	SchemaVersion string    `json:"schemaVersion"`
	SourceDevice  string    `json:"sourceDevice"`
	DataType      string    `json:"dataType"`
	SampleRate    float64   `json:"sampleRate"`
	Unit          string    `json:"unit"`
	Location      *Location `json:"location,omitempty"`
}

// Visualization is carried opaquely; rendering is done elsewhere.
type Visualization struct {
	Kind  string          `json:"kind"`
	Title string          `json:"title,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Package is immutable once received and keyed by Metadata.PackageID.
type Package struct {
	RawData        json.RawMessage `json:"rawData"`
	ProcessedStats Stats           `json:"processedStats"`
	Metadata       Metadata        `json:"metadata"`
	Visualizations []Visualization `json:"visualizations"`
}

func (p *Package) ID() string { return p.Metadata.PackageID }

// RequestParams describe the purchase and are forwarded verbatim to the
// generation service.
type RequestParams struct {
	DeviceID     string    `json:"deviceId"`
	DataType     string    `json:"dataType"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	DurationSecs int64     `json:"durationSecs"`
	Format       string    `json:"format,omitempty"`
}

// Duration is how long access to the purchased package lasts.
func (p RequestParams) Duration() time.Duration {
	return time.Duration(p.DurationSecs) * time.Second
}

func (p RequestParams) Validate() error {
	switch {
	case strings.TrimSpace(p.DeviceID) == "":
		return apperr.New(apperr.CodeInvalidRequest, "deviceId is required")
	case strings.TrimSpace(p.DataType) == "":
		return apperr.New(apperr.CodeInvalidRequest, "dataType is required")
	case p.StartTime.IsZero() || p.EndTime.IsZero():
		return apperr.New(apperr.CodeInvalidRequest, "startTime and endTime are required")
	case !p.EndTime.After(p.StartTime):
		return apperr.New(apperr.CodeInvalidRequest, "endTime must be after startTime")
	case p.DurationSecs <= 0:
		return apperr.New(apperr.CodeInvalidRequest, "durationSecs must be positive")
	}
	return nil
}

// Clone returns a deep copy so stored packages cannot be mutated by readers.
func (p *Package) Clone() *Package {
	if p == nil {
		return nil
	}
	out := *p
	out.RawData = append(json.RawMessage(nil), p.RawData...)
	if p.Metadata.Location != nil {
		loc := *p.Metadata.Location
		out.Metadata.Location = &loc
	}
	if p.Visualizations != nil {
		out.Visualizations = make([]Visualization, len(p.Visualizations))
		for i, v := range p.Visualizations {
			v.Data = append(json.RawMessage(nil), v.Data...)
			out.Visualizations[i] = v
		}
	}
	return &out
}
