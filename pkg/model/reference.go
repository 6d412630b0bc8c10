package model

import (
	"slices"
	"time"
)

// DataType is the value shape a metric is stored in.
type DataType string

const (
	DataTypeNumeric   DataType = "numeric"
	DataTypeCount     DataType = "count"
	DataTypeDuration  DataType = "duration"
	DataTypeComposite DataType = "composite"
)

// ReferenceRange is a labeled normal range for a metric (e.g. fasting glucose).
type ReferenceRange struct {
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Metric is the canonical definition of something we measure.
type Metric struct {
	Code               string           `json:"code"`
	DisplayName        string           `json:"displayName"`
	DataType           DataType         `json:"dataType"`
	CanonicalUnit      string           `json:"canonicalUnit"`
	ReferenceRanges    []ReferenceRange `json:"referenceRanges,omitempty"`
	AggregationMethods []string         `json:"aggregationMethods,omitempty"`
}

// ManufacturerStatus is the lifecycle state of a vendor integration.
type ManufacturerStatus string

const (
	ManufacturerActive   ManufacturerStatus = "active"
	ManufacturerInactive ManufacturerStatus = "inactive"
)

// Manufacturer is a vendor whose payloads we accept.
type Manufacturer struct {
	ID                     string             `json:"id"`
	Name                   string             `json:"name"`
	Status                 ManufacturerStatus `json:"status"`
	AcceptedPayloadFormats []string           `json:"acceptedPayloadFormats"`
	SupportedMetrics       []string           `json:"supportedMetrics"`
}

// IsActive reports whether ingestion is enabled for this vendor.
func (m Manufacturer) IsActive() bool {
	return m.Status == ManufacturerActive
}

// AcceptsFormat reports whether format is one of the vendor's payload formats.
func (m Manufacturer) AcceptsFormat(format string) bool {
	return slices.Contains(m.AcceptedPayloadFormats, format)
}

// MetricMapping resolves a vendor-native type code to a canonical metric.
type MetricMapping struct {
	ID             string `json:"id"`
	ManufacturerID string `json:"manufacturerId"`
	PayloadFormat  string `json:"payloadFormat"`
	ExternalCode   string `json:"externalCode"`
	MetricCode     string `json:"metricCode"`
	NativeUnit     string `json:"nativeUnit"`
}

// MetricMappingID builds the deterministic mapping key.
func MetricMappingID(manufacturerID, payloadFormat, externalCode string) string {
	return manufacturerID + "_" + payloadFormat + "_" + externalCode
}

// Assignment binds a device to a user from AssignedAt on.
type Assignment struct {
	UserID     string    `json:"userId"`
	AssignedAt time.Time `json:"assignedAt"`
}

// Device is a physical or virtual data source.
type Device struct {
	ID                string      `json:"id"`
	ManufacturerID    string      `json:"manufacturerId"`
	Model             string      `json:"model,omitempty"`
	SerialNumber      string      `json:"serialNumber,omitempty"`
	CurrentAssignment *Assignment `json:"currentAssignment,omitempty"`
	LastSeenAt        *time.Time  `json:"lastSeenAt,omitempty"`
}

// IsAssignedTo reports whether the device currently belongs to userID.
func (d Device) IsAssignedTo(userID string) bool {
	return d.CurrentAssignment != nil && d.CurrentAssignment.UserID == userID
}
