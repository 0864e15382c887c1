package types

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// DefaultMethod is used when a queued operation carries no method.
const DefaultMethod = "POST"

// CropRecordPrefix prefixes the data-table id of a soil's recommendation list.
const CropRecordPrefix = "crop-rec-"

// Operation is a mutating request captured for immediate send or later replay.
type Operation struct {
	Method string          `json:"method,omitempty"`
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body,omitempty"`
	Meta   string          `json:"meta,omitempty"`
}

// EffectiveMethod returns the upper-cased method, defaulting to POST.
func (o Operation) EffectiveMethod() string {
	if strings.TrimSpace(o.Method) == "" {
		return DefaultMethod
	}
	return strings.ToUpper(o.Method)
}

// Payload returns the JSON body to send. A missing or null body becomes {}.
func (o Operation) Payload() []byte {
	trimmed := bytes.TrimSpace(o.Body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}")
	}
	return trimmed
}

// PendingOperation is one queued, not yet confirmed operation.
type PendingOperation struct {
	ID        int64     `json:"id"`
	Op        Operation `json:"op"`
	CreatedAt time.Time `json:"createdAt"`
}

// Record is a cached reference-data entry in the data table.
// Payload is the complete stored JSON object.
type Record struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// CropRecommendations is the stored shape of a soil's recommendation list.
type CropRecommendations struct {
	ID              string            `json:"id"`
	Soil            string            `json:"soil"`
	Recommendations []json.RawMessage `json:"recommendations"`
}

// CropRecordID returns the data-table id for a soil class.
func CropRecordID(soil string) string {
	return CropRecordPrefix + soil
}

// SendResult is the outcome of a request that reached the server.
type SendResult struct {
	OK     bool `json:"ok"`
	Status int  `json:"status"`
}

// SaveOutcome reports what SaveOrQueue did with an operation.
type SaveOutcome struct {
	Synced bool  `json:"synced,omitempty"`
	Queued bool  `json:"queued,omitempty"`
	ID     int64 `json:"id,omitempty"`
	Status int   `json:"status,omitempty"`
}

// HealthResponse is returned by the edge health endpoint.
type HealthResponse struct {
	Status       string   `json:"status"`
	Version      string   `json:"version"`
	State        string   `json:"state"`
	Origin       string   `json:"origin"`
	Online       bool     `json:"online"`
	PendingCount int      `json:"pending_count"`
	Caches       []string `json:"caches"`
}

// QueueRequest is the body accepted by the queue endpoint.
type QueueRequest struct {
	Operation
	// Online mirrors the page's connectivity flag. Nil means "assume online".
	Online *bool `json:"online,omitempty"`
}

// PendingListResponse lists queued operations.
type PendingListResponse struct {
	Pending []PendingOperation `json:"pending"`
	Total   int                `json:"total"`
}

// SyncRegistration is the body accepted by the background-sync endpoint.
type SyncRegistration struct {
	Tag string `json:"tag"`
}
