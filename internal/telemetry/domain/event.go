// Package domain defines the events published by the ingestion pipeline.
package domain

import "time"

// EventTypeBatchIngested identifies a BatchIngested event on the stream.
const EventTypeBatchIngested = "batch.ingested"

// BatchIngested is published after a log batch commits. Timestamps are RFC 3339 strings:
// TS is the canonical UTC instant, DisplayTS the same instant in the display offset.
type BatchIngested struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	DeviceKey   string    `json:"deviceKey"`
	Platform    string    `json:"platform,omitempty"`
	SessionID   int64     `json:"sessionId"`
	SessionKey  string    `json:"sessionKey"`
	AppVersion  string    `json:"appVersion,omitempty"`
	BuildNumber string    `json:"buildNumber,omitempty"`
	Entries     []LogLine `json:"entries"`
	IngestedAt  time.Time `json:"ingestedAt"`
}

// LogLine is one persisted entry inside a BatchIngested event.
type LogLine struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	DisplayTS string `json:"displayTs"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}
