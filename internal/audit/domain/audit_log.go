package domain

import "time"

// AuditLog represents an audit event recorded for a mutating API call.
type AuditLog struct {
	ID         string
	Action     string
	Resource   string
	ResourceID string
	IP         string
	RequestID  string
	// Metadata is a JSON object; "{}" when the event carries none.
	Metadata  string
	CreatedAt time.Time
}

// Filter narrows List. Empty strings match everything.
type Filter struct {
	Action   string
	Resource string
	Limit    int
	Offset   int
}
