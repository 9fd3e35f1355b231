package domain

import "time"

// Session is one run of the client app on a device. SessionKey is the client's own
// identifier for the run and is unique only within the owning device.
type Session struct {
	ID          int64
	DeviceID    int64
	SessionKey  string
	AppVersion  string
	BuildNumber string
	Platform    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Metadata is recorded when a session is created and never overwritten afterwards.
type Metadata struct {
	AppVersion  string
	BuildNumber string
	Platform    string
}

// Summary is a session annotated with its log count.
type Summary struct {
	Session
	LogCount int64
}

// Deletion reports a removed session and how many log entries went with it.
type Deletion struct {
	Session *Session
	Logs    int64
}
