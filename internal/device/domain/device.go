package domain

import "time"

// Device is one client installation, keyed by the opaque key the client supplies.
type Device struct {
	ID        int64
	DeviceKey string
	Platform  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary is a device annotated with how much it owns.
type Summary struct {
	Device
	SessionCount int64
	LogCount     int64
}

// Deletion reports a removed device and what the cascade removed with it.
type Deletion struct {
	Device   *Device
	Sessions int64
	Logs     int64
}
