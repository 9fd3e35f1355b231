// Package view renders domain records as API JSON. Every timestamp is formatted in the
// normalizer's display offset.
package view

import (
	"encoding/json"

	auditdomain "devicelog/backend/internal/audit/domain"
	devicedomain "devicelog/backend/internal/device/domain"
	logdomain "devicelog/backend/internal/logentry/domain"
	sessiondomain "devicelog/backend/internal/session/domain"
	"devicelog/backend/internal/timestamp"
)

// Device is the JSON shape of a device.
type Device struct {
	ID           int64  `json:"id"`
	DeviceKey    string `json:"deviceKey"`
	Platform     string `json:"platform"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
	SessionCount *int64 `json:"sessionCount,omitempty"`
	LogCount     *int64 `json:"logCount,omitempty"`
}

// DeviceDetail is a device with its sessions.
type DeviceDetail struct {
	Device
	Sessions []Session `json:"sessions"`
}

// Session is the JSON shape of a session.
type Session struct {
	ID          int64  `json:"id"`
	DeviceID    int64  `json:"deviceId"`
	SessionKey  string `json:"sessionKey"`
	AppVersion  string `json:"appVersion"`
	BuildNumber string `json:"buildNumber"`
	Platform    string `json:"platform"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
	LogCount    *int64 `json:"logCount,omitempty"`
}

// SessionDetail is a session with its device and logs.
type SessionDetail struct {
	Session
	Device Device `json:"device"`
	Logs   []Log  `json:"logs"`
}

// Log is the JSON shape of a log entry.
type Log struct {
	ID        int64  `json:"id"`
	SessionID int64  `json:"sessionId"`
	TS        string `json:"ts"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	CreatedAt string `json:"createdAt"`
}

// AuditLog is the JSON shape of an audit event.
type AuditLog struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resourceId"`
	IP         string          `json:"ip"`
	RequestID  string          `json:"requestId"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  string          `json:"createdAt"`
}

// Renderer converts domain records using one display zone.
type Renderer struct {
	ts *timestamp.Normalizer
}

// NewRenderer returns a renderer formatting timestamps with ts.
func NewRenderer(ts *timestamp.Normalizer) *Renderer {
	return &Renderer{ts: ts}
}

func (v *Renderer) Device(d *devicedomain.Device) Device {
	return Device{
		ID:        d.ID,
		DeviceKey: d.DeviceKey,
		Platform:  d.Platform,
		CreatedAt: v.ts.Format(d.CreatedAt),
		UpdatedAt: v.ts.Format(d.UpdatedAt),
	}
}

func (v *Renderer) DeviceSummary(s *devicedomain.Summary) Device {
	out := v.Device(&s.Device)
	sessions, logs := s.SessionCount, s.LogCount
	out.SessionCount, out.LogCount = &sessions, &logs
	return out
}

func (v *Renderer) DeviceSummaries(list []*devicedomain.Summary) []Device {
	out := make([]Device, len(list))
	for i, s := range list {
		out[i] = v.DeviceSummary(s)
	}
	return out
}

func (v *Renderer) Session(s *sessiondomain.Session) Session {
	return Session{
		ID:          s.ID,
		DeviceID:    s.DeviceID,
		SessionKey:  s.SessionKey,
		AppVersion:  s.AppVersion,
		BuildNumber: s.BuildNumber,
		Platform:    s.Platform,
		CreatedAt:   v.ts.Format(s.CreatedAt),
		UpdatedAt:   v.ts.Format(s.UpdatedAt),
	}
}

func (v *Renderer) SessionSummaries(list []*sessiondomain.Summary) []Session {
	out := make([]Session, len(list))
	for i, s := range list {
		out[i] = v.Session(&s.Session)
		n := s.LogCount
		out[i].LogCount = &n
	}
	return out
}

func (v *Renderer) Log(e *logdomain.Entry) Log {
	return Log{
		ID:        e.ID,
		SessionID: e.SessionID,
		TS:        v.ts.Format(e.Timestamp),
		Level:     e.Level,
		Message:   e.Message,
		CreatedAt: v.ts.Format(e.CreatedAt),
	}
}

func (v *Renderer) Logs(list []*logdomain.Entry) []Log {
	out := make([]Log, len(list))
	for i, e := range list {
		out[i] = v.Log(e)
	}
	return out
}

func (v *Renderer) DeviceDetail(d *devicedomain.Device, sessions []*sessiondomain.Summary) DeviceDetail {
	return DeviceDetail{Device: v.Device(d), Sessions: v.SessionSummaries(sessions)}
}

func (v *Renderer) SessionDetail(s *sessiondomain.Session, d *devicedomain.Device, logs []*logdomain.Entry) SessionDetail {
	return SessionDetail{Session: v.Session(s), Device: v.Device(d), Logs: v.Logs(logs)}
}

// AuditLogs renders audit events; metadata that is not valid JSON is rendered as {}.
func (v *Renderer) AuditLogs(list []*auditdomain.AuditLog) []AuditLog {
	out := make([]AuditLog, 0, len(list))
	for _, a := range list {
		meta := json.RawMessage(a.Metadata)
		if !json.Valid(meta) {
			meta = json.RawMessage("{}")
		}
		out = append(out, AuditLog{
			ID:         a.ID,
			Action:     a.Action,
			Resource:   a.Resource,
			ResourceID: a.ResourceID,
			IP:         a.IP,
			RequestID:  a.RequestID,
			Metadata:   meta,
			CreatedAt:  v.ts.Format(a.CreatedAt),
		})
	}
	return out
}
