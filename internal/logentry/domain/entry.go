package domain

import "time"

// MaxLevelLength is the longest level, in characters, the store accepts.
const MaxLevelLength = 50

// Entry is one stored log line. Timestamp is the canonical UTC instant.
type Entry struct {
	ID        int64
	SessionID int64
	Timestamp time.Time
	Level     string
	Message   string
	CreatedAt time.Time
}

// RawEntry is a log line as submitted. TS is nil when the client omitted it.
type RawEntry struct {
	TS      *string
	Level   string
	Message string
}

// Batch is one append request. SessionID selects an existing session; otherwise
// DeviceKey and SessionKey name the session to resolve or create.
type Batch struct {
	DeviceKey   string
	SessionID   *int64
	SessionKey  string
	AppVersion  string
	BuildNumber string
	Platform    string
	Entries     []RawEntry
}

// BatchResult is returned after a batch is persisted.
type BatchResult struct {
	SessionID      int64
	SessionKey     string
	DeviceKey      string
	Accepted       int
	SessionCreated bool
	DeviceCreated  bool
	// Entries are the persisted rows in input order.
	Entries []*Entry
}

// Filter selects a page of a session's log entries. Level is an exact match when non-empty.
type Filter struct {
	SessionID int64
	Level     string
	Limit     int
	Offset    int
}

// Page is one page of entries plus the number of entries matching the filter.
type Page struct {
	Entries []*Entry
	Total   int64
	Limit   int
	Offset  int
}

// HasMore reports whether entries remain past this page.
func (p *Page) HasMore() bool {
	return int64(p.Offset+len(p.Entries)) < p.Total
}
