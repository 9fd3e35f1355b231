// Package loki pushes ingested device log lines to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"devicelog/backend/internal/telemetry/domain"
)

// Job is the value of the job label on every stream.
const Job = "devicelog"

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid or awkward in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:.]`)

// ErrEmptyBaseURL is returned when the client has no push target.
var ErrEmptyBaseURL = errors.New("loki: base URL is empty")

// Client pushes streams to one Loki instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the Loki at baseURL (e.g. http://localhost:3100).
// httpClient may be nil to use a client with a 10 second timeout.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrEmptyBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}, nil
}

// PushBatch sends every line of event to Loki. Lines are grouped into one stream per level, labelled
// with job, device_key, session_key, and level, and stamped with the entry's canonical timestamp.
func (c *Client) PushBatch(ctx context.Context, event *domain.BatchIngested) error {
	if event == nil || len(event.Entries) == 0 {
		return nil
	}
	return c.Push(ctx, Streams(event))
}

// Push sends streams in one request. Returns an error if the request fails or Loki returns non-2xx.
func (c *Client) Push(ctx context.Context, streams []Stream) error {
	if len(streams) == 0 {
		return nil
	}
	payload, err := json.Marshal(PushRequest{Streams: streams})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

// Streams converts event into Loki streams, one per distinct level, in first-seen order.
// A line whose timestamp does not parse is stamped with the event's ingest time.
func Streams(event *domain.BatchIngested) []Stream {
	base := map[string]string{"job": Job}
	setLabel(base, "device_key", event.DeviceKey)
	setLabel(base, "session_key", event.SessionKey)
	setLabel(base, "platform", event.Platform)

	byLevel := make(map[string]int)
	var out []Stream
	for _, line := range event.Entries {
		level := strings.ToLower(strings.TrimSpace(line.Level))
		idx, ok := byLevel[level]
		if !ok {
			labels := make(map[string]string, len(base)+1)
			for k, v := range base {
				labels[k] = v
			}
			setLabel(labels, "level", level)
			out = append(out, Stream{Stream: labels})
			idx = len(out) - 1
			byLevel[level] = idx
		}
		ts, err := time.Parse(time.RFC3339Nano, line.TS)
		if err != nil {
			ts = event.IngestedAt
		}
		out[idx].Values = append(out[idx].Values, []string{strconv.FormatInt(ts.UnixNano(), 10), line.Message})
	}
	for i := range out {
		values := out[i].Values
		sort.SliceStable(values, func(a, b int) bool {
			na, _ := strconv.ParseInt(values[a][0], 10, 64)
			nb, _ := strconv.ParseInt(values[b][0], 10, 64)
			return na < nb
		})
	}
	return out
}

func setLabel(labels map[string]string, key, value string) {
	sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(value), "_")
	if sanitized != "" {
		labels[key] = sanitized
	}
}
