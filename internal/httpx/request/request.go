// Package request parses path parameters, query values and loosely typed JSON fields.
package request

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"devicelog/backend/internal/platform/apperr"
)

// FlexString decodes from a JSON string or number. Clients send session keys either way.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the value.
func (f FlexString) String() string { return string(f) }

// FlexInt64 decodes from a JSON number or a numeric string.
type FlexInt64 int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return err
	}
	*f = FlexInt64(n)
	return nil
}

// PathID parses the chi URL parameter name as a positive int64.
func PathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validationf("%s must be a positive integer", name).WithDetail(name, raw)
	}
	return id, nil
}

// PathString returns the chi URL parameter name as the client meant it. When the request path carries
// escapes chi cannot decode before matching (such as %2F), chi captures the escaped segment, so it is
// decoded here.
func PathString(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	s, err := UnescapePath(r, raw)
	if err != nil {
		return "", apperr.Validationf("%s is not a valid path segment", name).WithDetail(name, raw)
	}
	return s, nil
}

// UnescapePath decodes a value chi captured from r's path. chi matches against URL.RawPath when it is
// set and against the already decoded URL.Path otherwise.
func UnescapePath(r *http.Request, raw string) (string, error) {
	if r.URL.RawPath == "" {
		return raw, nil
	}
	return url.PathUnescape(raw)
}

// QueryInt returns the query value name as a non-negative int, or def when absent.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validationf("%s must be a non-negative integer", name).WithDetail(name, raw)
	}
	return n, nil
}
