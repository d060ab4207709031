package source

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// flexString accepts a JSON string, number, bool or null and keeps its text.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		*f = flexString(b)
	}
	return nil
}

// flexTimestamp accepts unix seconds as a number or numeric string, or an
// RFC3339 string. Anything else decodes to 0 (unknown).
type flexTimestamp int64

func (f *flexTimestamp) UnmarshalJSON(b []byte) error {
	var raw flexString
	if err := raw.UnmarshalJSON(b); err != nil {
		*f = 0
		return nil
	}
	*f = flexTimestamp(parseTimestamp(string(raw)))
	return nil
}

func parseTimestamp(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(v)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.Unix()
	}
	return 0
}
