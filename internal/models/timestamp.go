package models

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned when no supported layout matches
var ErrInvalidTimestamp = errors.New("invalid timestamp format")

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
