// Package timeutil formats and parses the naive local wall-clock timestamps
// used throughout the store. Existing databases carry ISO-8601 strings without
// a timezone offset, so the format is preserved verbatim.
package timeutil

import (
	"fmt"
	"time"
)

// Layout is the canonical storage format: local wall-clock with microsecond
// precision and no offset.
const Layout = "2006-01-02T15:04:05.999999"

// parse layouts accepted for rows written by older versions or by SQLite's
// CURRENT_TIMESTAMP default.
var parseLayouts = []string{
	Layout,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

// Format renders t as a naive local ISO-8601 string. Zero time formats to "".
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(Layout)
}

// Parse reads a stored timestamp in any accepted layout, interpreting naive
// strings in the local timezone. Empty input yields the zero time.
func Parse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range parseLayouts {
		switch layout {
		case time.RFC3339Nano, time.RFC3339:
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		default:
			if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// MustParse is Parse for trusted inputs; unparseable strings yield zero time.
func MustParse(s string) time.Time {
	t, err := Parse(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
