package tools

import (
	"fmt"
	"strings"
	"time"
)

// localLayouts are accepted for scheduled times without a zone offset;
// they are read in the configured timezone.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTime reads a scheduled time. RFC 3339 values carry their own
// offset; the local layouts are interpreted in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time is empty")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a date and time (use ISO 8601, e.g. 2026-03-14T15:00:00-05:00)", s)
}

// stringArg returns args[key] as a string. present is false when the
// key is absent or null.
func stringArg(args map[string]any, key string) (value string, present bool, err error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, true, nil
}

func requiredString(args map[string]any, key string) (string, error) {
	s, present, err := stringArg(args, key)
	if err != nil {
		return "", err
	}
	if !present || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}
