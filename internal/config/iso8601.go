package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseISO8601Duration parses a subset of ISO-8601 durations sufficient
// for env var configuration ("PT5M", "PT30S", "P1D"). No pack example
// carries an ISO-8601 duration library (checked: none of the retrieved
// go.mod manifests vendor one), and the grammar needed here is a handful
// of fields, so this is a small focused parser rather than a dependency.
func ParseISO8601Duration(s string) (time.Duration, error) {
	orig := s
	if s == "" || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: must start with P", orig)
	}
	s = s[1:]

	datePart, timePart, hasTime := strings.Cut(s, "T")
	if !hasTime {
		datePart = s
		timePart = ""
	}

	var total time.Duration

	days, rest, err := takeField(datePart, "D")
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", orig, err)
	}
	total += time.Duration(days) * 24 * time.Hour
	if rest != "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: unsupported date field %q", orig, rest)
	}

	hours, rest, err := takeField(timePart, "H")
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", orig, err)
	}
	total += time.Duration(hours) * time.Hour

	mins, rest, err := takeField(rest, "M")
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", orig, err)
	}
	total += time.Duration(mins) * time.Minute

	secs, rest, err := takeFieldFloat(rest, "S")
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", orig, err)
	}
	total += time.Duration(secs * float64(time.Second))

	if rest != "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: unsupported trailing %q", orig, rest)
	}
	if total == 0 && orig == "P" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: empty", orig)
	}
	return total, nil
}

// takeField consumes a leading integer immediately followed by suffix,
// returning the parsed value and whatever text remains after it.
func takeField(s, suffix string) (int64, string, error) {
	idx := strings.Index(s, suffix)
	if idx < 0 {
		return 0, s, nil
	}
	n, err := strconv.ParseInt(s[:idx], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("bad %s field: %w", suffix, err)
	}
	return n, s[idx+len(suffix):], nil
}

func takeFieldFloat(s, suffix string) (float64, string, error) {
	idx := strings.Index(s, suffix)
	if idx < 0 {
		return 0, s, nil
	}
	n, err := strconv.ParseFloat(s[:idx], 64)
	if err != nil {
		return 0, "", fmt.Errorf("bad %s field: %w", suffix, err)
	}
	return n, s[idx+len(suffix):], nil
}
