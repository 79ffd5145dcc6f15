// Package cronexpr validates and evaluates the 5-field cron dialect used by
// scheduled tasks. The accepted grammar is deliberately narrower than what
// gronx itself parses: only digits, "*", ",", "-", "/" and whitespace are
// allowed per field, plus a fixed set of @-aliases. Field matching and
// next-tick computation are delegated to gronx.
package cronexpr

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

var (
	// ErrInvalidCron is returned for expressions outside the accepted grammar.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrUnsatisfiable is returned when no matching minute exists within one
	// calendar year of the search origin.
	ErrUnsatisfiable = errors.New("cron expression unsatisfiable within one year")
)

// aliases maps @-shortcuts to their 5-field expansions.
var aliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// fieldChars is the allowed character class for a single 5-field form field.
var fieldChars = regexp.MustCompile(`^[0-9*,\-/]+$`)

// Normalize expands @-aliases and collapses whitespace, returning the
// canonical 5-field form. Fails with ErrInvalidCron for anything outside the
// accepted grammar.
func Normalize(expr string) (string, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}

	if strings.HasPrefix(trimmed, "@") {
		expanded, ok := aliases[strings.ToLower(trimmed)]
		if !ok {
			return "", fmt.Errorf("%w: unknown alias %q", ErrInvalidCron, trimmed)
		}
		return expanded, nil
	}

	fields := strings.Fields(trimmed)
	if len(fields) != 5 {
		return "", fmt.Errorf("%w: want 5 fields, got %d", ErrInvalidCron, len(fields))
	}
	for i, f := range fields {
		if !fieldChars.MatchString(f) {
			return "", fmt.Errorf("%w: field %d contains invalid characters: %q", ErrInvalidCron, i+1, f)
		}
	}

	normalized := strings.Join(fields, " ")
	if !gronx.New().IsValid(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	return normalized, nil
}

// Validate reports whether expr is acceptable.
func Validate(expr string) error {
	_, err := Normalize(expr)
	return err
}

// Next returns the earliest minute strictly after from whose minute, hour,
// day-of-month, month and day-of-week all match expr (day-of-week with
// Sunday=0). The search is bounded at one calendar year past from; exceeding
// the bound fails with ErrUnsatisfiable.
func Next(expr string, from time.Time) (time.Time, error) {
	normalized, err := Normalize(expr)
	if err != nil {
		return time.Time{}, err
	}

	// Truncate to the minute so "strictly after" excludes the current minute
	// regardless of sub-minute offsets.
	origin := from.Truncate(time.Minute)

	next, err := gronx.NextTickAfter(normalized, origin, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsatisfiable, expr)
	}
	if next.After(origin.AddDate(1, 0, 0)) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsatisfiable, expr)
	}
	return next, nil
}

// IsDue reports whether expr matches the minute containing at.
func IsDue(expr string, at time.Time) (bool, error) {
	normalized, err := Normalize(expr)
	if err != nil {
		return false, err
	}
	due, err := gronx.New().IsDue(normalized, at)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	return due, nil
}
