package cronexpr

import (
	"errors"
	"testing"
	"time"
)

func TestNormalize_Aliases(t *testing.T) {
	cases := map[string]string{
		"@yearly":   "0 0 1 1 *",
		"@annually": "0 0 1 1 *",
		"@monthly":  "0 0 1 * *",
		"@weekly":   "0 0 * * 0",
		"@daily":    "0 0 * * *",
		"@midnight": "0 0 * * *",
		"@hourly":   "0 * * * *",
	}
	for alias, want := range cases {
		got, err := Normalize(alias)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", alias, err)
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", alias, got, want)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	cases := []string{
		"",
		"@fortnightly",
		"* * * *",          // 4 fields
		"* * * * * *",      // 6 fields
		"a * * * *",        // letters
		"*/15 * * * * MON", // names rejected by character class
		"0 0 ? * *",        // question mark
	}
	for _, expr := range cases {
		if _, err := Normalize(expr); !errors.Is(err, ErrInvalidCron) {
			t.Errorf("Normalize(%q) err = %v, want ErrInvalidCron", expr, err)
		}
	}
}

func TestNext_DailyAlias(t *testing.T) {
	from := time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)
	next, err := Next("@daily", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next(@daily, %v) = %v, want %v", from, next, want)
	}
}

func TestNext_StepField(t *testing.T) {
	from := time.Date(2024, 6, 15, 10, 3, 0, 0, time.UTC)
	wantMinutes := []int{15, 30, 45, 0}

	cur := from
	for _, want := range wantMinutes {
		next, err := Next("*/15 * * * *", cur)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if next.Minute() != want {
			t.Fatalf("Next after %v fired at minute %d, want %d", cur, next.Minute(), want)
		}
		cur = next
	}
}

func TestNext_StrictlyAfter(t *testing.T) {
	// A tick exactly on a matching minute must advance, not repeat.
	from := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	next, err := Next("0 * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2024, 6, 15, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNext_Idempotence(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first, err := Next("*/5 * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := Next("*/5 * * * *", first)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !second.After(first) {
		t.Errorf("Next(Next(t)) = %v, not after %v", second, first)
	}
}

func TestNext_Unsatisfiable(t *testing.T) {
	from := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	if _, err := Next("0 0 30 2 *", from); !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("Next(Feb 30) err = %v, want ErrUnsatisfiable", err)
	}
}

func TestIsDue(t *testing.T) {
	at := time.Date(2024, 6, 16, 0, 0, 30, 0, time.UTC)
	due, err := IsDue("@daily", at)
	if err != nil {
		t.Fatalf("IsDue: %v", err)
	}
	if !due {
		t.Error("@daily should be due at midnight")
	}

	due, err = IsDue("@daily", at.Add(time.Hour))
	if err != nil {
		t.Fatalf("IsDue: %v", err)
	}
	if due {
		t.Error("@daily should not be due at 01:00")
	}
}
