package timeplugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/mosscap/internal/plugin"
)

func newRegistry(t *testing.T, now time.Time) *plugin.Registry {
	t.Helper()
	r := plugin.NewRegistry()
	if err := r.Register(New(WithClock(func() time.Time { return now }))); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestTime(t *testing.T) {
	t.Parallel()

	zone := time.FixedZone("PST", -8*60*60)
	// Wednesday.
	now := time.Date(2031, time.January, 15, 21, 5, 9, 0, zone)
	r := newRegistry(t, now)

	tests := []struct {
		tool string
		args string
		want string
	}{
		{"time-date", "", "Wednesday, 15 January, 2031"},
		{"time-today", "{}", "Wednesday, 15 January, 2031"},
		{"time-now", "", "Wednesday, January 15, 2031 09:05 PM"},
		{"time-utcNow", "", "Thursday, January 16, 2031 05:05 AM"},
		{"time-time", "", "09:05:09 PM"},
		{"time-year", "", "2031"},
		{"time-month", "", "January"},
		{"time-monthNumber", "", "01"},
		{"time-day", "", "15"},
		{"time-dayOfWeek", "", "Wednesday"},
		{"time-hour", "", "09 PM"},
		{"time-hourNumber", "", "21"},
		{"time-minute", "", "05"},
		{"time-second", "", "09"},
		{"time-timeZoneOffset", "", "-0800"},
		{"time-timeZoneName", "", "PST"},
		{"time-daysAgo", `{"days":3}`, "Sunday, 12 January, 2031"},
		{"time-daysAgo", `{"days":"20"}`, "Thursday, 26 December, 2030"},
		{"time-dateMatchingLastDayName", `{"day_name":"Sunday"}`, "Sunday, 12 January, 2031"},
		{"time-dateMatchingLastDayName", `{"day_name":"wednesday"}`, "Wednesday, 08 January, 2031"},
		{"time-dateMatchingLastDayName", `{"day_name":"Tuesday"}`, "Tuesday, 14 January, 2031"},
	}
	for _, tt := range tests {
		t.Run(tt.tool+tt.args, func(t *testing.T) {
			t.Parallel()
			got, err := r.Invoke(context.Background(), tt.tool, tt.args)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTime_InvalidDayName(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, time.Date(2031, time.January, 15, 12, 0, 0, 0, time.UTC))
	if _, err := r.Invoke(context.Background(), "time-dateMatchingLastDayName", `{"day_name":"Funday"}`); err == nil {
		t.Fatal("expected error for unknown day name")
	}
	_, err := r.Invoke(context.Background(), "time-daysAgo", `{}`)
	if !errors.Is(err, plugin.ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
}

func TestTime_DefaultClock(t *testing.T) {
	t.Parallel()

	r := plugin.NewRegistry()
	if err := r.Register(New()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Invoke(context.Background(), "time-year", "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("expected four digit year, got %q", got)
	}
}
