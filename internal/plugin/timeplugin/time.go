// Package timeplugin provides the "time" plugin, which answers questions about
// the current date and time in the local time zone.
package timeplugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/mosscap/internal/plugin"
)

// Name is the plugin name used in tool names such as "time-today".
const Name = "time"

const (
	dateLayout     = "Monday, 02 January, 2006"
	dateTimeLayout = "Monday, January 02, 2006 03:04 PM"
)

// Option configures the plugin.
type Option func(*clock)

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(c *clock) { c.now = now }
}

type clock struct {
	now func() time.Time
}

// layoutFunc returns a parameterless function formatting the current time
// with layout.
func (c *clock) layoutFunc(name, description, layout string) plugin.Function {
	return plugin.Function{
		Name:        name,
		Description: description,
		Handler: func(context.Context, plugin.Arguments) (any, error) {
			return c.now().Format(layout), nil
		},
	}
}

// New returns the time plugin.
func New(opts ...Option) plugin.Plugin {
	c := &clock{now: time.Now}
	for _, o := range opts {
		o(c)
	}

	return plugin.Plugin{
		Name:        Name,
		Description: "Current date and time in the local time zone.",
		Functions: []plugin.Function{
			c.layoutFunc("date", "Get the current date.", dateLayout),
			c.layoutFunc("today", "Get the current date.", dateLayout),
			c.layoutFunc("now", "Get the current date and time in the local time zone.", dateTimeLayout),
			{
				Name:        "utcNow",
				Description: "Get the current date and time in UTC.",
				Handler: func(context.Context, plugin.Arguments) (any, error) {
					return c.now().UTC().Format(dateTimeLayout), nil
				},
			},
			c.layoutFunc("time", "Get the current time.", "03:04:05 PM"),
			c.layoutFunc("year", "Get the current year.", "2006"),
			c.layoutFunc("month", "Get the current month name.", "January"),
			c.layoutFunc("monthNumber", "Get the current month number.", "01"),
			c.layoutFunc("day", "Get the current day of the month.", "02"),
			c.layoutFunc("dayOfWeek", "Get the current day of the week.", "Monday"),
			c.layoutFunc("hour", "Get the current clock hour.", "03 PM"),
			c.layoutFunc("hourNumber", "Get the current clock 24-hour number.", "15"),
			c.layoutFunc("minute", "Get the minutes on the current hour.", "04"),
			c.layoutFunc("second", "Get the seconds on the current minute.", "05"),
			c.layoutFunc("timeZoneOffset", "Get the local time zone offset from UTC.", "-0700"),
			c.layoutFunc("timeZoneName", "Get the local time zone name.", "MST"),
			{
				Name:        "daysAgo",
				Description: "Get the date a number of days before today.",
				Parameters: []plugin.Parameter{
					{Name: "days", Description: "the number of days to go back", Type: plugin.TypeInteger, Required: true},
				},
				Returns: "the date as text",
				Handler: func(_ context.Context, args plugin.Arguments) (any, error) {
					return c.now().AddDate(0, 0, -int(args.Int("days"))).Format(dateLayout), nil
				},
			},
			{
				Name:        "dateMatchingLastDayName",
				Description: "Get the date of the last day matching the supplied week day name, looking back at most a week.",
				Parameters: []plugin.Parameter{
					{Name: "day_name", Description: "the week day name, e.g. Sunday", Type: plugin.TypeString, Required: true},
				},
				Returns: "the date as text",
				Handler: func(_ context.Context, args plugin.Arguments) (any, error) {
					return lastDayNamed(c.now(), args.String("day_name"))
				},
			},
		},
	}
}

// lastDayNamed returns the most recent date strictly before now whose week
// day is dayName.
func lastDayNamed(now time.Time, dayName string) (string, error) {
	for i := 1; i <= 7; i++ {
		d := now.AddDate(0, 0, -i)
		if strings.EqualFold(d.Weekday().String(), strings.TrimSpace(dayName)) {
			return d.Format(dateLayout), nil
		}
	}
	return "", fmt.Errorf("timeplugin: %q is not a day of the week", dayName)
}
