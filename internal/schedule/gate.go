package schedule

import (
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Window is a single time-of-day range, "HH:MM" in the campaign's timezone.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BusinessHours is the per-weekday calling window configuration stored on the
// campaign row. Day keys are lowercase English weekday names.
type BusinessHours struct {
	Enabled bool                `json:"enabled"`
	Days    map[string][]Window `json:"days"`
}

// OpenWindow describes the next moment dispatch becomes allowed.
type OpenWindow struct {
	Start   time.Time `json:"start"`
	DayName string    `json:"day_name"`
}

// ParseBusinessHours decodes the JSON business-hours column. An empty column
// yields a disabled configuration.
func ParseBusinessHours(raw []byte) (*BusinessHours, error) {
	if len(raw) == 0 {
		return &BusinessHours{}, nil
	}

	var cfg BusinessHours

	err := json.Unmarshal(raw, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsOpen reports whether dispatch is currently allowed.
func IsOpen(cfg *BusinessHours, timezone string) bool {
	return IsOpenAt(cfg, timezone, time.Now())
}

// IsOpenAt evaluates the gate at an explicit instant. A disabled or nil
// configuration is always open.
func IsOpenAt(cfg *BusinessHours, timezone string, now time.Time) bool {
	if cfg == nil || !cfg.Enabled {
		return true
	}

	local := now.In(loadLocation(timezone))
	minuteOfDay := local.Hour()*60 + local.Minute()

	for _, window := range windowsFor(cfg, local.Weekday()) {
		start, end, ok := windowMinutes(window)
		if !ok {
			continue
		}

		if minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}

	return false
}

// NextOpenWindow returns the start of the next permitted window, or nil when
// the configuration never opens.
func NextOpenWindow(cfg *BusinessHours, timezone string) *OpenWindow {
	return NextOpenWindowAt(cfg, timezone, time.Now())
}

func NextOpenWindowAt(cfg *BusinessHours, timezone string, now time.Time) *OpenWindow {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	local := now.In(loadLocation(timezone))

	const daysInWeek = 7

	for dayOffset := range daysInWeek + 1 {
		day := local.AddDate(0, 0, dayOffset)
		minuteOfDay := -1

		if dayOffset == 0 {
			minuteOfDay = local.Hour()*60 + local.Minute()
		}

		// Windows are not required to be sorted in the configuration, so
		// take the earliest qualifying start of the day.
		earliestStart := -1

		for _, window := range windowsFor(cfg, day.Weekday()) {
			start, _, ok := windowMinutes(window)
			if !ok || start <= minuteOfDay {
				continue
			}

			if earliestStart < 0 || start < earliestStart {
				earliestStart = start
			}
		}

		if earliestStart >= 0 {
			startTime := time.Date(
				day.Year(), day.Month(), day.Day(),
				earliestStart/60, earliestStart%60, 0, 0, day.Location(),
			)

			return &OpenWindow{
				Start:   startTime,
				DayName: day.Weekday().String(),
			}
		}
	}

	return nil
}

func windowsFor(cfg *BusinessHours, weekday time.Weekday) []Window {
	return cfg.Days[strings.ToLower(weekday.String())]
}

func loadLocation(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logging.Logger.Warn("Invalid campaign timezone, falling back to UTC",
			zap.String("timezone", timezone),
			zap.String("error", err.Error()),
		)

		return time.UTC
	}

	return loc
}

func windowMinutes(window Window) (int, int, bool) {
	start, okStart := parseClock(window.Start)
	end, okEnd := parseClock(window.End)

	if !okStart || !okEnd || end <= start {
		return 0, 0, false
	}

	return start, end, true
}

func parseClock(value string) (int, bool) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, false
	}

	return parsed.Hour()*60 + parsed.Minute(), true
}
