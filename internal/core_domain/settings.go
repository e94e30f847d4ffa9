package core_domain

import (
	"fmt"
	"time"
)

// HourWindow is a half-open [Start, End) range of local hours.
type HourWindow struct {
	Start int `json:"start" validate:"gte=0,lte=23"`
	End   int `json:"end" validate:"gte=1,lte=24"`
}

// Contains reports whether hour falls inside the window.
func (w HourWindow) Contains(hour int) bool {
	return hour >= w.Start && hour < w.End
}

// AppSettings is the operator-editable policy singleton.
type AppSettings struct {
	Timezone                  string         `json:"timezone" validate:"required"`
	MessageWindow             HourWindow     `json:"message_window"`
	ConnectionWindow          HourWindow     `json:"connection_window"`
	MessagesPerDay            int            `json:"messages_per_day" validate:"gte=0"`
	ConnectionsPerDay         int            `json:"connections_per_day" validate:"gte=0"`
	MessageIntervalMinutes    int            `json:"message_interval_minutes" validate:"gte=0"`
	ConnectionIntervalMinutes int            `json:"connection_interval_minutes" validate:"gte=0"`
	DayBoundaryHour           int            `json:"day_boundary_hour" validate:"gte=0,lte=23"`
	WeekendDays               []time.Weekday `json:"weekend_days" validate:"len=2,dive,gte=0,lte=6"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

// DefaultWeekend is Saturday and Sunday.
var DefaultWeekend = []time.Weekday{time.Saturday, time.Sunday}

// Window returns the working window for action.
func (s *AppSettings) Window(action ActionType) HourWindow {
	if action == ActionConnection {
		return s.ConnectionWindow
	}
	return s.MessageWindow
}

// Quota returns the per-day max for action.
func (s *AppSettings) Quota(action ActionType) int {
	if action == ActionConnection {
		return s.ConnectionsPerDay
	}
	return s.MessagesPerDay
}

// Interval returns the minimum spacing between two sends of action.
func (s *AppSettings) Interval(action ActionType) time.Duration {
	if action == ActionConnection {
		return time.Duration(s.ConnectionIntervalMinutes) * time.Minute
	}
	return time.Duration(s.MessageIntervalMinutes) * time.Minute
}

// CheckConsistency validates the rules struct tags cannot express.
func (s *AppSettings) CheckConsistency() error {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q", ErrInvalidSettings, s.Timezone)
	}
	for name, w := range map[string]HourWindow{"message": s.MessageWindow, "connection": s.ConnectionWindow} {
		if w.Start >= w.End {
			return fmt.Errorf("%w: %s window start %d must be before end %d", ErrInvalidSettings, name, w.Start, w.End)
		}
	}
	if len(s.WeekendDays) == 2 && s.WeekendDays[0] == s.WeekendDays[1] {
		return fmt.Errorf("%w: weekend days must differ", ErrInvalidSettings)
	}
	return nil
}
