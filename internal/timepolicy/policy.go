package timepolicy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// MaxJitter bounds the random offset added to computed send times.
const MaxJitter = 30 * time.Minute

// Policy answers working-window and quota questions against the last settings it was
// given. It is only as fresh as the last Reload.
type Policy struct {
	mu       sync.RWMutex
	settings core_domain.AppSettings
	loc      *time.Location
	weekend  map[time.Weekday]bool

	stats core_domain.DailyStatsRepository
	clock core_domain.Clock

	rndMu sync.Mutex
	rnd   *rand.Rand
}

type Option func(*Policy)

// WithRandSource makes the jitter deterministic.
func WithRandSource(src rand.Source) Option {
	return func(p *Policy) { p.rnd = rand.New(src) }
}

func WithClock(clock core_domain.Clock) Option {
	return func(p *Policy) { p.clock = clock }
}

// New builds a Policy from initial settings.
func New(settings core_domain.AppSettings, stats core_domain.DailyStatsRepository, opts ...Option) (*Policy, error) {
	p := &Policy{
		stats: stats,
		clock: core_domain.SystemClock,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Reload(settings); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload swaps in new settings atomically. Invalid settings leave the old ones in place.
func (p *Policy) Reload(settings core_domain.AppSettings) error {
	if len(settings.WeekendDays) == 0 {
		settings.WeekendDays = append([]time.Weekday(nil), core_domain.DefaultWeekend...)
	}
	if err := settings.CheckConsistency(); err != nil {
		return err
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return fmt.Errorf("%w: %v", core_domain.ErrInvalidSettings, err)
	}
	weekend := make(map[time.Weekday]bool, len(settings.WeekendDays))
	for _, d := range settings.WeekendDays {
		weekend[d] = true
	}

	p.mu.Lock()
	p.settings = settings
	p.settings.WeekendDays = append([]time.Weekday(nil), settings.WeekendDays...)
	p.loc = loc
	p.weekend = weekend
	p.mu.Unlock()
	return nil
}

// Settings returns a copy of the active settings.
func (p *Policy) Settings() core_domain.AppSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.settings
	s.WeekendDays = append([]time.Weekday(nil), p.settings.WeekendDays...)
	return s
}

func (p *Policy) Location() *time.Location {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loc
}

// Now is the policy clock.
func (p *Policy) Now() time.Time { return p.clock() }

// Interval is the configured minimum spacing between two sends of action.
func (p *Policy) Interval(action core_domain.ActionType) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings.Interval(action)
}

// IsWorkingDay is false on the two configured weekend days, evaluated in the policy timezone.
func (p *Policy) IsWorkingDay(t time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.weekend[t.In(p.loc).Weekday()]
}

// IsInWindow reports whether t is on a working day and inside the action's hour window.
func (p *Policy) IsInWindow(action core_domain.ActionType, t time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	local := t.In(p.loc)
	if p.weekend[local.Weekday()] {
		return false
	}
	return p.settings.Window(action).Contains(local.Hour())
}

// NextSendTime computes when a message may go out delay after lastSent.
func (p *Policy) NextSendTime(lastSent time.Time, delay time.Duration) time.Time {
	return p.NextTimeInWindow(core_domain.ActionMessage, lastSent, delay)
}

// NextTimeInWindow adds delay to from and moves the result into the action's window:
// before the window it snaps to today's start, after it to the next day's start, and
// weekend days roll forward to the next working day. A jitter in [0, MaxJitter) is
// added, capped so the result never leaves the window.
func (p *Policy) NextTimeInWindow(action core_domain.ActionType, from time.Time, delay time.Duration) time.Time {
	p.mu.RLock()
	loc := p.loc
	w := p.settings.Window(action)
	weekend := p.weekend
	p.mu.RUnlock()

	opening := func(day time.Time, addDays int) time.Time {
		start := atHour(day, addDays, w.Start, loc)
		return start.Add(p.jitter(min(MaxJitter, atHour(start, 0, w.End, loc).Sub(start))))
	}
	inside := func(t time.Time) bool {
		return !weekend[t.Weekday()] && w.Contains(t.Hour())
	}

	t := from.Add(delay).In(loc)
	switch {
	case t.Hour() < w.Start:
		t = opening(t, 0)
	case t.Hour() >= w.End:
		t = opening(t, 1)
	default:
		room := atHour(t, 0, w.End, loc).Sub(t)
		t = t.Add(p.jitter(min(MaxJitter, room)))
	}

	// Weekends, and days whose opening a DST shift pushed outside the window.
	for i := 0; i < 14 && !inside(t); i++ {
		t = opening(t, 1)
	}
	return t
}

// atHour returns the first instant at or after hour:00 local time, addDays after t's
// calendar day. Hour 24 normalizes to midnight of the following day. When hour:00 falls
// in a DST gap the result is the first existing hour of that same day.
func atHour(t time.Time, addDays, hour int, loc *time.Location) time.Time {
	y, m, d := t.Date()
	if hour >= 24 {
		return atHour(time.Date(y, m, d, 12, 0, 0, 0, loc), addDays+hour/24, hour%24, loc)
	}
	y, m, d = time.Date(y, m, d+addDays, 12, 0, 0, 0, loc).Date()
	for h := hour; h < 24; h++ {
		r := time.Date(y, m, d, h, 0, 0, 0, loc)
		if ry, rm, rd := r.Date(); ry == y && rm == m && rd == d && r.Hour() >= hour {
			return r
		}
	}
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// jitter returns a uniform duration in [0, upper). Non-positive upper yields 0.
func (p *Policy) jitter(upper time.Duration) time.Duration {
	if upper <= 0 {
		return 0
	}
	p.rndMu.Lock()
	defer p.rndMu.Unlock()
	return time.Duration(p.rnd.Int63n(int64(upper)))
}

// StatsDate is the stats day t belongs to: the local calendar date after shifting by the
// configured day-boundary hour, as midnight UTC.
func (p *Policy) StatsDate(t time.Time) time.Time {
	p.mu.RLock()
	loc := p.loc
	boundary := p.settings.DayBoundaryHour
	p.mu.RUnlock()

	local := t.In(loc).Add(-time.Duration(boundary) * time.Hour)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (p *Policy) seed(t time.Time) core_domain.DailyStats {
	date := p.StatsDate(t)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return core_domain.DailyStats{
		Date:                    date,
		MessagesQuota:           p.settings.MessagesPerDay,
		ConnectionRequestsQuota: p.settings.ConnectionsPerDay,
	}
}

// Today returns today's stats row, creating it on first use.
func (p *Policy) Today(ctx context.Context) (*core_domain.DailyStats, error) {
	stats, err := p.stats.GetOrCreate(ctx, p.seed(p.clock()))
	if err != nil {
		return nil, fmt.Errorf("load daily stats: %w", err)
	}
	return stats, nil
}

// QuotaAvailable is false on non-working days and once today's counter reaches its max.
func (p *Policy) QuotaAvailable(ctx context.Context, action core_domain.ActionType) (bool, error) {
	if !p.IsWorkingDay(p.clock()) {
		return false, nil
	}
	stats, err := p.Today(ctx)
	if err != nil {
		return false, err
	}
	return stats.Used(action) < stats.Quota(action), nil
}

// RecordSend increments today's counter for action.
func (p *Policy) RecordSend(ctx context.Context, action core_domain.ActionType) (*core_domain.DailyStats, error) {
	stats, err := p.stats.Increment(ctx, p.seed(p.clock()), action)
	if err != nil {
		return nil, fmt.Errorf("increment daily stats: %w", err)
	}
	return stats, nil
}

// RefreshQuotas copies the current quota settings onto today's stats row.
func (p *Policy) RefreshQuotas(ctx context.Context) error {
	if err := p.stats.UpdateQuotas(ctx, p.seed(p.clock())); err != nil {
		return fmt.Errorf("refresh daily quotas: %w", err)
	}
	return nil
}
