// Package market answers "is the market open" for the engine, driven by a
// venue calendar file (session hours, weekdays, holidays).
package market

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// CalendarConfig is the YAML shape of a venue calendar.
type CalendarConfig struct {
	Venue    string   `yaml:"venue"`
	Timezone string   `yaml:"timezone"`
	Open     string   `yaml:"open"`  // "09:15"
	Close    string   `yaml:"close"` // "15:30"
	Weekdays []string `yaml:"weekdays"`
	Holidays []string `yaml:"holidays"` // "2006-01-02" dates
}

// Calendar is the market gate. The open/closed answer is recomputed on a timer
// by a single writer; readers never block it.
type Calendar struct {
	venue    string
	loc      *time.Location
	openMin  int // minutes from midnight, venue local time
	closeMin int
	weekdays map[time.Weekday]bool
	holidays map[string]bool

	mu         sync.RWMutex
	cachedOpen bool
	cachedAt   time.Time
}

// LoadCalendar reads a venue calendar from a YAML file.
func LoadCalendar(path string) (*Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	var cfg CalendarConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}
	return NewCalendar(cfg)
}

// NewCalendar builds a Calendar from config.
func NewCalendar(cfg CalendarConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	openMin, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("parse open time: %w", err)
	}
	closeMin, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("parse close time: %w", err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("close %q must be after open %q", cfg.Close, cfg.Open)
	}

	weekdays := make(map[time.Weekday]bool)
	if len(cfg.Weekdays) == 0 {
		for d := time.Monday; d <= time.Friday; d++ {
			weekdays[d] = true
		}
	} else {
		for _, name := range cfg.Weekdays {
			wd, err := parseWeekday(name)
			if err != nil {
				return nil, err
			}
			weekdays[wd] = true
		}
	}

	holidays := make(map[string]bool, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		holidays[h] = true
	}

	c := &Calendar{
		venue:    cfg.Venue,
		loc:      loc,
		openMin:  openMin,
		closeMin: closeMin,
		weekdays: weekdays,
		holidays: holidays,
	}
	c.refresh(time.Now())
	return c, nil
}

// Start refreshes the cached open/closed answer on a timer until ctx is done.
func (c *Calendar) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refresh(time.Now())
			}
		}
	}()
}

func (c *Calendar) refresh(now time.Time) {
	open := c.IsOpen(now)
	c.mu.Lock()
	if open != c.cachedOpen {
		log.Printf("calendar: %s market now %s", c.venue, openString(open))
	}
	c.cachedOpen = open
	c.cachedAt = now
	c.mu.Unlock()
}

func openString(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}

// IsOpenCached returns the last computed answer without recomputing.
func (c *Calendar) IsOpenCached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cachedOpen
}

// IsOpen computes whether the venue is open at the given instant.
func (c *Calendar) IsOpen(now time.Time) bool {
	local := now.In(c.loc)
	if !c.isTradingDate(local) {
		return false
	}
	min := local.Hour()*60 + local.Minute()
	return min >= c.openMin && min < c.closeMin
}

// TradingDay returns the trading-day key for counters: the calendar date of
// the most recent market open at or before now. Counters therefore roll at
// market open, not at midnight.
func (c *Calendar) TradingDay(now time.Time) string {
	local := now.In(c.loc)
	for i := 0; i < 366; i++ {
		if c.isTradingDate(local) {
			// On the current date the session must already have opened.
			if i > 0 || local.Hour()*60+local.Minute() >= c.openMin {
				return local.Format("2006-01-02")
			}
		}
		local = local.AddDate(0, 0, -1)
		// After stepping back a day any trading date qualifies.
		local = time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 0, 0, c.loc)
	}
	return local.Format("2006-01-02")
}

// TradingDayStart returns the market-open instant of the trading day that
// TradingDay(now) keys, so per-day aggregates use the same boundary as the
// counters.
func (c *Calendar) TradingDayStart(now time.Time) time.Time {
	day, err := time.ParseInLocation("2006-01-02", c.TradingDay(now), c.loc)
	if err != nil {
		return now
	}
	return time.Date(day.Year(), day.Month(), day.Day(), c.openMin/60, c.openMin%60, 0, 0, c.loc)
}

// NextOpen returns the next market open at or after now.
func (c *Calendar) NextOpen(now time.Time) time.Time {
	local := now.In(c.loc)
	for i := 0; i < 366; i++ {
		open := time.Date(local.Year(), local.Month(), local.Day(), c.openMin/60, c.openMin%60, 0, 0, c.loc)
		if c.isTradingDate(local) && !open.Before(now) {
			return open
		}
		local = local.AddDate(0, 0, 1)
		local = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	}
	return local
}

// Venue returns the configured venue name.
func (c *Calendar) Venue() string {
	return c.venue
}

func (c *Calendar) isTradingDate(local time.Time) bool {
	if !c.weekdays[local.Weekday()] {
		return false
	}
	return !c.holidays[local.Format("2006-01-02")]
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if len(n) > 3 {
		n = n[:3]
	}
	switch n {
	case "sun":
		return time.Sunday, nil
	case "mon":
		return time.Monday, nil
	case "tue":
		return time.Tuesday, nil
	case "wed":
		return time.Wednesday, nil
	case "thu":
		return time.Thursday, nil
	case "fri":
		return time.Friday, nil
	case "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}
