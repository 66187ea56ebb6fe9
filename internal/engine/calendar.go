package engine

import (
	"fmt"
	"time"

	"regline/internal/config"
)

// Calendar carries the working-time rules used for SLA due dates. The
// default window is the whole day, so exclude_weekends alone gives plain
// calendar arithmetic that skips weekend days.
type Calendar struct {
	Location *time.Location
	DayStart int
	DayEnd   int
	Weekend  map[time.Weekday]bool
	Holidays map[string]bool
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func NewCalendar(cfg config.CalendarConfig) (*Calendar, error) {
	loc := time.UTC
	if cfg.Timezone != "" && cfg.Timezone != "UTC" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("calendar timezone: %w", err)
		}
	}
	c := &Calendar{
		Location: loc,
		DayStart: cfg.DayStartHour,
		DayEnd:   cfg.DayEndHour,
		Weekend:  map[time.Weekday]bool{},
		Holidays: map[string]bool{},
	}
	if c.DayEnd == 0 {
		c.DayEnd = 24
	}
	if len(cfg.WeekendDays) == 0 {
		c.Weekend[time.Saturday] = true
		c.Weekend[time.Sunday] = true
	} else {
		for _, name := range cfg.WeekendDays {
			day, ok := weekdayNames[name]
			if !ok {
				return nil, fmt.Errorf("calendar weekend day %s unknown", name)
			}
			c.Weekend[day] = true
		}
	}
	for _, h := range cfg.Holidays {
		if _, err := time.ParseInLocation("2006-01-02", h, loc); err != nil {
			return nil, fmt.Errorf("calendar holiday %s: %w", h, err)
		}
		c.Holidays[h] = true
	}
	return c, nil
}

func (c *Calendar) workingDay(t time.Time, excludeWeekends bool) bool {
	if excludeWeekends && c.Weekend[t.Weekday()] {
		return false
	}
	if c.Holidays[t.Format("2006-01-02")] {
		return false
	}
	return true
}

func (c *Calendar) window(t time.Time, businessHoursOnly bool) (time.Time, time.Time) {
	y, m, d := t.Date()
	if !businessHoursOnly {
		start := time.Date(y, m, d, 0, 0, 0, 0, c.Location)
		return start, start.AddDate(0, 0, 1)
	}
	start := time.Date(y, m, d, c.DayStart, 0, 0, 0, c.Location)
	end := time.Date(y, m, d, 0, 0, 0, 0, c.Location).Add(time.Duration(c.DayEnd) * time.Hour)
	return start, end
}

// AddHours advances start by the given number of working hours. When neither
// rule applies this is plain duration arithmetic.
func (c *Calendar) AddHours(start time.Time, hours float64, businessHoursOnly, excludeWeekends bool) time.Time {
	rem := time.Duration(hours * float64(time.Hour))
	if !businessHoursOnly && !excludeWeekends {
		return start.Add(rem)
	}
	cur := start.In(c.Location)
	for {
		if !c.workingDay(cur, excludeWeekends) {
			cur = c.nextDayStart(cur, businessHoursOnly)
			continue
		}
		winStart, winEnd := c.window(cur, businessHoursOnly)
		if cur.Before(winStart) {
			cur = winStart
		}
		if !cur.Before(winEnd) {
			cur = c.nextDayStart(cur, businessHoursOnly)
			continue
		}
		avail := winEnd.Sub(cur)
		if avail >= rem {
			return cur.Add(rem)
		}
		rem -= avail
		cur = c.nextDayStart(cur, businessHoursOnly)
	}
}

// HoursBetween measures the working hours elapsed from from to to under the
// same rules AddHours schedules with. Returns 0 when to is not after from.
func (c *Calendar) HoursBetween(from, to time.Time, businessHoursOnly, excludeWeekends bool) float64 {
	if !to.After(from) {
		return 0
	}
	if !businessHoursOnly && !excludeWeekends {
		return to.Sub(from).Hours()
	}
	cur := from.In(c.Location)
	end := to.In(c.Location)
	var total time.Duration
	for cur.Before(end) {
		if !c.workingDay(cur, excludeWeekends) {
			cur = c.nextDayStart(cur, businessHoursOnly)
			continue
		}
		winStart, winEnd := c.window(cur, businessHoursOnly)
		if cur.Before(winStart) {
			cur = winStart
			continue
		}
		if !cur.Before(winEnd) {
			cur = c.nextDayStart(cur, businessHoursOnly)
			continue
		}
		stop := winEnd
		if end.Before(stop) {
			stop = end
		}
		total += stop.Sub(cur)
		cur = c.nextDayStart(cur, businessHoursOnly)
	}
	return total.Hours()
}

func (c *Calendar) nextDayStart(t time.Time, businessHoursOnly bool) time.Time {
	y, m, d := t.Date()
	next := time.Date(y, m, d, 0, 0, 0, 0, c.Location).AddDate(0, 0, 1)
	if businessHoursOnly {
		return next.Add(time.Duration(c.DayStart) * time.Hour)
	}
	return next
}

// calendarFor builds the calendar from a cycle config, defaulting to a
// plain UTC calendar when the config carries no calendar section.
func calendarFor(cfg *config.Config) (*Calendar, error) {
	if cfg == nil {
		return NewCalendar(config.CalendarConfig{})
	}
	return NewCalendar(cfg.Calendar)
}
