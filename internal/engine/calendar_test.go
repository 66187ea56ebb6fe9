package engine_test

import (
	"testing"
	"time"

	"regline/internal/config"
	"regline/internal/engine"
)

func mustCalendar(t *testing.T, cfg config.CalendarConfig) *engine.Calendar {
	t.Helper()
	cal, err := engine.NewCalendar(cfg)
	if err != nil {
		t.Fatalf("new calendar: %v", err)
	}
	return cal
}

func TestAddHoursPlain(t *testing.T) {
	cal := mustCalendar(t, config.CalendarConfig{})
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	got := cal.AddHours(start, 24, false, false)
	if want := start.Add(24 * time.Hour); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestAddHoursSkipsWeekend(t *testing.T) {
	cal := mustCalendar(t, config.CalendarConfig{})
	// Friday 09:00. 15h remain on Friday, the rest lands Monday.
	start := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	got := cal.AddHours(start, 24, false, true)
	want := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestAddHoursBusinessWindow(t *testing.T) {
	cal := mustCalendar(t, config.CalendarConfig{DayStartHour: 9, DayEndHour: 17})
	mon := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	// 7h left in Monday's window, 1h spills into Tuesday.
	got := cal.AddHours(mon, 8, true, true)
	want := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}

	// Before the window the clock starts at day start.
	early := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	got = cal.AddHours(early, 2, true, true)
	want = time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("early start: got %s, want %s", got, want)
	}

	// After the window the clock starts next morning.
	late := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	got = cal.AddHours(late, 1, true, true)
	want = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("late start: got %s, want %s", got, want)
	}
}

func TestAddHoursSkipsHolidays(t *testing.T) {
	cal := mustCalendar(t, config.CalendarConfig{Holidays: []string{"2024-01-02"}})
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	got := cal.AddHours(start, 24, false, true)
	want := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestAddHoursCustomWeekend(t *testing.T) {
	cal := mustCalendar(t, config.CalendarConfig{WeekendDays: []string{"friday", "saturday"}})
	// Thursday 09:00 with a Friday/Saturday weekend rolls into Sunday.
	start := time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)
	got := cal.AddHours(start, 24, false, true)
	want := time.Date(2024, 1, 7, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestHoursBetween(t *testing.T) {
	cal := mustCalendar(t, config.CalendarConfig{})
	mon := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if h := cal.HoursBetween(mon, mon.Add(24*time.Hour), false, false); h != 24 {
		t.Fatalf("plain hours = %v", h)
	}
	if h := cal.HoursBetween(mon, mon, false, false); h != 0 {
		t.Fatalf("zero span = %v", h)
	}
	if h := cal.HoursBetween(mon, mon.Add(-time.Hour), false, true); h != 0 {
		t.Fatalf("negative span = %v", h)
	}

	// Friday 09:00 to Monday 09:00 skips the weekend entirely.
	fri := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	nextMon := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	if h := cal.HoursBetween(fri, nextMon, false, true); h != 24 {
		t.Fatalf("weekend-excluded hours = %v", h)
	}

	biz := mustCalendar(t, config.CalendarConfig{DayStartHour: 9, DayEndHour: 17})
	tueEnd := time.Date(2024, 1, 2, 17, 0, 0, 0, time.UTC)
	if h := biz.HoursBetween(mon, tueEnd, true, true); h != 16 {
		t.Fatalf("business hours = %v", h)
	}
}

func TestNewCalendarRejectsBadConfig(t *testing.T) {
	if _, err := engine.NewCalendar(config.CalendarConfig{WeekendDays: []string{"caturday"}}); err == nil {
		t.Fatal("unknown weekend day accepted")
	}
	if _, err := engine.NewCalendar(config.CalendarConfig{Holidays: []string{"Jan 2"}}); err == nil {
		t.Fatal("malformed holiday accepted")
	}
	if _, err := engine.NewCalendar(config.CalendarConfig{Timezone: "Mars/Olympus"}); err == nil {
		t.Fatal("unknown timezone accepted")
	}
}
