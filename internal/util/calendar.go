package util

import (
	"fmt"
	"sync"
	"time"

	// Embedded zone database so America/New_York resolves on minimal images.
	_ "time/tzdata"
)

// Eastern is the market-local zone for US equity options.
var Eastern = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

// Clock is the single source of "now". Components never call time.Now
// directly so that tests can pin the instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current instant.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a Clock whose instant only moves when told to.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock returns a FixedClock pinned at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now returns the pinned instant.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Date
// ---------------------------------------------------------------------------

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// Date is a calendar day with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t as observed in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalJSON encodes d as "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON decodes a quoted "YYYY-MM-DD".
func (d *Date) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("date: want quoted string, got %s", s)
	}
	parsed, err := ParseDate(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d == Date{} }

// Before reports whether d is an earlier day than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// DaysUntil returns the number of calendar days from d to other. It is
// negative when other is before d.
func (d Date) DaysUntil(other Date) int {
	a := d.In(time.UTC)
	b := other.In(time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

// ---------------------------------------------------------------------------
// Trading calendar
// ---------------------------------------------------------------------------

// Session is the fine-grained classification of an instant.
type Session string

const (
	SessionPreMarket     Session = "pre_market"
	SessionRegular       Session = "regular"
	SessionPostMarket    Session = "post_market"
	SessionClosedWeekday Session = "closed_weekday"
	SessionClosedWeekend Session = "closed_weekend"
)

// Phase is the coarse classification that drives cadence and staleness.
type Phase string

const (
	PhasePreMarket  Phase = "pre_market"
	PhaseRegular    Phase = "regular"
	PhasePostMarket Phase = "post_market"
	PhaseClosed     Phase = "closed"
)

// Session boundaries in minutes after local midnight.
const (
	preMarketOpen  = 4 * 60
	regularOpen    = 9*60 + 30
	regularClose   = 16 * 60
	postMarketStop = 20 * 60
)

// TradingCalendar provides market-hours awareness for the US options market.
// Holidays are not modelled; a holiday behaves like an ordinary weekday.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given zone. A nil
// location means US/Eastern.
func NewTradingCalendar(loc *time.Location) *TradingCalendar {
	if loc == nil {
		loc = Eastern
	}
	return &TradingCalendar{loc: loc}
}

// Location returns the market-local zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// Local converts t into the market-local zone.
func (tc *TradingCalendar) Local(t time.Time) time.Time { return t.In(tc.loc) }

// Session classifies t.
func (tc *TradingCalendar) Session(t time.Time) Session {
	lt := t.In(tc.loc)
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return SessionClosedWeekend
	}
	mins := lt.Hour()*60 + lt.Minute()
	switch {
	case mins >= preMarketOpen && mins < regularOpen:
		return SessionPreMarket
	case mins >= regularOpen && mins < regularClose:
		return SessionRegular
	case mins >= regularClose && mins < postMarketStop:
		return SessionPostMarket
	default:
		return SessionClosedWeekday
	}
}

// MarketPhase collapses Session into the four phases.
func (tc *TradingCalendar) MarketPhase(t time.Time) Phase {
	switch tc.Session(t) {
	case SessionPreMarket:
		return PhasePreMarket
	case SessionRegular:
		return PhaseRegular
	case SessionPostMarket:
		return PhasePostMarket
	default:
		return PhaseClosed
	}
}

// IsMarketOpen returns whether regular trading is in session at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	return tc.MarketPhase(t) == PhaseRegular
}

// TradingDate returns the effective trading date of t: the local date on
// weekdays, the preceding Friday on Saturday and Sunday.
func (tc *TradingCalendar) TradingDate(t time.Time) Date {
	lt := t.In(tc.loc)
	d := DateOf(lt)
	switch lt.Weekday() {
	case time.Saturday:
		return d.AddDays(-1)
	case time.Sunday:
		return d.AddDays(-2)
	}
	return d
}

// IsPremarketRollover reports whether now is inside pre-market and the
// last wipe happened on a different trading date. A zero lastClear always
// differs.
func (tc *TradingCalendar) IsPremarketRollover(lastClear, now time.Time) bool {
	if tc.MarketPhase(now) != PhasePreMarket {
		return false
	}
	if lastClear.IsZero() {
		return true
	}
	return tc.TradingDate(lastClear) != tc.TradingDate(now)
}

// DTE returns the calendar days from the trading date of now to expiry.
func (tc *TradingCalendar) DTE(expiry Date, now time.Time) int {
	return tc.TradingDate(now).DaysUntil(expiry)
}
