// Package mar computes the medication administration record grid: administration
// events are bucketed into time intervals and every interval of a prescription's
// row is classified for display.
package mar

import (
	"fmt"
	"time"
)

// Interval is a half-open time bucket [Start, End)
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the interval
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

// Span is an inclusive range of calendar dates
type Span struct {
	From time.Time
	To   time.Time
}

// DateLayout is how calendar dates travel on the wire
const DateLayout = "2006-01-02"

// ParseSpan parses two YYYY-MM-DD dates in loc
func ParseSpan(from, to string, loc *time.Location) (Span, error) {
	if loc == nil {
		loc = time.UTC
	}
	f, err := time.ParseInLocation(DateLayout, from, loc)
	if err != nil {
		return Span{}, fmt.Errorf("invalid from date %q: %w", from, err)
	}
	t, err := time.ParseInLocation(DateLayout, to, loc)
	if err != nil {
		return Span{}, fmt.Errorf("invalid to date %q: %w", to, err)
	}
	if t.Before(f) {
		return Span{}, fmt.Errorf("to date %s is before from date %s", to, from)
	}
	return Span{From: f, To: t}, nil
}

// FromDate formats the first day
func (s Span) FromDate() string { return s.From.Format(DateLayout) }

// ToDate formats the last day
func (s Span) ToDate() string { return s.To.Format(DateLayout) }

// Days returns the number of calendar days covered
func (s Span) Days() int {
	return len(DailyIntervals(s.From, s.To, s.From.Location()))
}

// DailyIntervals returns one interval per calendar day from the day of from to the
// day of to, both inclusive, with boundaries at local midnight in loc.
func DailyIntervals(from, to time.Time, loc *time.Location) []Interval {
	if loc == nil {
		loc = time.UTC
	}
	start := midnight(from.In(loc))
	last := midnight(to.In(loc))

	var out []Interval
	for day := start; !day.After(last); day = day.AddDate(0, 0, 1) {
		out = append(out, Interval{Start: day, End: day.AddDate(0, 0, 1)})
	}
	return out
}

// SplitIntervals cuts [start, end) into consecutive steps; the last one is clipped to end
func SplitIntervals(start, end time.Time, step time.Duration) []Interval {
	if step <= 0 || !start.Before(end) {
		return nil
	}
	var out []Interval
	for s := start; s.Before(end); s = s.Add(step) {
		e := s.Add(step)
		if e.After(end) {
			e = end
		}
		out = append(out, Interval{Start: s, End: e})
	}
	return out
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
