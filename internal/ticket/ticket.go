package ticket

import (
	"fmt"
	"time"
)

// DateLayout is the day prefix of every ticket number.
const DateLayout = "20060102"

// Format renders a ticket number as the business date followed by a zero padded sequence.
func Format(date string, sequence int) string {
	return fmt.Sprintf("%s%05d", date, sequence)
}

// Next returns the date and sequence to allocate given the stored counter.
// The counter date never moves backwards: a draft dated before the stored day
// is numbered on the stored day. The sequence restarts at 1 on a newer day.
func Next(lastDate string, lastSequence int, today string) (string, int) {
	if lastDate != "" && lastDate >= today {
		return lastDate, lastSequence + 1
	}
	return today, 1
}

// BusinessDate is the calendar day of t in the establishment timezone.
func BusinessDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// DayBounds returns the [start, end) instants of a business date.
func DayBounds(date string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start.UTC(), start.AddDate(0, 0, 1).UTC(), nil
}
