package ingest

import (
	"strings"
	"time"
	_ "time/tzdata" // timezones must resolve on hosts without a zoneinfo database

	"github.com/itchyny/timefmt-go"

	"github.com/globaldothealth/fhirflat"
)

const isoDateTime = "2006-01-02T15:04:05-07:00"

var timeDirectives = []string{"%H", "%I", "%M", "%S", "%T", "%R", "%X", "%c", "%p", "%r", "%s"}

// IsDateTarget reports whether values written to path are dates.
func IsDateTarget(path string) bool {
	p := strings.ToLower(path)
	return strings.Contains(p, "date") || strings.Contains(p, "period")
}

// FormatDate converts a raw date string to FHIR form. A format without a
// time directive yields a bare date. A trailing time the format does not
// cover is parsed separately and the result is an ISO 8601 date-time with
// the offset of loc. nil yields nil.
//
// A value that cannot be parsed returns a *fhirflat.DateParseError; the
// caller decides between passing the value through and failing.
func FormatDate(value any, format string, loc *time.Location) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	s = strings.TrimSpace(s)

	if t, err := timefmt.ParseInLocation(s, format, loc); err == nil {
		if !hasTime(format) {
			return t.Format(time.DateOnly), nil
		}
		return t.Format(isoDateTime), nil
	}

	datePart, timePart, found := strings.Cut(s, " ")
	if found {
		d, derr := timefmt.ParseInLocation(datePart, format, loc)
		clock, terr := parseClock(strings.TrimSpace(timePart))
		if derr == nil && terr == nil {
			t := time.Date(d.Year(), d.Month(), d.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, loc)
			return t.Format(isoDateTime), nil
		}
	}

	_, err := timefmt.ParseInLocation(s, format, loc)
	return value, &fhirflat.DateParseError{Value: s, Format: format, Err: err}
}

func parseClock(s string) (time.Time, error) {
	t, err := timefmt.Parse(s, "%H:%M:%S")
	if err == nil {
		return t, nil
	}
	return timefmt.Parse(s, "%H:%M")
}

func hasTime(format string) bool {
	for _, d := range timeDirectives {
		if strings.Contains(format, d) {
			return true
		}
	}
	return false
}
