package instrument

import "time"

// BusinessDaysPerYear is the Brazilian fixed-income day-count convention
// (DU/252).
const BusinessDaysPerYear = 252

// BusinessDays counts Monday-to-Friday days in the half-open interval
// (from, to]. Weekends are excluded; exchange holidays are not modeled, so a
// holiday counts as a business day.
func BusinessDays(from, to time.Time) uint64 {
	if !to.After(from) {
		return 0
	}
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)

	var days uint64
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			days++
		}
	}
	return days
}
