package quota

import (
	"fmt"
	"time"
)

// Season labels follow the Indian cropping calendar:
//
//	Kharif  June – October
//	Rabi    November – March (labelled by the year it starts in)
//	Zaid    April – May
//
// SeasonOf is a pure function of t; callers pass the request time once and
// reuse the result for both the quota check and the ledger write.
func SeasonOf(t time.Time) string {
	t = t.UTC()
	y := t.Year()
	switch m := t.Month(); {
	case m >= time.June && m <= time.October:
		return fmt.Sprintf("Kharif-%d", y)
	case m >= time.April && m <= time.May:
		return fmt.Sprintf("Zaid-%d", y)
	case m >= time.November:
		return fmt.Sprintf("Rabi-%d", y)
	default: // January to March
		return fmt.Sprintf("Rabi-%d", y-1)
	}
}
