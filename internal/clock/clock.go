// Package clock classifies instants against Indonesian equity market hours.
//
// The exchange trades in two sessions per day (WIB, UTC+7) separated by a
// lunch break. The windows carry a 5-minute cushion on both ends so the
// supervisor connects slightly before the vendor starts accepting
// subscriptions and disconnects slightly after the close:
//
//	Mon–Thu:  S1 [08:55, 12:05)   S2 [13:25, 15:54)
//	Friday:   S1 [08:55, 11:35)   S2 [13:55, 15:54)
//
// Status is a pure function of the supplied instant; the supervisor injects
// time.Now and tests inject fixed instants.
package clock

import "time"

// WIB is the fixed market timezone (UTC+7, no DST).
var WIB = time.FixedZone("WIB", 7*60*60)

// Phase is the coarse market state.
type Phase string

const (
	PhaseOpen   Phase = "open"
	PhaseBreak  Phase = "break"
	PhaseClosed Phase = "closed"
)

// Reason explains why the market is not in an open session.
type Reason string

const (
	ReasonSession1  Reason = "Session 1"
	ReasonSession2  Reason = "Session 2"
	ReasonLunch     Reason = "Lunch Break"
	ReasonPreMarket Reason = "Pre-Market"
	ReasonAfterHrs  Reason = "After Hours"
	ReasonWeekend   Reason = "Weekend"
)

// Status is the classification of one instant.
type Status struct {
	Phase          Phase
	Session        int    // 1 or 2 when Phase == PhaseOpen, else 0
	Reason         Reason // session name when open, closure reason otherwise
	CurrentTime    time.Time
	NextTransition time.Time // next open when closed/break, next close when open
	TimeUntilNext  time.Duration
}

// IsOpen reports whether a trading session (with cushions) is active.
func (s Status) IsOpen() bool { return s.Phase == PhaseOpen }

type sessionWindow struct {
	openH, openM   int
	closeH, closeM int
}

var (
	monThuS1 = sessionWindow{8, 55, 12, 5}
	monThuS2 = sessionWindow{13, 25, 15, 54}
	friS1    = sessionWindow{8, 55, 11, 35}
	friS2    = sessionWindow{13, 55, 15, 54}
)

// Now classifies the current wall-clock instant.
func Now() Status { return At(time.Now()) }

// At classifies an arbitrary instant. The instant is converted to WIB first,
// so callers may pass times in any location.
func At(now time.Time) Status {
	now = now.In(WIB)
	wd := now.Weekday()

	if wd == time.Saturday || wd == time.Sunday {
		next := nextTradingOpen(now)
		return Status{
			Phase:          PhaseClosed,
			Reason:         ReasonWeekend,
			CurrentTime:    now,
			NextTransition: next,
			TimeUntilNext:  next.Sub(now),
		}
	}

	s1, s2 := monThuS1, monThuS2
	if wd == time.Friday {
		s1, s2 = friS1, friS2
	}

	s1Open := at(now, s1.openH, s1.openM)
	s1Close := at(now, s1.closeH, s1.closeM)
	s2Open := at(now, s2.openH, s2.openM)
	s2Close := at(now, s2.closeH, s2.closeM)

	switch {
	case !now.Before(s1Open) && now.Before(s1Close):
		return Status{
			Phase:          PhaseOpen,
			Session:        1,
			Reason:         ReasonSession1,
			CurrentTime:    now,
			NextTransition: s1Close,
			TimeUntilNext:  s1Close.Sub(now),
		}
	case !now.Before(s2Open) && now.Before(s2Close):
		return Status{
			Phase:          PhaseOpen,
			Session:        2,
			Reason:         ReasonSession2,
			CurrentTime:    now,
			NextTransition: s2Close,
			TimeUntilNext:  s2Close.Sub(now),
		}
	case !now.Before(s1Close) && now.Before(s2Open):
		return Status{
			Phase:          PhaseBreak,
			Reason:         ReasonLunch,
			CurrentTime:    now,
			NextTransition: s2Open,
			TimeUntilNext:  s2Open.Sub(now),
		}
	case now.Before(s1Open):
		return Status{
			Phase:          PhaseClosed,
			Reason:         ReasonPreMarket,
			CurrentTime:    now,
			NextTransition: s1Open,
			TimeUntilNext:  s1Open.Sub(now),
		}
	default:
		next := nextTradingOpen(now)
		return Status{
			Phase:          PhaseClosed,
			Reason:         ReasonAfterHrs,
			CurrentTime:    now,
			NextTransition: next,
			TimeUntilNext:  next.Sub(now),
		}
	}
}

// nextTradingOpen returns the next weekday 08:55 strictly after now.
func nextTradingOpen(now time.Time) time.Time {
	day := now.AddDate(0, 0, 1)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return at(day, 8, 55)
}

func at(day time.Time, hour, min int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, WIB)
}
