package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidInvestment is returned when an investment violates 0 <= withdrawn <= total or start < end.
var ErrInvalidInvestment = errors.New("invalid investment")

// Investment is a supplementary SU grant drawn down only after the proposal limit is exceeded.
type Investment struct {
	ID            int64
	Account       string
	TotalSU       int64
	WithdrawnSU   int64
	Start         time.Time
	End           time.Time
	PredecessorID *int64 // set when created by a rollover
	CreatedAt     time.Time
}

func (i Investment) Validate() error {
	if i.TotalSU < 0 {
		return fmt.Errorf("%w: negative total %d", ErrInvalidInvestment, i.TotalSU)
	}
	if i.WithdrawnSU < 0 || i.WithdrawnSU > i.TotalSU {
		return fmt.Errorf("%w: withdrawn %d outside [0, %d]", ErrInvalidInvestment, i.WithdrawnSU, i.TotalSU)
	}
	if !i.End.After(i.Start) {
		return fmt.Errorf("%w: end %s must be after start %s", ErrInvalidInvestment, FormatDate(i.End), FormatDate(i.Start))
	}
	return nil
}

// Remaining returns the SUs not yet withdrawn.
func (i Investment) Remaining() int64 { return i.TotalSU - i.WithdrawnSU }

// Exhausted reports whether every SU has been withdrawn.
func (i Investment) Exhausted() bool { return i.WithdrawnSU >= i.TotalSU }

// ActiveOn reports whether day falls inside [Start, End).
func (i Investment) ActiveOn(day time.Time) bool {
	day = Day(day)
	return !day.Before(Day(i.Start)) && day.Before(Day(i.End))
}

// ExpiredOn reports whether the investment's end date has been reached.
func (i Investment) ExpiredOn(day time.Time) bool {
	return !Day(day).Before(Day(i.End))
}

// SortByCreation orders investments oldest first, breaking ties by ID.
func SortByCreation(invs []Investment) {
	sort.SliceStable(invs, func(a, b int) bool {
		if !invs[a].CreatedAt.Equal(invs[b].CreatedAt) {
			return invs[a].CreatedAt.Before(invs[b].CreatedAt)
		}
		return invs[a].ID < invs[b].ID
	})
}

// InvestmentArchive is the immutable record of an exhausted, expired or rolled-over investment.
type InvestmentArchive struct {
	InvestmentID int64
	Account      string
	TotalSU      int64
	WithdrawnSU  int64
	Start        time.Time
	End          time.Time
	Reason       ArchiveReason
	ArchivedAt   time.Time
}
