package threshold

import (
	"sort"

	"ClusterBank/internal/calculator"
	"ClusterBank/internal/model"
)

// Engine decides which notices fire for an account and whether it must be locked.
type Engine struct {
	Thresholds   []int // percentages, ascending
	WarningDays  int
	LockOnExpiry bool
}

// New creates an Engine with its thresholds sorted ascending.
func New(thresholds []int, warningDays int, lockOnExpiry bool) *Engine {
	ts := append([]int(nil), thresholds...)
	sort.Ints(ts)
	return &Engine{Thresholds: ts, WarningDays: warningDays, LockOnExpiry: lockOnExpiry}
}

// Pending is a notice the engine wants sent.
type Pending struct {
	Kind      model.NoticeKind
	Threshold int
}

// Decision is the outcome of one evaluation. ArchiveProposal is acted on only
// once the expired notice has been confirmed sent.
type Decision struct {
	Notices         []Pending
	Lock            bool
	ArchiveProposal bool
}

// Crossed returns the highest threshold at or below the used percentage, or 0.
func (e *Engine) Crossed(status model.UsageStatus) int {
	if status.LimitSU <= 0 {
		return 0
	}
	crossed := 0
	for _, t := range e.Thresholds {
		if status.UsedSU*100 >= int64(t)*status.LimitSU {
			crossed = t
		}
	}
	return crossed
}

// Evaluate is a pure function of the cycle record and the current status.
// Only the highest crossed threshold fires; thresholds skipped between checks are not sent.
func (e *Engine) Evaluate(rec model.NotificationRecord, status model.UsageStatus) Decision {
	var d Decision

	if p := e.Crossed(status); p > rec.LastThreshold {
		d.Notices = append(d.Notices, Pending{Kind: model.KindUsage, Threshold: p})
	}

	if status.Overdrafted {
		d.Lock = true
		if !rec.OverdraftSent {
			d.Notices = append(d.Notices, Pending{Kind: model.KindOverdraft})
		}
	}

	switch {
	case status.DaysUntilExpiry <= 0:
		d.ArchiveProposal = true
		if e.LockOnExpiry {
			d.Lock = true
		}
		if !rec.ExpiredSent {
			d.Notices = append(d.Notices, Pending{Kind: model.KindExpired})
		}
	case calculator.InWarningWindow(status.DaysUntilExpiry, e.WarningDays) && !rec.ExpiringSoonSent:
		d.Notices = append(d.Notices, Pending{Kind: model.KindExpiringSoon})
	}

	return d
}

// Apply returns the record after a notice of kind was confirmed sent.
// Transitions are monotonic: a lower threshold never replaces a higher one.
func Apply(rec model.NotificationRecord, kind model.NoticeKind, threshold int) model.NotificationRecord {
	switch kind {
	case model.KindUsage:
		if threshold > rec.LastThreshold {
			rec.LastThreshold = threshold
		}
	case model.KindExpiringSoon:
		rec.ExpiringSoonSent = true
	case model.KindExpired:
		rec.ExpiredSent = true
	case model.KindOverdraft:
		rec.OverdraftSent = true
	}
	return rec
}
