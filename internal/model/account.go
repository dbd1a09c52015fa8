package model

import "time"

// Account is a scheduler account that owns proposals and investments.
type Account struct {
	Name      string
	Locked    bool
	CreatedAt time.Time
}

// UsageSnapshot maps a cluster name to the scheduler's cumulative raw usage counter.
type UsageSnapshot map[string]int64

// UsageStatus is the aggregate consumption of an account's active proposal after reconciliation.
type UsageStatus struct {
	UsedSU          int64
	LimitSU         int64
	UsedFraction    float64 // not capped; may exceed 1.0
	DaysUntilExpiry int
	Overdrafted     bool
	UncoveredSU     int64
}

// Percent returns 100*used/limit rounded down and capped at 100 for reporting.
// It is computed on the SU integers, not on UsedFraction.
func (s UsageStatus) Percent() int {
	if s.LimitSU <= 0 || s.UsedSU <= 0 {
		return 0
	}
	if s.UsedSU >= s.LimitSU {
		return 100
	}
	return int(100 * s.UsedSU / s.LimitSU)
}

// ClusterUsage is the consumption of one proposal allocation in SUs.
type ClusterUsage struct {
	Cluster string
	LimitSU int64
	UsedSU  int64
}

// Regression is a recorded backwards movement of a scheduler counter, kept for operator review.
type Regression struct {
	Account    string
	ProposalID int64
	Cluster    string
	Last       int64
	Observed   int64
	DetectedAt time.Time
}

// AccountInfo is a read-only snapshot of everything the ledger holds for an account.
type AccountInfo struct {
	Account            Account
	Proposal           *Proposal
	Status             *UsageStatus
	Clusters           []ClusterUsage
	Investments        []Investment
	ProposalArchives   []ProposalArchive
	InvestmentArchives []InvestmentArchive
	Regressions        []Regression
}

// InvestedSU returns the total and remaining SUs of the active investments.
func (i AccountInfo) InvestedSU() (total, remaining int64) {
	for _, inv := range i.Investments {
		total += inv.TotalSU
		remaining += inv.Remaining()
	}
	return total, remaining
}
