package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidProposal is returned when a proposal violates its structural invariants.
var ErrInvalidProposal = errors.New("invalid proposal")

// ArchiveReason records why a proposal or investment left the active ledger.
type ArchiveReason string

const (
	ReasonExpired    ArchiveReason = "expired"
	ReasonClosed     ArchiveReason = "closed"
	ReasonExhausted  ArchiveReason = "exhausted"
	ReasonRolledOver ArchiveReason = "rolled_over"
)

// Allocation is the per-cluster share of a proposal.
// RawBase accumulates counter values from before explicit resets within the cycle;
// RawLast is the last scheduler counter observed since the most recent reset.
type Allocation struct {
	Cluster string
	LimitSU int64
	RawBase int64
	RawLast int64
}

// Raw returns the total raw usage attributed to the allocation in this cycle.
func (a Allocation) Raw() int64 { return a.RawBase + a.RawLast }

// Proposal is the primary time-boxed SU entitlement of an account.
type Proposal struct {
	ID           int64
	Account      string
	Start        time.Time
	End          time.Time
	Allocations  []Allocation
	AttributedSU int64 // overdraft already charged to investments this cycle
	Notify       NotificationRecord
	CreatedAt    time.Time
}

// Validate checks the proposal invariants.
func (p *Proposal) Validate() error {
	if p.Account == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidProposal)
	}
	if !p.End.After(p.Start) {
		return fmt.Errorf("%w: end %s must be after start %s", ErrInvalidProposal, FormatDate(p.End), FormatDate(p.Start))
	}
	if len(p.Allocations) == 0 {
		return fmt.Errorf("%w: at least one cluster limit is required", ErrInvalidProposal)
	}
	seen := make(map[string]bool, len(p.Allocations))
	for _, a := range p.Allocations {
		if a.LimitSU < 0 {
			return fmt.Errorf("%w: negative limit on cluster %s", ErrInvalidProposal, a.Cluster)
		}
		if seen[a.Cluster] {
			return fmt.Errorf("%w: duplicate cluster %s", ErrInvalidProposal, a.Cluster)
		}
		seen[a.Cluster] = true
	}
	return nil
}

// Clusters returns the proposal's cluster names in sorted order.
func (p *Proposal) Clusters() []string {
	out := make([]string, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		out = append(out, a.Cluster)
	}
	sort.Strings(out)
	return out
}

// LimitSU returns the sum of all cluster limits.
func (p *Proposal) LimitSU() int64 {
	var total int64
	for _, a := range p.Allocations {
		total += a.LimitSU
	}
	return total
}

// Allocation returns the allocation for cluster, or nil.
func (p *Proposal) Allocation(cluster string) *Allocation {
	for i := range p.Allocations {
		if p.Allocations[i].Cluster == cluster {
			return &p.Allocations[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p Proposal) Clone() Proposal {
	p.Allocations = append([]Allocation(nil), p.Allocations...)
	return p
}

// ArchivedAllocation is the final per-cluster snapshot stored with an archived proposal.
type ArchivedAllocation struct {
	Cluster string `json:"cluster"`
	LimitSU int64  `json:"limit_su"`
	UsedSU  int64  `json:"used_su"`
}

// ProposalArchive is the immutable record of a proposal that left the active ledger.
type ProposalArchive struct {
	ProposalID   int64
	Account      string
	Start        time.Time
	End          time.Time
	Allocations  []ArchivedAllocation
	AttributedSU int64
	Notify       NotificationRecord
	Reason       ArchiveReason
	ArchivedAt   time.Time
}
