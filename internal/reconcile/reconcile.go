// Package reconcile applies observed scheduler usage to a proposal and draws any
// overdraft from the account's investments.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"ClusterBank/internal/calculator"
	"ClusterBank/internal/model"
)

var (
	// ErrUsageRegression is returned when a cluster counter moved backwards without an explicit reset.
	ErrUsageRegression = errors.New("usage regression")
	// ErrIncompleteSnapshot is returned when the snapshot lacks a reading for a proposal cluster.
	ErrIncompleteSnapshot = errors.New("incomplete usage snapshot")
)

// RegressionError describes the cluster whose counter went backwards.
type RegressionError struct {
	Cluster  string
	Last     int64
	Observed int64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("%v on %s: last %d, observed %d", ErrUsageRegression, e.Cluster, e.Last, e.Observed)
}

func (e *RegressionError) Is(target error) bool { return target == ErrUsageRegression }

// Input is everything Reconcile needs for one account.
type Input struct {
	Proposal    model.Proposal
	Investments []model.Investment
	Observed    model.UsageSnapshot
	Today       time.Time
	SUDivisor   int64
}

// Withdrawal is the amount drawn from one investment during a reconcile.
type Withdrawal struct {
	InvestmentID int64
	SU           int64
}

// Result holds the updated ledger entries. Nothing has been persisted.
type Result struct {
	Proposal    model.Proposal
	Investments []model.Investment // still active after this reconcile
	Exhausted   []model.Investment // fully withdrawn during this reconcile
	Withdrawals []Withdrawal
	Status      model.UsageStatus
}

// Changed reports whether the proposal counters or any investment moved.
func (r *Result) Changed(before model.Proposal) bool {
	if len(r.Withdrawals) > 0 || r.Proposal.AttributedSU != before.AttributedSU {
		return true
	}
	for _, a := range before.Allocations {
		if n := r.Proposal.Allocation(a.Cluster); n == nil || n.RawLast != a.RawLast {
			return true
		}
	}
	return false
}

// Reconcile applies in.Observed to a copy of the proposal and withdraws new
// overdraft from active investments in creation order.
func Reconcile(in Input) (*Result, error) {
	p := in.Proposal.Clone()

	for i := range p.Allocations {
		a := &p.Allocations[i]
		observed, ok := in.Observed[a.Cluster]
		if !ok {
			return nil, fmt.Errorf("%w: no reading for cluster %s", ErrIncompleteSnapshot, a.Cluster)
		}
		if observed < a.RawLast {
			return nil, &RegressionError{Cluster: a.Cluster, Last: a.RawLast, Observed: observed}
		}
		a.RawLast = observed
	}

	used, err := UsedSU(p, in.SUDivisor)
	if err != nil {
		return nil, err
	}
	limit := p.LimitSU()

	invs := append([]model.Investment(nil), in.Investments...)
	model.SortByCreation(invs)

	res := &Result{}
	newExcess := max(0, used-limit) - p.AttributedSU
	for i := range invs {
		if newExcess <= 0 {
			break
		}
		inv := &invs[i]
		if !inv.ActiveOn(in.Today) || inv.Exhausted() {
			continue
		}
		take := min(newExcess, inv.Remaining())
		inv.WithdrawnSU += take
		p.AttributedSU += take
		newExcess -= take
		res.Withdrawals = append(res.Withdrawals, Withdrawal{InvestmentID: inv.ID, SU: take})
	}

	for _, inv := range invs {
		if inv.Exhausted() && withdrew(res.Withdrawals, inv.ID) {
			res.Exhausted = append(res.Exhausted, inv)
			continue
		}
		res.Investments = append(res.Investments, inv)
	}

	res.Proposal = p
	res.Status = status(p, used, limit, max(0, newExcess), in.Today)
	return res, nil
}

// Summarize computes the status of a proposal as currently recorded, without applying new usage.
func Summarize(p model.Proposal, today time.Time, divisor int64) (model.UsageStatus, error) {
	used, err := UsedSU(p, divisor)
	if err != nil {
		return model.UsageStatus{}, err
	}
	limit := p.LimitSU()
	uncovered := max(0, max(0, used-limit)-p.AttributedSU)
	return status(p, used, limit, uncovered, today), nil
}

// UsedSU sums the per-cluster usage of p in whole SUs.
func UsedSU(p model.Proposal, divisor int64) (int64, error) {
	var total int64
	for _, a := range p.Allocations {
		su, err := calculator.RawToSU(a.Raw(), divisor)
		if err != nil {
			return 0, err
		}
		total += su
	}
	return total, nil
}

// ClusterUsage returns the SU usage of each allocation of p.
func ClusterUsage(p model.Proposal, divisor int64) []model.ClusterUsage {
	out := make([]model.ClusterUsage, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		used, _ := calculator.RawToSU(a.Raw(), divisor)
		out = append(out, model.ClusterUsage{Cluster: a.Cluster, LimitSU: a.LimitSU, UsedSU: used})
	}
	return out
}

func status(p model.Proposal, used, limit, uncovered int64, today time.Time) model.UsageStatus {
	return model.UsageStatus{
		UsedSU:          used,
		LimitSU:         limit,
		UsedFraction:    calculator.UsedFraction(used, limit),
		DaysUntilExpiry: calculator.DaysUntilExpiry(today, p.End),
		Overdrafted:     uncovered > 0,
		UncoveredSU:     uncovered,
	}
}

func withdrew(ws []Withdrawal, id int64) bool {
	for _, w := range ws {
		if w.InvestmentID == id {
			return true
		}
	}
	return false
}
