package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ClusterBank/internal/model"
	"ClusterBank/internal/store"
)

var (
	ErrInsufficientSUs    = errors.New("not enough service units")
	ErrNoActiveInvestment = errors.New("no active investment")
	ErrProposalOverlap    = errors.New("proposal dates overlap an earlier proposal")
)

// AdjustProposal adds delta SUs to the limit of each named cluster of the
// active proposal. Negative deltas subtract; a limit may not drop below zero.
func (m *Manager) AdjustProposal(ctx context.Context, account string, deltas map[string]int64) (model.Proposal, error) {
	if len(deltas) == 0 {
		return model.Proposal{}, fmt.Errorf("%w: no cluster adjustments given", model.ErrInvalidProposal)
	}
	var out model.Proposal
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		p, err := tx.ActiveProposal(ctx, account)
		if err != nil {
			return err
		}
		for cluster, delta := range deltas {
			a := p.Allocation(cluster)
			if a == nil || !m.knownCluster(cluster) {
				return fmt.Errorf("%w: %s is not part of proposal %d", ErrUnknownCluster, cluster, p.ID)
			}
			if a.LimitSU+delta < 0 {
				return fmt.Errorf("%w: %s has %d SUs, cannot subtract %d", ErrInsufficientSUs, cluster, a.LimitSU, -delta)
			}
			a.LimitSU += delta
		}
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return model.Proposal{}, fmt.Errorf("adjust proposal of %s: %w", account, err)
	}
	m.log.Info().Str("account", account).Int64("proposal_id", out.ID).Int64("limit_su", out.LimitSU()).Msg("proposal limits adjusted")
	return out, nil
}

// ModifyProposalDates moves the start and end of the active proposal. A zero
// time keeps the current value. The new range may not overlap an archived
// proposal that ran to its end date.
func (m *Manager) ModifyProposalDates(ctx context.Context, account string, start, end time.Time) (model.Proposal, error) {
	var out model.Proposal
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		p, err := tx.ActiveProposal(ctx, account)
		if err != nil {
			return err
		}
		if !start.IsZero() {
			p.Start = model.Day(start)
		}
		if !end.IsZero() {
			p.End = model.Day(end)
		}
		if err := p.Validate(); err != nil {
			return err
		}

		archives, err := tx.ProposalArchives(ctx, account)
		if err != nil {
			return err
		}
		for _, a := range archives {
			if a.Reason == model.ReasonClosed {
				continue
			}
			if p.Start.Before(a.End) && a.Start.Before(p.End) {
				return fmt.Errorf("%w: proposal %d ran %s to %s", ErrProposalOverlap, a.ProposalID,
					model.FormatDate(a.Start), model.FormatDate(a.End))
			}
		}
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return model.Proposal{}, fmt.Errorf("modify proposal dates of %s: %w", account, err)
	}
	m.log.Info().Str("account", account).Int64("proposal_id", out.ID).
		Str("start", model.FormatDate(out.Start)).Str("end", model.FormatDate(out.End)).Msg("proposal dates modified")
	return out, nil
}

// AdjustInvestment adds delta SUs to an investment. A negative delta may only
// remove SUs that have not been withdrawn.
func (m *Manager) AdjustInvestment(ctx context.Context, account string, id, delta int64) (model.Investment, error) {
	if delta == 0 {
		return model.Investment{}, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidInvestment)
	}
	var out model.Investment
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		inv, err := tx.Investment(ctx, account, id)
		if err != nil {
			return err
		}
		if delta < 0 && inv.Remaining() < -delta {
			return fmt.Errorf("%w: investment %d has %d SUs remaining, cannot subtract %d",
				ErrInsufficientSUs, id, inv.Remaining(), -delta)
		}
		inv.TotalSU += delta
		if err := tx.UpdateInvestment(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return model.Investment{}, fmt.Errorf("adjust investment %d of %s: %w", id, account, err)
	}
	m.log.Info().Str("account", account).Int64("investment_id", id).Int64("delta_su", delta).Msg("investment adjusted")
	return out, nil
}

// ModifyInvestmentDates moves an investment's start and end. A zero time keeps
// the current value.
func (m *Manager) ModifyInvestmentDates(ctx context.Context, account string, id int64, start, end time.Time) (model.Investment, error) {
	var out model.Investment
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		inv, err := tx.Investment(ctx, account, id)
		if err != nil {
			return err
		}
		if !start.IsZero() {
			inv.Start = model.Day(start)
		}
		if !end.IsZero() {
			inv.End = model.Day(end)
		}
		if err := tx.UpdateInvestment(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return model.Investment{}, fmt.Errorf("modify investment %d of %s: %w", id, account, err)
	}
	return out, nil
}

// DeleteInvestment removes an investment without archiving it.
func (m *Manager) DeleteInvestment(ctx context.Context, account string, id int64) error {
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		return tx.DeleteInvestment(ctx, account, id)
	})
	if err != nil {
		return fmt.Errorf("delete investment %d of %s: %w", id, account, err)
	}
	m.log.Info().Str("account", account).Int64("investment_id", id).Msg("investment deleted")
	return nil
}

// Advance moves sus unused SUs from later investments into the active one.
// The active investment is the earliest started one that is running today and
// not exhausted. Donors are the other unexpired investments, latest start
// first, each giving up at most its remaining SUs.
func (m *Manager) Advance(ctx context.Context, account string, sus int64) (model.Investment, error) {
	if sus <= 0 {
		return model.Investment{}, fmt.Errorf("%w: service units must be positive", ErrInvalidInvestment)
	}
	today := m.today()

	var out model.Investment
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		invs, err := tx.Investments(ctx, account)
		if err != nil {
			return err
		}
		sort.SliceStable(invs, func(a, b int) bool {
			if !invs[a].Start.Equal(invs[b].Start) {
				return invs[a].Start.Before(invs[b].Start)
			}
			return invs[a].ID < invs[b].ID
		})

		active := -1
		for i, inv := range invs {
			if inv.ActiveOn(today) && !inv.Exhausted() {
				active = i
				break
			}
		}
		if active < 0 {
			return fmt.Errorf("%w for %s", ErrNoActiveInvestment, account)
		}

		var donors []int
		var available int64
		for i := len(invs) - 1; i >= 0; i-- {
			if i == active || invs[i].ExpiredOn(today) || invs[i].Remaining() <= 0 {
				continue
			}
			donors = append(donors, i)
			available += invs[i].Remaining()
		}
		if available < sus {
			return fmt.Errorf("%w: requested %d, %d available in later investments", ErrInsufficientSUs, sus, available)
		}

		need := sus
		for _, i := range donors {
			if need == 0 {
				break
			}
			take := min(invs[i].Remaining(), need)
			invs[i].TotalSU -= take
			if err := tx.UpdateInvestment(ctx, invs[i]); err != nil {
				return err
			}
			need -= take
		}
		invs[active].TotalSU += sus
		if err := tx.UpdateInvestment(ctx, invs[active]); err != nil {
			return err
		}
		out = invs[active]
		return nil
	})
	if err != nil {
		return model.Investment{}, fmt.Errorf("advance investment of %s: %w", account, err)
	}
	m.log.Info().Str("account", account).Int64("investment_id", out.ID).Int64("sus", sus).Msg("investment advanced")
	return out, nil
}
