// Package lifecycle implements the administrative operations on an account:
// renewing and closing proposals, creating and rolling over investments,
// resetting usage counters and locking.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"ClusterBank/internal/calculator"
	"ClusterBank/internal/metrics"
	"ClusterBank/internal/model"
	"ClusterBank/internal/reconcile"
	"ClusterBank/internal/store"
)

var (
	ErrActiveProposalExists = errors.New("account already has an active proposal")
	ErrInvestmentNotExpired = errors.New("investment has not expired")
	ErrUnknownCluster       = errors.New("unknown cluster")
	ErrInvalidInvestment    = model.ErrInvalidInvestment
	ErrNoSchedulerAccount   = errors.New("account does not exist in the scheduler")
)

// LockController applies lock state and counter resets on the scheduler.
type LockController interface {
	SetLocked(ctx context.Context, account string, locked bool) error
	Locked(ctx context.Context, account, cluster string) (bool, error)
	ResetRawUsage(ctx context.Context, account string, clusters ...string) error
	AccountExists(ctx context.Context, account string) (bool, error)
}

// Settings are the ledger options the manager needs.
type Settings struct {
	Clusters         []string
	SUDivisor        int64
	RolloverFraction float64
}

// Manager performs lifecycle operations, each inside a single account transaction.
// Scheduler calls run last inside the transaction so a scheduler failure rolls
// the ledger change back.
type Manager struct {
	store    store.Store
	slurm    LockController
	settings Settings
	clock    quartz.Clock
	log      zerolog.Logger
}

// New creates a Manager.
func New(st store.Store, lc LockController, settings Settings, clock quartz.Clock, log zerolog.Logger) *Manager {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Manager{store: st, slurm: lc, settings: settings, clock: clock, log: log}
}

func (m *Manager) today() time.Time { return model.Day(m.clock.Now()) }

// ProposalSpec describes a new proposal.
type ProposalSpec struct {
	Start  time.Time
	End    time.Time
	Limits map[string]int64 // cluster -> SU limit
	// ResetUsage zeroes the scheduler counters of the proposal's clusters.
	ResetUsage bool
}

// Renew starts a new proposal cycle. An active proposal that has reached its end
// date is archived as expired first; one that has not fails with ErrActiveProposalExists.
func (m *Manager) Renew(ctx context.Context, account string, spec ProposalSpec) (model.Proposal, error) {
	now := m.clock.Now()
	today := model.Day(now)

	p := model.Proposal{
		Account:   account,
		Start:     model.Day(spec.Start),
		End:       model.Day(spec.End),
		CreatedAt: now,
	}
	for cluster, limit := range spec.Limits {
		if !m.knownCluster(cluster) {
			return model.Proposal{}, fmt.Errorf("%w: %s", ErrUnknownCluster, cluster)
		}
		p.Allocations = append(p.Allocations, model.Allocation{Cluster: cluster, LimitSU: limit})
	}
	if err := p.Validate(); err != nil {
		return model.Proposal{}, err
	}
	if err := m.requireSchedulerAccount(ctx, account); err != nil {
		return model.Proposal{}, fmt.Errorf("renew %s: %w", account, err)
	}

	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		if _, err := tx.EnsureAccount(ctx, account, now); err != nil {
			return err
		}

		old, err := tx.ActiveProposal(ctx, account)
		switch {
		case errors.Is(err, store.ErrNoActiveProposal):
		case err != nil:
			return err
		case today.Before(old.End):
			return fmt.Errorf("%w: proposal %d ends %s", ErrActiveProposalExists, old.ID, model.FormatDate(old.End))
		default:
			if err := m.archiveProposal(ctx, tx, old, model.ReasonExpired, now); err != nil {
				return err
			}
		}

		fresh := p.Clone()
		if err := tx.InsertProposal(ctx, &fresh); err != nil {
			return err
		}
		if err := tx.SetLocked(ctx, account, false); err != nil {
			return err
		}
		if spec.ResetUsage {
			if err := m.slurm.ResetRawUsage(ctx, account, fresh.Clusters()...); err != nil {
				return err
			}
		}
		if err := m.slurm.SetLocked(ctx, account, false); err != nil {
			return err
		}
		p = fresh
		return nil
	})
	if err != nil {
		return model.Proposal{}, fmt.Errorf("renew %s: %w", account, err)
	}
	metrics.LockChangesTotal.WithLabelValues("unlocked").Inc()
	m.log.Info().Str("account", account).Int64("proposal_id", p.ID).
		Str("start", model.FormatDate(p.Start)).Str("end", model.FormatDate(p.End)).Msg("proposal renewed")
	return p, nil
}

func (m *Manager) requireSchedulerAccount(ctx context.Context, account string) error {
	ok, err := m.slurm.AccountExists(ctx, account)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSchedulerAccount, account)
	}
	return nil
}

// CloseProposal archives the active proposal before its end date.
func (m *Manager) CloseProposal(ctx context.Context, account string) error {
	now := m.clock.Now()
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		p, err := tx.ActiveProposal(ctx, account)
		if err != nil {
			return err
		}
		return m.archiveProposal(ctx, tx, p, model.ReasonClosed, now)
	})
	if err != nil {
		return fmt.Errorf("close proposal of %s: %w", account, err)
	}
	m.log.Info().Str("account", account).Msg("proposal closed")
	return nil
}

func (m *Manager) archiveProposal(ctx context.Context, tx store.Tx, p model.Proposal, reason model.ArchiveReason, now time.Time) error {
	return tx.ArchiveProposal(ctx, ArchiveRecord(p, m.settings.SUDivisor, reason, now))
}

// ArchiveRecord builds the archive entry of p with its final per-cluster usage.
func ArchiveRecord(p model.Proposal, divisor int64, reason model.ArchiveReason, now time.Time) model.ProposalArchive {
	var allocs []model.ArchivedAllocation
	for _, c := range reconcile.ClusterUsage(p, divisor) {
		allocs = append(allocs, model.ArchivedAllocation(c))
	}
	return model.ProposalArchive{
		ProposalID:   p.ID,
		Account:      p.Account,
		Start:        p.Start,
		End:          p.End,
		Allocations:  allocs,
		AttributedSU: p.AttributedSU,
		Notify:       p.Notify,
		Reason:       reason,
		ArchivedAt:   now,
	}
}

// InvestmentSpec describes one or more investments. Count > 1 splits TotalSU
// evenly (rounded up) across Count back-to-back periods of Duration days.
type InvestmentSpec struct {
	TotalSU  int64
	Start    time.Time
	Duration int // days
	Count    int
}

// CreateInvestment appends investments to the account. Lock state is not touched.
func (m *Manager) CreateInvestment(ctx context.Context, account string, spec InvestmentSpec) ([]model.Investment, error) {
	if spec.Count == 0 {
		spec.Count = 1
	}
	if spec.Duration == 0 {
		spec.Duration = 365
	}
	switch {
	case spec.TotalSU <= 0:
		return nil, fmt.Errorf("%w: service units must be positive", ErrInvalidInvestment)
	case spec.Count < 1:
		return nil, fmt.Errorf("%w: count must be at least 1", ErrInvalidInvestment)
	case spec.Duration < 1:
		return nil, fmt.Errorf("%w: duration must be at least one day", ErrInvalidInvestment)
	}
	if spec.Start.IsZero() {
		spec.Start = m.today()
	}

	if err := m.requireSchedulerAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("invest for %s: %w", account, err)
	}

	now := m.clock.Now()
	perPeriod := calculator.CeilDiv(spec.TotalSU, int64(spec.Count))
	start := model.Day(spec.Start)

	var created []model.Investment
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		created = created[:0]
		if _, err := tx.EnsureAccount(ctx, account, now); err != nil {
			return err
		}
		for i := 0; i < spec.Count; i++ {
			inv := model.Investment{
				Account:   account,
				TotalSU:   perPeriod,
				Start:     start.AddDate(0, 0, i*spec.Duration),
				End:       start.AddDate(0, 0, (i+1)*spec.Duration),
				CreatedAt: now,
			}
			if err := tx.InsertInvestment(ctx, &inv); err != nil {
				return err
			}
			created = append(created, inv)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invest for %s: %w", account, err)
	}
	m.log.Info().Str("account", account).Int64("sus", spec.TotalSU).Int("count", spec.Count).Msg("investment created")
	return created, nil
}

// RolloverInvestment archives an expired investment. With carry set, a successor
// of the same length starting today receives the unused SUs scaled by the
// rollover fraction and rounded down.
func (m *Manager) RolloverInvestment(ctx context.Context, account string, id int64, carry bool) (*model.Investment, error) {
	now := m.clock.Now()
	today := model.Day(now)

	var successor *model.Investment
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		successor = nil
		inv, err := tx.Investment(ctx, account, id)
		if err != nil {
			return err
		}
		if !inv.ExpiredOn(today) {
			return fmt.Errorf("%w: investment %d ends %s", ErrInvestmentNotExpired, id, model.FormatDate(inv.End))
		}

		if err := tx.ArchiveInvestment(ctx, model.InvestmentArchive{
			InvestmentID: inv.ID,
			Account:      account,
			TotalSU:      inv.TotalSU,
			WithdrawnSU:  inv.WithdrawnSU,
			Start:        inv.Start,
			End:          inv.End,
			Reason:       model.ReasonRolledOver,
			ArchivedAt:   now,
		}); err != nil {
			return err
		}

		carried := int64(math.Floor(float64(inv.Remaining()) * m.settings.RolloverFraction))
		if !carry || carried <= 0 {
			return nil
		}
		length := model.DaysBetween(inv.Start, inv.End)
		next := model.Investment{
			Account:       account,
			TotalSU:       carried,
			Start:         today,
			End:           today.AddDate(0, 0, length),
			PredecessorID: &inv.ID,
			CreatedAt:     now,
		}
		if err := tx.InsertInvestment(ctx, &next); err != nil {
			return err
		}
		successor = &next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rollover investment %d of %s: %w", id, account, err)
	}
	ev := m.log.Info().Str("account", account).Int64("investment_id", id)
	if successor != nil {
		ev = ev.Int64("successor_id", successor.ID).Int64("carried_su", successor.TotalSU)
	}
	ev.Msg("investment rolled over")
	return successor, nil
}

// ResetUsage zeroes the scheduler counter of cluster and folds the last reading
// into the allocation base so the next lower reading is not a regression.
func (m *Manager) ResetUsage(ctx context.Context, account, cluster string) error {
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		p, err := tx.ActiveProposal(ctx, account)
		if err != nil {
			return err
		}
		reset, err := reconcile.ApplyReset(p, cluster)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownCluster, err)
		}
		if err := tx.UpdateProposal(ctx, reset); err != nil {
			return err
		}
		return m.slurm.ResetRawUsage(ctx, account, cluster)
	})
	if err != nil {
		return fmt.Errorf("reset usage of %s on %s: %w", account, cluster, err)
	}
	m.log.Info().Str("account", account).Str("cluster", cluster).Msg("usage reset")
	return nil
}

// Lock sets the ledger flag and the scheduler lock.
func (m *Manager) Lock(ctx context.Context, account string) error {
	return m.setLocked(ctx, account, true)
}

// Unlock clears the ledger flag and the scheduler lock.
func (m *Manager) Unlock(ctx context.Context, account string) error {
	return m.setLocked(ctx, account, false)
}

func (m *Manager) setLocked(ctx context.Context, account string, locked bool) error {
	err := m.store.InTx(ctx, account, func(tx store.Tx) error {
		if err := tx.SetLocked(ctx, account, locked); err != nil {
			return err
		}
		return m.slurm.SetLocked(ctx, account, locked)
	})
	if err != nil {
		return fmt.Errorf("set lock state of %s: %w", account, err)
	}
	state := "unlocked"
	if locked {
		state = "locked"
	}
	metrics.LockChangesTotal.WithLabelValues(state).Inc()
	m.log.Info().Str("account", account).Bool("locked", locked).Msg("lock state changed")
	return nil
}

// Info returns everything the ledger holds for account.
func (m *Manager) Info(ctx context.Context, account string) (model.AccountInfo, error) {
	today := m.today()
	var info model.AccountInfo
	err := m.store.View(ctx, func(tx store.Tx) error {
		info = model.AccountInfo{}
		acct, err := tx.Account(ctx, account)
		if err != nil {
			return err
		}
		info.Account = acct

		p, err := tx.ActiveProposal(ctx, account)
		switch {
		case errors.Is(err, store.ErrNoActiveProposal):
		case err != nil:
			return err
		default:
			status, err := reconcile.Summarize(p, today, m.settings.SUDivisor)
			if err != nil {
				return err
			}
			info.Proposal = &p
			info.Status = &status
			info.Clusters = reconcile.ClusterUsage(p, m.settings.SUDivisor)
		}

		if info.Investments, err = tx.Investments(ctx, account); err != nil {
			return err
		}
		if info.ProposalArchives, err = tx.ProposalArchives(ctx, account); err != nil {
			return err
		}
		if info.Regressions, err = tx.Regressions(ctx, account); err != nil {
			return err
		}
		info.InvestmentArchives, err = tx.InvestmentArchives(ctx, account)
		return err
	})
	if err != nil {
		return model.AccountInfo{}, fmt.Errorf("info for %s: %w", account, err)
	}
	return info, nil
}

// Locked lists the accounts currently locked in the ledger.
func (m *Manager) Locked(ctx context.Context) ([]model.Account, error) {
	return m.store.ListLocked(ctx)
}

// LockState lists the ledger accounts whose scheduler lock on cluster matches
// locked. An empty cluster selects the first configured one.
func (m *Manager) LockState(ctx context.Context, cluster string, locked bool) (string, []string, error) {
	if cluster == "" && len(m.settings.Clusters) > 0 {
		cluster = m.settings.Clusters[0]
	}
	if cluster == "" || !m.knownCluster(cluster) {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownCluster, cluster)
	}
	names, err := m.store.ListAccounts(ctx)
	if err != nil {
		return "", nil, err
	}
	var out []string
	for _, name := range names {
		state, err := m.slurm.Locked(ctx, name, cluster)
		if err != nil {
			return "", nil, fmt.Errorf("lock state of %s on %s: %w", name, cluster, err)
		}
		if state == locked {
			out = append(out, name)
		}
	}
	return cluster, out, nil
}

func (m *Manager) knownCluster(name string) bool {
	if len(m.settings.Clusters) == 0 {
		return true
	}
	for _, c := range m.settings.Clusters {
		if c == name {
			return true
		}
	}
	return false
}
