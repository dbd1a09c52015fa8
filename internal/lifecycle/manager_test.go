package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ClusterBank/internal/metrics"
	"ClusterBank/internal/model"
	"ClusterBank/internal/store"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSlurm struct {
	mu      sync.Mutex
	calls   []string
	err     error
	locked  map[string]bool // account -> scheduler lock
	missing map[string]bool
}

func (f *fakeSlurm) Locked(_ context.Context, account, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[account], f.err
}

func (f *fakeSlurm) AccountExists(_ context.Context, account string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[account], f.err
}

func (f *fakeSlurm) SetLocked(_ context.Context, account string, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("lock %s %t", account, locked))
	return f.err
}

func (f *fakeSlurm) ResetRawUsage(_ context.Context, account string, clusters ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("reset %s %v", account, clusters))
	return f.err
}

func (f *fakeSlurm) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	m     *Manager
	store *store.SQLStore
	slurm *fakeSlurm
	clock *quartz.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "bank.db"),
		AutoMigrate: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := quartz.NewMock(t)
	clock.Set(now)
	sl := &fakeSlurm{}
	m := New(st, sl, Settings{Clusters: []string{"smp", "gpu"}, SUDivisor: 1, RolloverFraction: 0.5}, clock, zerolog.Nop())
	return &harness{m: m, store: st, slurm: sl, clock: clock}
}

func (h *harness) renew(t *testing.T, account string, start, end time.Time) model.Proposal {
	t.Helper()
	p, err := h.m.Renew(context.Background(), account, ProposalSpec{
		Start:      start,
		End:        end,
		Limits:     map[string]int64{"smp": 1000},
		ResetUsage: true,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) setUsage(t *testing.T, account string, raw int64, rec model.NotificationRecord) {
	t.Helper()
	require.NoError(t, h.store.InTx(context.Background(), account, func(tx store.Tx) error {
		p, err := tx.ActiveProposal(context.Background(), account)
		if err != nil {
			return err
		}
		p.Allocations[0].RawLast = raw
		p.Notify = rec
		return tx.UpdateProposal(context.Background(), p)
	}))
}

func TestRenew_NewAccount(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)

	p := h.renew(t, "sam", today, today.AddDate(1, 0, 0))
	require.NotZero(t, p.ID)
	require.Equal(t, model.NotificationRecord{}, p.Notify)
	require.Equal(t, []string{"reset sam [smp]", "lock sam false"}, h.slurm.Calls())

	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	require.False(t, info.Account.Locked)
	require.NotNil(t, info.Proposal)
	require.Equal(t, int64(1000), info.Status.LimitSU)
}

func TestRenew_ActiveProposalExists(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))

	_, err := h.m.Renew(context.Background(), "sam", ProposalSpec{
		Start: today, End: today.AddDate(2, 0, 0), Limits: map[string]int64{"smp": 10},
	})
	require.ErrorIs(t, err, ErrActiveProposalExists)

	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	require.Empty(t, info.ProposalArchives, "no state change")
}

func TestRenew_ArchivesExpiredAndResetsRecord(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	old := h.renew(t, "sam", today.AddDate(-1, 0, 0), today)
	h.setUsage(t, "sam", 920, model.NotificationRecord{LastThreshold: 90, ExpiringSoonSent: true})
	require.NoError(t, h.m.Lock(context.Background(), "sam"))

	fresh := h.renew(t, "sam", today, today.AddDate(1, 0, 0))
	require.NotEqual(t, old.ID, fresh.ID)
	require.Equal(t, 0, fresh.Notify.LastThreshold, "record resets on renewal")

	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	require.False(t, info.Account.Locked)
	require.Equal(t, int64(0), info.Status.UsedSU)
	require.Len(t, info.ProposalArchives, 1)
	arch := info.ProposalArchives[0]
	require.Equal(t, model.ReasonExpired, arch.Reason)
	require.Equal(t, 90, arch.Notify.LastThreshold)
	require.Equal(t, []model.ArchivedAllocation{{Cluster: "smp", LimitSU: 1000, UsedSU: 920}}, arch.Allocations)
}

func TestRenew_SchedulerFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.slurm.err = errors.New("sacctmgr: exit status 1")
	today := model.Day(now)

	_, err := h.m.Renew(context.Background(), "sam", ProposalSpec{
		Start: today, End: today.AddDate(1, 0, 0), Limits: map[string]int64{"smp": 10},
	})
	require.Error(t, err)

	_, err = h.m.Info(context.Background(), "sam")
	require.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestRenew_Validation(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)

	_, err := h.m.Renew(context.Background(), "sam", ProposalSpec{
		Start: today, End: today.AddDate(1, 0, 0), Limits: map[string]int64{"mpi": 10},
	})
	require.ErrorIs(t, err, ErrUnknownCluster)

	_, err = h.m.Renew(context.Background(), "sam", ProposalSpec{
		Start: today, End: today, Limits: map[string]int64{"smp": 10},
	})
	require.ErrorIs(t, err, model.ErrInvalidProposal)
	require.Empty(t, h.slurm.Calls())
}

func TestCloseProposal(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))

	require.NoError(t, h.m.CloseProposal(context.Background(), "sam"))
	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	require.Nil(t, info.Proposal)
	require.Len(t, info.ProposalArchives, 1)
	require.Equal(t, model.ReasonClosed, info.ProposalArchives[0].Reason)

	err = h.m.CloseProposal(context.Background(), "sam")
	require.ErrorIs(t, err, store.ErrNoActiveProposal)
}

func TestCreateInvestment_Split(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))
	before := len(h.slurm.Calls())

	invs, err := h.m.CreateInvestment(context.Background(), "sam", InvestmentSpec{TotalSU: 1000, Duration: 365, Count: 3})
	require.NoError(t, err)
	require.Len(t, invs, 3)
	for i, inv := range invs {
		require.Equal(t, int64(334), inv.TotalSU)
		require.Equal(t, today.AddDate(0, 0, i*365), inv.Start)
		require.Equal(t, today.AddDate(0, 0, (i+1)*365), inv.End)
	}
	require.Len(t, h.slurm.Calls(), before, "lock state untouched")

	_, err = h.m.CreateInvestment(context.Background(), "sam", InvestmentSpec{TotalSU: 0})
	require.ErrorIs(t, err, ErrInvalidInvestment)

}

func TestCreateInvestment_NewAccount(t *testing.T) {
	h := newHarness(t)

	invs, err := h.m.CreateInvestment(context.Background(), "newbie", InvestmentSpec{TotalSU: 10})
	require.NoError(t, err)
	require.Len(t, invs, 1)

	info, err := h.m.Info(context.Background(), "newbie")
	require.NoError(t, err)
	require.Nil(t, info.Proposal)
	require.Len(t, info.Investments, 1)
	require.False(t, info.Account.Locked)
}

func TestSchedulerAccountRequired(t *testing.T) {
	h := newHarness(t)
	h.slurm.missing = map[string]bool{"ghost": true}
	today := model.Day(now)

	_, err := h.m.Renew(context.Background(), "ghost", ProposalSpec{
		Start: today, End: today.AddDate(1, 0, 0), Limits: map[string]int64{"smp": 10},
	})
	require.ErrorIs(t, err, ErrNoSchedulerAccount)

	_, err = h.m.CreateInvestment(context.Background(), "ghost", InvestmentSpec{TotalSU: 10})
	require.ErrorIs(t, err, ErrNoSchedulerAccount)

	_, err = h.m.Info(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrAccountNotFound, "nothing written to the ledger")
	require.Empty(t, h.slurm.Calls())
}

func TestRolloverInvestment(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))

	invs, err := h.m.CreateInvestment(context.Background(), "sam", InvestmentSpec{
		TotalSU: 200, Start: today.AddDate(0, 0, -100), Duration: 100,
	})
	require.NoError(t, err)
	inv := invs[0]
	require.NoError(t, h.store.InTx(context.Background(), "sam", func(tx store.Tx) error {
		inv.WithdrawnSU = 50
		return tx.UpdateInvestment(context.Background(), inv)
	}))

	t.Run("not expired", func(t *testing.T) {
		fresh, err := h.m.CreateInvestment(context.Background(), "sam", InvestmentSpec{TotalSU: 10})
		require.NoError(t, err)
		_, err = h.m.RolloverInvestment(context.Background(), "sam", fresh[0].ID, true)
		require.ErrorIs(t, err, ErrInvestmentNotExpired)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := h.m.RolloverInvestment(context.Background(), "sam", 999, true)
		require.ErrorIs(t, err, store.ErrInvestmentNotFound)
	})

	t.Run("carry", func(t *testing.T) {
		next, err := h.m.RolloverInvestment(context.Background(), "sam", inv.ID, true)
		require.NoError(t, err)
		require.NotNil(t, next)
		require.Equal(t, int64(75), next.TotalSU, "150 remaining at fraction 0.5")
		require.Equal(t, today, next.Start)
		require.Equal(t, today.AddDate(0, 0, 100), next.End)
		require.Equal(t, inv.ID, *next.PredecessorID)

		info, err := h.m.Info(context.Background(), "sam")
		require.NoError(t, err)
		require.Len(t, info.InvestmentArchives, 1)
		require.Equal(t, model.ReasonRolledOver, info.InvestmentArchives[0].Reason)
		require.Equal(t, int64(50), info.InvestmentArchives[0].WithdrawnSU)
	})
}

func TestRolloverInvestment_NoCarry(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))
	invs, err := h.m.CreateInvestment(context.Background(), "sam", InvestmentSpec{
		TotalSU: 200, Start: today.AddDate(-1, 0, 0), Duration: 365,
	})
	require.NoError(t, err)

	next, err := h.m.RolloverInvestment(context.Background(), "sam", invs[0].ID, false)
	require.NoError(t, err)
	require.Nil(t, next)

	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	require.Empty(t, info.Investments)
	require.Len(t, info.InvestmentArchives, 1)
}

func TestResetUsage(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))
	h.setUsage(t, "sam", 30, model.NotificationRecord{})

	require.NoError(t, h.m.ResetUsage(context.Background(), "sam", "smp"))
	require.Contains(t, h.slurm.Calls(), "reset sam [smp]")

	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	a := info.Proposal.Allocations[0]
	require.Equal(t, int64(30), a.RawBase)
	require.Equal(t, int64(0), a.RawLast)
	require.Equal(t, int64(30), info.Status.UsedSU, "reset keeps the cycle total")

	err = h.m.ResetUsage(context.Background(), "sam", "gpu")
	require.ErrorIs(t, err, ErrUnknownCluster)
}

func TestResetUsage_SchedulerFailureKeepsCounters(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))
	h.setUsage(t, "sam", 30, model.NotificationRecord{})
	h.slurm.err = errors.New("boom")

	require.Error(t, h.m.ResetUsage(context.Background(), "sam", "smp"))
	h.slurm.err = nil

	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	require.Equal(t, int64(30), info.Proposal.Allocations[0].RawLast)
	require.Equal(t, int64(0), info.Proposal.Allocations[0].RawBase)
}

func TestLockUnlock(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))

	lockedBefore := testutil.ToFloat64(metrics.LockChangesTotal.WithLabelValues("locked"))
	unlockedBefore := testutil.ToFloat64(metrics.LockChangesTotal.WithLabelValues("unlocked"))

	require.NoError(t, h.m.Lock(context.Background(), "sam"))
	locked, err := h.m.Locked(context.Background())
	require.NoError(t, err)
	require.Len(t, locked, 1)
	require.Equal(t, "sam", locked[0].Name)

	require.NoError(t, h.m.Unlock(context.Background(), "sam"))
	locked, err = h.m.Locked(context.Background())
	require.NoError(t, err)
	require.Empty(t, locked)

	calls := h.slurm.Calls()
	require.Equal(t, []string{"lock sam true", "lock sam false"}, calls[len(calls)-2:])

	require.Equal(t, lockedBefore+1, testutil.ToFloat64(metrics.LockChangesTotal.WithLabelValues("locked")))
	require.Equal(t, unlockedBefore+1, testutil.ToFloat64(metrics.LockChangesTotal.WithLabelValues("unlocked")))

	require.ErrorIs(t, h.m.Lock(context.Background(), "nobody"), store.ErrAccountNotFound)
}
