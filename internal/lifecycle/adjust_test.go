package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ClusterBank/internal/model"
	"ClusterBank/internal/store"
)

func TestAdjustProposal(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))

	p, err := h.m.AdjustProposal(context.Background(), "sam", map[string]int64{"smp": 500})
	require.NoError(t, err)
	require.Equal(t, int64(1500), p.LimitSU())

	p, err = h.m.AdjustProposal(context.Background(), "sam", map[string]int64{"smp": -1500})
	require.NoError(t, err)
	require.Equal(t, int64(0), p.LimitSU())

	_, err = h.m.AdjustProposal(context.Background(), "sam", map[string]int64{"smp": -1})
	require.ErrorIs(t, err, ErrInsufficientSUs)

	_, err = h.m.AdjustProposal(context.Background(), "sam", map[string]int64{"gpu": 10})
	require.ErrorIs(t, err, ErrUnknownCluster, "gpu has no allocation in this proposal")

	_, err = h.m.AdjustProposal(context.Background(), "bob", map[string]int64{"smp": 10})
	require.ErrorIs(t, err, store.ErrNoActiveProposal)

	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	require.Equal(t, int64(0), info.Status.LimitSU)
}

func TestModifyProposalDates(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	h.renew(t, "sam", today.AddDate(-1, 0, 0), today)
	h.renew(t, "sam", today, today.AddDate(1, 0, 0))

	p, err := h.m.ModifyProposalDates(context.Background(), "sam", today, today.AddDate(2, 0, 0))
	require.NoError(t, err)
	require.Equal(t, today.AddDate(2, 0, 0), p.End)

	_, err = h.m.ModifyProposalDates(context.Background(), "sam", today.AddDate(0, -1, 0), p.End)
	require.ErrorIs(t, err, ErrProposalOverlap)

	_, err = h.m.ModifyProposalDates(context.Background(), "sam", p.End, p.End)
	require.ErrorIs(t, err, model.ErrInvalidProposal)
}

func TestAdjustInvestment(t *testing.T) {
	h := newHarness(t)
	invs, err := h.m.CreateInvestment(context.Background(), "sam", InvestmentSpec{TotalSU: 100})
	require.NoError(t, err)
	inv := invs[0]
	require.NoError(t, h.store.InTx(context.Background(), "sam", func(tx store.Tx) error {
		inv.WithdrawnSU = 60
		return tx.UpdateInvestment(context.Background(), inv)
	}))

	got, err := h.m.AdjustInvestment(context.Background(), "sam", inv.ID, 50)
	require.NoError(t, err)
	require.Equal(t, int64(150), got.TotalSU)

	got, err = h.m.AdjustInvestment(context.Background(), "sam", inv.ID, -90)
	require.NoError(t, err)
	require.Equal(t, int64(60), got.TotalSU)
	require.True(t, got.Exhausted())

	_, err = h.m.AdjustInvestment(context.Background(), "sam", inv.ID, -1)
	require.ErrorIs(t, err, ErrInsufficientSUs, "withdrawn SUs cannot be removed")

	_, err = h.m.AdjustInvestment(context.Background(), "sam", inv.ID, 0)
	require.ErrorIs(t, err, ErrInvalidInvestment)

	_, err = h.m.AdjustInvestment(context.Background(), "sam", 999, 10)
	require.ErrorIs(t, err, store.ErrInvestmentNotFound)
}

func TestModifyInvestmentDates(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	invs, err := h.m.CreateInvestment(context.Background(), "sam", InvestmentSpec{TotalSU: 100})
	require.NoError(t, err)

	got, err := h.m.ModifyInvestmentDates(context.Background(), "sam", invs[0].ID, time.Time{}, today.AddDate(0, 6, 0))
	require.NoError(t, err)
	require.Equal(t, today, got.Start)
	require.Equal(t, today.AddDate(0, 6, 0), got.End)

	_, err = h.m.ModifyInvestmentDates(context.Background(), "sam", invs[0].ID, today.AddDate(1, 0, 0), time.Time{})
	require.ErrorIs(t, err, ErrInvalidInvestment)
}

func TestDeleteInvestment(t *testing.T) {
	h := newHarness(t)
	invs, err := h.m.CreateInvestment(context.Background(), "sam", InvestmentSpec{TotalSU: 100})
	require.NoError(t, err)

	require.NoError(t, h.m.DeleteInvestment(context.Background(), "sam", invs[0].ID))
	require.ErrorIs(t, h.m.DeleteInvestment(context.Background(), "sam", invs[0].ID), store.ErrInvestmentNotFound)

	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	require.Empty(t, info.Investments)
	require.Empty(t, info.InvestmentArchives)
}

func TestAdvance(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	invs, err := h.m.CreateInvestment(context.Background(), "sam", InvestmentSpec{TotalSU: 300, Duration: 365, Count: 3})
	require.NoError(t, err)
	current, second, third := invs[0], invs[1], invs[2]

	got, err := h.m.Advance(context.Background(), "sam", 150)
	require.NoError(t, err)
	require.Equal(t, current.ID, got.ID)
	require.Equal(t, int64(250), got.TotalSU)

	info, err := h.m.Info(context.Background(), "sam")
	require.NoError(t, err)
	totals := map[int64]int64{}
	for _, inv := range info.Investments {
		totals[inv.ID] = inv.TotalSU
		require.GreaterOrEqual(t, inv.TotalSU, inv.WithdrawnSU)
	}
	require.Equal(t, int64(0), totals[third.ID], "latest investment is drawn first")
	require.Equal(t, int64(50), totals[second.ID])
	total, _ := info.InvestedSU()
	require.Equal(t, int64(300), total, "advance moves SUs without creating any")

	_, err = h.m.Advance(context.Background(), "sam", 51)
	require.ErrorIs(t, err, ErrInsufficientSUs)

	_, err = h.m.Advance(context.Background(), "sam", 0)
	require.ErrorIs(t, err, ErrInvalidInvestment)

	_, err = h.m.CreateInvestment(context.Background(), "bob", InvestmentSpec{TotalSU: 10, Start: today.AddDate(0, 1, 0)})
	require.NoError(t, err)
	_, err = h.m.Advance(context.Background(), "bob", 5)
	require.ErrorIs(t, err, ErrNoActiveInvestment)
}

func TestLockState(t *testing.T) {
	h := newHarness(t)
	today := model.Day(now)
	for _, name := range []string{"amy", "bob", "cat"} {
		h.renew(t, name, today, today.AddDate(1, 0, 0))
	}
	h.slurm.locked = map[string]bool{"bob": true}

	cluster, names, err := h.m.LockState(context.Background(), "", true)
	require.NoError(t, err)
	require.Equal(t, "smp", cluster, "defaults to the first configured cluster")
	require.Equal(t, []string{"bob"}, names)

	_, names, err = h.m.LockState(context.Background(), "gpu", false)
	require.NoError(t, err)
	require.Equal(t, []string{"amy", "cat"}, names)

	_, _, err = h.m.LockState(context.Background(), "mpi", true)
	require.ErrorIs(t, err, ErrUnknownCluster)
}
