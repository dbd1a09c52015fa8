package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ClusterBank/internal/model"
)

var today = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func proposal(limits map[string]int64) model.Proposal {
	p := model.Proposal{
		ID:      1,
		Account: "sam",
		Start:   today.AddDate(0, -1, 0),
		End:     today.AddDate(1, 0, 0),
	}
	for cl, l := range limits {
		p.Allocations = append(p.Allocations, model.Allocation{Cluster: cl, LimitSU: l})
	}
	return p
}

func investment(id, total int64, created time.Time) model.Investment {
	return model.Investment{
		ID:        id,
		Account:   "sam",
		TotalSU:   total,
		Start:     today.AddDate(0, -1, 0),
		End:       today.AddDate(1, 0, 0),
		CreatedAt: created,
	}
}

func TestReconcile_WithdrawsInCreationOrder(t *testing.T) {
	a := investment(7, 100, today.AddDate(0, 0, -10))
	b := investment(3, 50, today.AddDate(0, 0, -5))

	res, err := Reconcile(Input{
		Proposal:    proposal(map[string]int64{"smp": 1000}),
		Investments: []model.Investment{b, a},
		Observed:    model.UsageSnapshot{"smp": 1120},
		Today:       today,
		SUDivisor:   1,
	})
	require.NoError(t, err)

	require.Len(t, res.Exhausted, 1)
	require.Equal(t, int64(7), res.Exhausted[0].ID)
	require.Equal(t, int64(100), res.Exhausted[0].WithdrawnSU)

	require.Len(t, res.Investments, 1)
	require.Equal(t, int64(3), res.Investments[0].ID)
	require.Equal(t, int64(20), res.Investments[0].WithdrawnSU)

	require.Equal(t, []Withdrawal{{InvestmentID: 7, SU: 100}, {InvestmentID: 3, SU: 20}}, res.Withdrawals)
	require.Equal(t, int64(120), res.Proposal.AttributedSU)
	require.False(t, res.Status.Overdrafted)
}

func TestReconcile_InvestmentAbsorbsOverdraft(t *testing.T) {
	res, err := Reconcile(Input{
		Proposal:    proposal(map[string]int64{"smp": 1000}),
		Investments: []model.Investment{investment(1, 200, today)},
		Observed:    model.UsageSnapshot{"smp": 1050},
		Today:       today,
		SUDivisor:   1,
	})
	require.NoError(t, err)
	require.Equal(t, int64(50), res.Investments[0].WithdrawnSU)
	require.False(t, res.Status.Overdrafted)
	require.Zero(t, res.Status.UncoveredSU)
	require.Equal(t, int64(1050), res.Status.UsedSU)
	require.InDelta(t, 1.05, res.Status.UsedFraction, 1e-9)
}

func TestReconcile_WithdrawalIsIncremental(t *testing.T) {
	in := Input{
		Proposal:    proposal(map[string]int64{"smp": 1000}),
		Investments: []model.Investment{investment(1, 200, today)},
		Observed:    model.UsageSnapshot{"smp": 1050},
		Today:       today,
		SUDivisor:   1,
	}
	first, err := Reconcile(in)
	require.NoError(t, err)

	in.Proposal = first.Proposal
	in.Investments = first.Investments
	second, err := Reconcile(in)
	require.NoError(t, err)
	require.Empty(t, second.Withdrawals)
	require.Equal(t, int64(50), second.Investments[0].WithdrawnSU)
	require.False(t, second.Changed(first.Proposal))

	in.Observed = model.UsageSnapshot{"smp": 1080}
	third, err := Reconcile(in)
	require.NoError(t, err)
	require.Equal(t, int64(80), third.Investments[0].WithdrawnSU)
	require.Equal(t, int64(80), third.Proposal.AttributedSU)
}

func TestReconcile_UncoveredOverdraft(t *testing.T) {
	in := Input{
		Proposal:    proposal(map[string]int64{"smp": 100}),
		Investments: []model.Investment{investment(1, 10, today)},
		Observed:    model.UsageSnapshot{"smp": 130},
		Today:       today,
		SUDivisor:   1,
	}
	res, err := Reconcile(in)
	require.NoError(t, err)
	require.True(t, res.Status.Overdrafted)
	require.Equal(t, int64(20), res.Status.UncoveredSU)
	require.Len(t, res.Exhausted, 1)
	require.Empty(t, res.Investments)
}

func TestReconcile_SkipsInactiveInvestments(t *testing.T) {
	future := investment(1, 100, today)
	future.Start = today.AddDate(0, 1, 0)
	expired := investment(2, 100, today)
	expired.End = today

	res, err := Reconcile(Input{
		Proposal:    proposal(map[string]int64{"smp": 100}),
		Investments: []model.Investment{future, expired},
		Observed:    model.UsageSnapshot{"smp": 150},
		Today:       today,
		SUDivisor:   1,
	})
	require.NoError(t, err)
	require.Empty(t, res.Withdrawals)
	require.True(t, res.Status.Overdrafted)
	require.Len(t, res.Investments, 2)
}

func TestReconcile_MultipleClustersAndDivisor(t *testing.T) {
	res, err := Reconcile(Input{
		Proposal:  proposal(map[string]int64{"smp": 100, "gpu": 50}),
		Observed:  model.UsageSnapshot{"smp": 6059, "gpu": 600, "htc": 99999},
		Today:     today,
		SUDivisor: 60,
	})
	require.NoError(t, err)
	require.Equal(t, int64(110), res.Status.UsedSU)
	require.Equal(t, int64(150), res.Status.LimitSU)
	require.Equal(t, int64(6059), res.Proposal.Allocation("smp").RawLast)
}

func TestReconcile_Regression(t *testing.T) {
	p := proposal(map[string]int64{"smp": 1000})
	in := Input{Proposal: p, Today: today, SUDivisor: 1}

	for _, v := range []int64{10, 30} {
		in.Observed = model.UsageSnapshot{"smp": v}
		res, err := Reconcile(in)
		require.NoError(t, err)
		in.Proposal = res.Proposal
	}

	in.Observed = model.UsageSnapshot{"smp": 20}
	_, err := Reconcile(in)
	require.ErrorIs(t, err, ErrUsageRegression)

	var re *RegressionError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "smp", re.Cluster)
	require.Equal(t, int64(30), re.Last)
	require.Equal(t, int64(20), re.Observed)
	require.Equal(t, int64(30), in.Proposal.Allocation("smp").RawLast, "input is not modified")
}

func TestReconcile_ResetThenLowerReading(t *testing.T) {
	p := proposal(map[string]int64{"smp": 1000})
	in := Input{Proposal: p, Today: today, SUDivisor: 1}

	for _, v := range []int64{10, 30} {
		in.Observed = model.UsageSnapshot{"smp": v}
		res, err := Reconcile(in)
		require.NoError(t, err)
		in.Proposal = res.Proposal
	}

	reset, err := ApplyReset(in.Proposal, "smp")
	require.NoError(t, err)
	in.Proposal = reset

	in.Observed = model.UsageSnapshot{"smp": 5}
	res, err := Reconcile(in)
	require.NoError(t, err)
	require.Equal(t, int64(35), res.Status.UsedSU)
}

func TestReconcile_IncompleteSnapshot(t *testing.T) {
	_, err := Reconcile(Input{
		Proposal:  proposal(map[string]int64{"smp": 100, "gpu": 10}),
		Observed:  model.UsageSnapshot{"smp": 1},
		Today:     today,
		SUDivisor: 1,
	})
	require.ErrorIs(t, err, ErrIncompleteSnapshot)
}

func TestApplyReset_UnknownCluster(t *testing.T) {
	_, err := ApplyReset(proposal(map[string]int64{"smp": 1}), "gpu")
	require.Error(t, err)
}

func TestSummarize(t *testing.T) {
	p := proposal(map[string]int64{"smp": 100})
	p.Allocations[0].RawLast = 130
	p.AttributedSU = 10
	st, err := Summarize(p, today, 1)
	require.NoError(t, err)
	require.Equal(t, int64(20), st.UncoveredSU)
	require.True(t, st.Overdrafted)
	require.Equal(t, 100, st.Percent())
}
