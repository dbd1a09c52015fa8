// Package checker runs the periodic allocation check: it reconciles scheduler
// usage into the ledger, queues notices, enforces locks and delivers the outbox.
package checker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ClusterBank/internal/lifecycle"
	"ClusterBank/internal/logger"
	"ClusterBank/internal/metrics"
	"ClusterBank/internal/model"
	"ClusterBank/internal/notify"
	"ClusterBank/internal/reconcile"
	"ClusterBank/internal/store"
	"ClusterBank/internal/threshold"
	"ClusterBank/internal/usage"
)

// Locker applies lock state on the scheduler.
type Locker interface {
	SetLocked(ctx context.Context, account string, locked bool) error
}

// Options configures a Runner.
type Options struct {
	Concurrency int
	SUDivisor   int64
	EmailDomain string
}

// Runner checks accounts against their allocations.
type Runner struct {
	store     store.Store
	collector *usage.Collector
	locker    Locker
	engine    *threshold.Engine
	sender    notify.Sender
	alerter   notify.Alerter
	clock     quartz.Clock
	opts      Options
	log       zerolog.Logger
}

// New creates a Runner.
func New(st store.Store, collector *usage.Collector, locker Locker, engine *threshold.Engine,
	sender notify.Sender, alerter notify.Alerter, clock quartz.Clock, opts Options, log zerolog.Logger) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if alerter == nil {
		alerter = notify.LogAlerter{Log: log}
	}
	return &Runner{
		store:     st,
		collector: collector,
		locker:    locker,
		engine:    engine,
		sender:    sender,
		alerter:   alerter,
		clock:     clock,
		opts:      opts,
		log:       log,
	}
}

// Result is the outcome of checking one account.
type Result struct {
	Account     string
	Skipped     bool // no active proposal
	Status      *model.UsageStatus
	Queued      int
	Sent        int
	Failed      int
	Locked      bool
	Archived    int
	WithdrawnSU int64
}

// CheckAll checks every account in the ledger.
func (r *Runner) CheckAll(ctx context.Context) (notify.RunSummary, error) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return notify.RunSummary{}, fmt.Errorf("list accounts: %w", err)
	}
	return r.Check(ctx, accounts...)
}

// Check processes the given accounts with bounded concurrency. One account's
// failure never stops the others; failures are returned together.
func (r *Runner) Check(ctx context.Context, accounts ...string) (notify.RunSummary, error) {
	summary := notify.RunSummary{Started: r.clock.Now(), Accounts: len(accounts)}
	r.log.Info().Int("accounts", len(accounts)).Msg("running check")

	var (
		mu   sync.Mutex
		errs *multierror.Error
		g    errgroup.Group
	)
	g.SetLimit(r.opts.Concurrency)

	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := r.CheckAccount(ctx, account)

			mu.Lock()
			defer mu.Unlock()
			summary.Notices += res.Queued
			summary.Archived += res.Archived
			if res.Locked {
				summary.Locked++
			}
			if err != nil {
				summary.Failed++
				errs = multierror.Append(errs, err)
				if len(summary.FirstErrs) < 5 {
					summary.FirstErrs = append(summary.FirstErrs, err.Error())
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		errs = multierror.Append(errs, fmt.Errorf("check run interrupted: %w", ctx.Err()))
	}

	summary.Finished = r.clock.Now()
	metrics.CheckRunDuration.Observe(summary.Finished.Sub(summary.Started).Seconds())
	if locked, err := r.store.ListLocked(ctx); err == nil {
		metrics.LockedAccounts.Set(float64(len(locked)))
	}

	runErr := errs.ErrorOrNil()
	if runErr != nil {
		metrics.CheckRunsTotal.WithLabelValues("partial").Inc()
		r.log.Warn().Int("failed", summary.Failed).Int("accounts", summary.Accounts).Msg("check finished with failures")
		r.alerter.Alert(context.WithoutCancel(ctx), notify.FormatRunSummary(summary))
	} else {
		metrics.CheckRunsTotal.WithLabelValues("ok").Inc()
		r.log.Info().Int("accounts", summary.Accounts).Int("notices", summary.Notices).Msg("check finished")
	}
	return summary, runErr
}

// CheckAccount reconciles one account and then delivers its pending notices.
// Pending notices are delivered even when reconciliation fails.
func (r *Runner) CheckAccount(ctx context.Context, account string) (Result, error) {
	log := logger.Account(r.log, account)
	res := Result{Account: account}

	var errs *multierror.Error
	if err := r.reconcile(ctx, account, &res, log); err != nil {
		metrics.AccountChecksTotal.WithLabelValues(outcome(err)).Inc()
		errs = multierror.Append(errs, fmt.Errorf("check %s: %w", account, err))
	} else if res.Skipped {
		metrics.AccountChecksTotal.WithLabelValues("skipped").Inc()
	} else {
		metrics.AccountChecksTotal.WithLabelValues("ok").Inc()
	}

	if err := r.deliver(ctx, account, &res, log); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("deliver notices of %s: %w", account, err))
	}
	return res, errs.ErrorOrNil()
}

func outcome(err error) string {
	switch {
	case errors.Is(err, usage.ErrUsageUnavailable):
		return "unavailable"
	case errors.Is(err, reconcile.ErrUsageRegression):
		return "regression"
	default:
		return "error"
	}
}

// reconcile collects usage outside any transaction, then applies it in one
// account transaction. Any error rolls back the whole account.
func (r *Runner) reconcile(ctx context.Context, account string, res *Result, log zerolog.Logger) error {
	var clusters []string
	err := r.store.View(ctx, func(tx store.Tx) error {
		p, err := tx.ActiveProposal(ctx, account)
		if err != nil {
			return err
		}
		clusters = p.Clusters()
		return nil
	})
	if errors.Is(err, store.ErrNoActiveProposal) {
		log.Debug().Msg("no active proposal, skipping reconcile")
		res.Skipped = true
		return nil
	}
	if err != nil {
		return err
	}

	snap, err := r.collector.Collect(ctx, account, clusters)
	if err != nil {
		if errors.Is(err, usage.ErrUsageUnavailable) {
			log.Warn().Err(err).Msg("usage unavailable, skipping account")
		}
		return err
	}

	now := r.clock.Now()
	today := model.Day(now)

	var (
		regression *reconcile.RegressionError
		proposalID int64
		queued     []model.NoticeKind
	)
	err = r.store.InTx(ctx, account, func(tx store.Tx) error {
		*res = Result{Account: account}
		queued = queued[:0]

		acct, err := tx.Account(ctx, account)
		if err != nil {
			return err
		}
		p, err := tx.ActiveProposal(ctx, account)
		if err != nil {
			return err
		}
		proposalID = p.ID
		invs, err := tx.Investments(ctx, account)
		if err != nil {
			return err
		}

		out, err := reconcile.Reconcile(reconcile.Input{
			Proposal:    p,
			Investments: invs,
			Observed:    snap,
			Today:       today,
			SUDivisor:   r.opts.SUDivisor,
		})
		if err != nil {
			return err
		}
		res.Status = &out.Status

		if out.Changed(p) {
			if err := tx.UpdateProposal(ctx, out.Proposal); err != nil {
				return err
			}
		}
		for _, w := range out.Withdrawals {
			res.WithdrawnSU += w.SU
		}
		for _, inv := range out.Investments {
			if withdrawn(out.Withdrawals, inv.ID) {
				if err := tx.UpdateInvestment(ctx, inv); err != nil {
					return err
				}
			}
		}
		for _, inv := range out.Exhausted {
			if err := tx.ArchiveInvestment(ctx, model.InvestmentArchive{
				InvestmentID: inv.ID,
				Account:      account,
				TotalSU:      inv.TotalSU,
				WithdrawnSU:  inv.WithdrawnSU,
				Start:        inv.Start,
				End:          inv.End,
				Reason:       model.ReasonExhausted,
				ArchivedAt:   now,
			}); err != nil {
				return err
			}
			res.Archived++
		}

		decision := r.engine.Evaluate(out.Proposal.Notify, out.Status)

		for _, pending := range decision.Notices {
			n := r.notice(out, pending)
			added, err := tx.EnqueueNotice(ctx, &n, now)
			if err != nil {
				return err
			}
			if added {
				res.Queued++
				queued = append(queued, n.Kind)
			}
		}

		if decision.Lock && !acct.Locked {
			if err := tx.SetLocked(ctx, account, true); err != nil {
				return err
			}
			if err := r.locker.SetLocked(ctx, account, true); err != nil {
				return err
			}
			res.Locked = true
		}
		return nil
	})
	if errors.As(err, &regression) {
		r.recordRegression(ctx, account, proposalID, regression, now, log)
		return err
	}
	if err != nil {
		return err
	}

	for _, kind := range queued {
		metrics.NoticesTotal.WithLabelValues(string(kind), "queued").Inc()
	}
	if res.WithdrawnSU > 0 {
		metrics.WithdrawnSUTotal.Add(float64(res.WithdrawnSU))
	}
	if res.Locked {
		metrics.LockChangesTotal.WithLabelValues("locked").Inc()
		log.Warn().Int64("uncovered_su", res.Status.UncoveredSU).Msg("account locked")
	}
	log.Debug().
		Int64("used_su", res.Status.UsedSU).
		Int64("limit_su", res.Status.LimitSU).
		Int("days_until_expiry", res.Status.DaysUntilExpiry).
		Int("queued", res.Queued).
		Msg("account reconciled")
	return nil
}

func (r *Runner) notice(out *reconcile.Result, pending threshold.Pending) model.Notice {
	p := out.Proposal
	var invested, remaining int64
	for _, inv := range out.Investments {
		invested += inv.TotalSU
		remaining += inv.Remaining()
	}
	return model.Notice{
		Key:        model.NoticeKey(p.Account, p.ID, pending.Kind, pending.Threshold),
		Account:    p.Account,
		ProposalID: p.ID,
		Kind:       pending.Kind,
		Threshold:  pending.Threshold,
		Recipient:  notify.Recipient(p.Account, r.opts.EmailDomain),
		Context: model.NoticeContext{
			Account:         p.Account,
			Start:           model.FormatDate(p.Start),
			End:             model.FormatDate(p.End),
			DaysUntilExpiry: out.Status.DaysUntilExpiry,
			Percent:         out.Status.Percent(),
			Threshold:       pending.Threshold,
			UsedSU:          out.Status.UsedSU,
			LimitSU:         out.Status.LimitSU,
			UncoveredSU:     out.Status.UncoveredSU,
			InvestmentSU:    remaining,
			UsageTable:      notify.UsageTable(reconcile.ClusterUsage(p, r.opts.SUDivisor), out.Status, invested),
			InvestmentTable: notify.InvestmentTable(out.Investments),
		},
	}
}

// recordRegression stores the regression in its own transaction, since the
// account transaction that found it has been rolled back.
func (r *Runner) recordRegression(ctx context.Context, account string, proposalID int64,
	reg *reconcile.RegressionError, now time.Time, log zerolog.Logger) {
	log.Error().Str("cluster", reg.Cluster).Int64("last", reg.Last).Int64("observed", reg.Observed).
		Msg("usage regression, account halted")
	err := r.store.InTx(ctx, account, func(tx store.Tx) error {
		return tx.RecordRegression(ctx, store.Regression{
			Account:    account,
			ProposalID: proposalID,
			Cluster:    reg.Cluster,
			Last:       reg.Last,
			Observed:   reg.Observed,
			DetectedAt: now,
		})
	})
	if err != nil {
		log.Error().Err(err).Msg("record regression")
	}
	r.alerter.Alert(ctx, notify.FormatRegressionAlert(account, reg.Cluster, reg.Last, reg.Observed))
}

// deliver sends pending notices one at a time. A notice is marked sent, and the
// cycle record updated, only after the send succeeded.
func (r *Runner) deliver(ctx context.Context, account string, res *Result, log zerolog.Logger) error {
	var pending []model.Notice
	if err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.PendingNotices(ctx, account)
		return err
	}); err != nil {
		return err
	}

	var errs *multierror.Error
	// Archiving a proposal supersedes its remaining notices in the store.
	closed := map[int64]bool{}
	for _, n := range pending {
		if ctx.Err() != nil {
			return multierror.Append(errs, ctx.Err()).ErrorOrNil()
		}
		nlog := log.With().Str("notice", n.Key).Logger()
		if closed[n.ProposalID] {
			nlog.Debug().Msg("proposal archived, notice superseded")
			continue
		}

		if err := r.sender.Send(ctx, notify.NewMessage(n)); err != nil {
			nlog.Warn().Err(err).Msg("notice not delivered, will retry next run")
			metrics.NoticesTotal.WithLabelValues(string(n.Kind), "failed").Inc()
			res.Failed++
			errs = multierror.Append(errs, err)
			if merr := r.store.InTx(ctx, account, func(tx store.Tx) error {
				return tx.MarkNoticeFailed(ctx, n.ID, err.Error())
			}); merr != nil {
				errs = multierror.Append(errs, merr)
			}
			continue
		}

		archived := false
		err := r.store.InTx(ctx, account, func(tx store.Tx) error {
			archived = false
			now := r.clock.Now()
			if err := tx.MarkNoticeSent(ctx, n.ID, now); err != nil {
				return err
			}
			p, err := tx.ActiveProposal(ctx, account)
			if errors.Is(err, store.ErrNoActiveProposal) {
				return nil
			}
			if err != nil {
				return err
			}
			if p.ID != n.ProposalID {
				return nil
			}
			p.Notify = threshold.Apply(p.Notify, n.Kind, n.Threshold)
			if n.Kind == model.KindExpired {
				archived = true
				return tx.ArchiveProposal(ctx, lifecycle.ArchiveRecord(p, r.opts.SUDivisor, model.ReasonExpired, now))
			}
			return tx.UpdateProposal(ctx, p)
		})
		if err != nil {
			// Sent but not recorded: the next run resends with the same Message-Id.
			nlog.Error().Err(err).Msg("record sent notice")
			errs = multierror.Append(errs, err)
			continue
		}
		metrics.NoticesTotal.WithLabelValues(string(n.Kind), "sent").Inc()
		res.Sent++
		if archived {
			closed[n.ProposalID] = true
			res.Archived++
			nlog.Info().Int64("proposal_id", n.ProposalID).Msg("proposal expired and archived")
		}
		nlog.Info().Str("kind", string(n.Kind)).Int("threshold", n.Threshold).Msg("notice sent")
	}
	return errs.ErrorOrNil()
}

func withdrawn(ws []reconcile.Withdrawal, id int64) bool {
	for _, w := range ws {
		if w.InvestmentID == id {
			return true
		}
	}
	return false
}
