package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"ClusterBank/internal/model"
)

type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
}

func (t *sqlTx) get(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *sqlTx) sel(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *sqlTx) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := t.tx.QueryRowxContext(ctx, t.tx.Rebind(query), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Accounts

func (t *sqlTx) Account(ctx context.Context, name string) (model.Account, error) {
	var r accountRow
	err := t.get(ctx, &r, `SELECT name, locked, created_at FROM accounts WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %s: %w", name, err)
	}
	return r.toModel(), nil
}

func (t *sqlTx) EnsureAccount(ctx context.Context, name string, now time.Time) (model.Account, error) {
	if _, err := t.exec(ctx,
		`INSERT INTO accounts (name, locked, created_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		name, false, now.Unix()); err != nil {
		return model.Account{}, fmt.Errorf("ensure account %s: %w", name, err)
	}
	return t.Account(ctx, name)
}

func (t *sqlTx) SetLocked(ctx context.Context, name string, locked bool) error {
	res, err := t.exec(ctx, `UPDATE accounts SET locked = ? WHERE name = ?`, locked, name)
	if err != nil {
		return fmt.Errorf("set locked %s: %w", name, err)
	}
	return expectRow(res, fmt.Errorf("%w: %s", ErrAccountNotFound, name))
}

// Proposals

const proposalColumns = `id, account, start_date, end_date, attributed_su, last_threshold,
	expiring_soon_sent, expired_sent, overdraft_sent, created_at`

func (t *sqlTx) ActiveProposal(ctx context.Context, account string) (model.Proposal, error) {
	var r proposalRow
	err := t.get(ctx, &r, `SELECT `+proposalColumns+` FROM proposals WHERE account = ?`, account)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Proposal{}, fmt.Errorf("%w for %s", ErrNoActiveProposal, account)
	}
	if err != nil {
		return model.Proposal{}, fmt.Errorf("get proposal of %s: %w", account, err)
	}

	var allocs []allocationRow
	if err := t.sel(ctx, &allocs,
		`SELECT proposal_id, cluster, limit_su, raw_base, raw_last FROM allocations WHERE proposal_id = ? ORDER BY cluster`,
		r.ID); err != nil {
		return model.Proposal{}, fmt.Errorf("get allocations of proposal %d: %w", r.ID, err)
	}
	return r.toModel(allocs)
}

func (t *sqlTx) InsertProposal(ctx context.Context, p *model.Proposal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	id, err := t.insertID(ctx, `INSERT INTO proposals
		(account, start_date, end_date, attributed_su, last_threshold, expiring_soon_sent, expired_sent, overdraft_sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.Account, model.FormatDate(p.Start), model.FormatDate(p.End), p.AttributedSU,
		p.Notify.LastThreshold, p.Notify.ExpiringSoonSent, p.Notify.ExpiredSent, p.Notify.OverdraftSent,
		p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert proposal for %s: %w", p.Account, err)
	}
	p.ID = id

	for _, a := range p.Allocations {
		if _, err := t.exec(ctx,
			`INSERT INTO allocations (proposal_id, cluster, limit_su, raw_base, raw_last) VALUES (?, ?, ?, ?, ?)`,
			id, a.Cluster, a.LimitSU, a.RawBase, a.RawLast); err != nil {
			return fmt.Errorf("insert allocation %s: %w", a.Cluster, err)
		}
	}
	return nil
}

func (t *sqlTx) UpdateProposal(ctx context.Context, p model.Proposal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	res, err := t.exec(ctx, `UPDATE proposals SET start_date = ?, end_date = ?, attributed_su = ?, last_threshold = ?,
		expiring_soon_sent = ?, expired_sent = ?, overdraft_sent = ? WHERE id = ?`,
		model.FormatDate(p.Start), model.FormatDate(p.End), p.AttributedSU, p.Notify.LastThreshold,
		p.Notify.ExpiringSoonSent, p.Notify.ExpiredSent, p.Notify.OverdraftSent, p.ID)
	if err != nil {
		return fmt.Errorf("update proposal %d: %w", p.ID, err)
	}
	if err := expectRow(res, fmt.Errorf("%w: proposal %d", ErrNoActiveProposal, p.ID)); err != nil {
		return err
	}

	for _, a := range p.Allocations {
		if _, err := t.exec(ctx,
			`UPDATE allocations SET limit_su = ?, raw_base = ?, raw_last = ? WHERE proposal_id = ? AND cluster = ?`,
			a.LimitSU, a.RawBase, a.RawLast, p.ID, a.Cluster); err != nil {
			return fmt.Errorf("update allocation %s: %w", a.Cluster, err)
		}
	}
	return nil
}

func (t *sqlTx) ArchiveProposal(ctx context.Context, a model.ProposalArchive) error {
	allocs, err := json.Marshal(a.Allocations)
	if err != nil {
		return fmt.Errorf("encode archived allocations: %w", err)
	}
	if _, err := t.exec(ctx, `INSERT INTO proposal_archive
		(proposal_id, account, start_date, end_date, allocations, attributed_su, last_threshold,
		 expiring_soon_sent, expired_sent, overdraft_sent, reason, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ProposalID, a.Account, model.FormatDate(a.Start), model.FormatDate(a.End), string(allocs),
		a.AttributedSU, a.Notify.LastThreshold, a.Notify.ExpiringSoonSent, a.Notify.ExpiredSent,
		a.Notify.OverdraftSent, string(a.Reason), a.ArchivedAt.Unix()); err != nil {
		return fmt.Errorf("archive proposal %d: %w", a.ProposalID, err)
	}

	if _, err := t.exec(ctx, `UPDATE notices SET status = ? WHERE proposal_id = ? AND status = ?`,
		string(model.NoticeSuperseded), a.ProposalID, string(model.NoticePending)); err != nil {
		return fmt.Errorf("supersede notices of proposal %d: %w", a.ProposalID, err)
	}

	if _, err := t.exec(ctx, `DELETE FROM allocations WHERE proposal_id = ?`, a.ProposalID); err != nil {
		return fmt.Errorf("delete allocations of proposal %d: %w", a.ProposalID, err)
	}
	res, err := t.exec(ctx, `DELETE FROM proposals WHERE id = ?`, a.ProposalID)
	if err != nil {
		return fmt.Errorf("delete proposal %d: %w", a.ProposalID, err)
	}
	return expectRow(res, fmt.Errorf("%w: proposal %d", ErrNoActiveProposal, a.ProposalID))
}

func (t *sqlTx) ProposalArchives(ctx context.Context, account string) ([]model.ProposalArchive, error) {
	var rows []proposalArchiveRow
	if err := t.sel(ctx, &rows, `SELECT proposal_id, account, start_date, end_date, allocations, attributed_su,
		last_threshold, expiring_soon_sent, expired_sent, overdraft_sent, reason, archived_at
		FROM proposal_archive WHERE account = ? ORDER BY archived_at, proposal_id`, account); err != nil {
		return nil, fmt.Errorf("list proposal archive of %s: %w", account, err)
	}
	out := make([]model.ProposalArchive, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Investments

const investmentColumns = `id, account, total_su, withdrawn_su, start_date, end_date, predecessor_id, created_at`

func (t *sqlTx) Investments(ctx context.Context, account string) ([]model.Investment, error) {
	var rows []investmentRow
	if err := t.sel(ctx, &rows, `SELECT `+investmentColumns+` FROM investments WHERE account = ? ORDER BY created_at, id`,
		account); err != nil {
		return nil, fmt.Errorf("list investments of %s: %w", account, err)
	}
	out := make([]model.Investment, 0, len(rows))
	for _, r := range rows {
		inv, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (t *sqlTx) Investment(ctx context.Context, account string, id int64) (model.Investment, error) {
	var r investmentRow
	err := t.get(ctx, &r, `SELECT `+investmentColumns+` FROM investments WHERE account = ? AND id = ?`, account, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Investment{}, fmt.Errorf("%w: %d for %s", ErrInvestmentNotFound, id, account)
	}
	if err != nil {
		return model.Investment{}, fmt.Errorf("get investment %d: %w", id, err)
	}
	return r.toModel()
}

func (t *sqlTx) InsertInvestment(ctx context.Context, inv *model.Investment) error {
	var pred sql.NullInt64
	if inv.PredecessorID != nil {
		pred = sql.NullInt64{Int64: *inv.PredecessorID, Valid: true}
	}
	id, err := t.insertID(ctx, `INSERT INTO investments
		(account, total_su, withdrawn_su, start_date, end_date, predecessor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		inv.Account, inv.TotalSU, inv.WithdrawnSU, model.FormatDate(inv.Start), model.FormatDate(inv.End),
		pred, inv.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert investment for %s: %w", inv.Account, err)
	}
	inv.ID = id
	return nil
}

func (t *sqlTx) UpdateInvestment(ctx context.Context, inv model.Investment) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	res, err := t.exec(ctx, `UPDATE investments SET total_su = ?, withdrawn_su = ?, start_date = ?, end_date = ?
		WHERE id = ?`,
		inv.TotalSU, inv.WithdrawnSU, model.FormatDate(inv.Start), model.FormatDate(inv.End), inv.ID)
	if err != nil {
		return fmt.Errorf("update investment %d: %w", inv.ID, err)
	}
	return expectRow(res, fmt.Errorf("%w: %d", ErrInvestmentNotFound, inv.ID))
}

func (t *sqlTx) DeleteInvestment(ctx context.Context, account string, id int64) error {
	res, err := t.exec(ctx, `DELETE FROM investments WHERE account = ? AND id = ?`, account, id)
	if err != nil {
		return fmt.Errorf("delete investment %d: %w", id, err)
	}
	return expectRow(res, fmt.Errorf("%w: %d for %s", ErrInvestmentNotFound, id, account))
}

func (t *sqlTx) ArchiveInvestment(ctx context.Context, a model.InvestmentArchive) error {
	if _, err := t.exec(ctx, `INSERT INTO investment_archive
		(investment_id, account, total_su, withdrawn_su, start_date, end_date, reason, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.InvestmentID, a.Account, a.TotalSU, a.WithdrawnSU, model.FormatDate(a.Start), model.FormatDate(a.End),
		string(a.Reason), a.ArchivedAt.Unix()); err != nil {
		return fmt.Errorf("archive investment %d: %w", a.InvestmentID, err)
	}
	res, err := t.exec(ctx, `DELETE FROM investments WHERE id = ?`, a.InvestmentID)
	if err != nil {
		return fmt.Errorf("delete investment %d: %w", a.InvestmentID, err)
	}
	return expectRow(res, fmt.Errorf("%w: %d", ErrInvestmentNotFound, a.InvestmentID))
}

func (t *sqlTx) InvestmentArchives(ctx context.Context, account string) ([]model.InvestmentArchive, error) {
	var rows []investmentArchiveRow
	if err := t.sel(ctx, &rows, `SELECT investment_id, account, total_su, withdrawn_su, start_date, end_date, reason, archived_at
		FROM investment_archive WHERE account = ? ORDER BY archived_at, investment_id`, account); err != nil {
		return nil, fmt.Errorf("list investment archive of %s: %w", account, err)
	}
	out := make([]model.InvestmentArchive, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Notices

func (t *sqlTx) EnqueueNotice(ctx context.Context, n *model.Notice, now time.Time) (bool, error) {
	if n.Key == "" {
		n.Key = model.NoticeKey(n.Account, n.ProposalID, n.Kind, n.Threshold)
	}
	body, err := json.Marshal(n.Context)
	if err != nil {
		return false, fmt.Errorf("encode notice context: %w", err)
	}

	res, err := t.exec(ctx, `INSERT INTO notices
		(idem_key, account, proposal_id, kind, threshold, recipient, status, attempts, last_error, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?) ON CONFLICT (idem_key) DO NOTHING`,
		n.Key, n.Account, n.ProposalID, string(n.Kind), n.Threshold, n.Recipient, string(model.NoticePending),
		string(body), now.Unix())
	if err != nil {
		return false, fmt.Errorf("enqueue notice %s: %w", n.Key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if err := t.get(ctx, &n.ID, `SELECT id FROM notices WHERE idem_key = ?`, n.Key); err != nil {
		return false, fmt.Errorf("read notice id %s: %w", n.Key, err)
	}
	n.Status = model.NoticePending

	if n.Kind == model.KindUsage {
		if _, err := t.exec(ctx, `UPDATE notices SET status = ?
			WHERE account = ? AND proposal_id = ? AND kind = ? AND status = ? AND threshold < ?`,
			string(model.NoticeSuperseded), n.Account, n.ProposalID, string(model.KindUsage),
			string(model.NoticePending), n.Threshold); err != nil {
			return false, fmt.Errorf("supersede usage notices: %w", err)
		}
	}
	return true, nil
}

func (t *sqlTx) PendingNotices(ctx context.Context, account string) ([]model.Notice, error) {
	var rows []noticeRow
	if err := t.sel(ctx, &rows, `SELECT id, idem_key, account, proposal_id, kind, threshold, recipient, status,
		attempts, last_error, context FROM notices WHERE account = ? AND status = ? ORDER BY id`,
		account, string(model.NoticePending)); err != nil {
		return nil, fmt.Errorf("list pending notices of %s: %w", account, err)
	}
	out := make([]model.Notice, 0, len(rows))
	for _, r := range rows {
		n, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (t *sqlTx) MarkNoticeSent(ctx context.Context, id int64, now time.Time) error {
	res, err := t.exec(ctx, `UPDATE notices SET status = ?, attempts = attempts + 1, last_error = '', sent_at = ?
		WHERE id = ?`, string(model.NoticeSent), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("mark notice %d sent: %w", id, err)
	}
	return expectRow(res, fmt.Errorf("%w: %d", ErrNoticeNotFound, id))
}

func (t *sqlTx) MarkNoticeFailed(ctx context.Context, id int64, reason string) error {
	res, err := t.exec(ctx, `UPDATE notices SET attempts = attempts + 1, last_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("mark notice %d failed: %w", id, err)
	}
	return expectRow(res, fmt.Errorf("%w: %d", ErrNoticeNotFound, id))
}

// Regressions

func (t *sqlTx) RecordRegression(ctx context.Context, r Regression) error {
	if _, err := t.exec(ctx, `INSERT INTO usage_regressions
		(account, proposal_id, cluster, last_raw, observed_raw, detected_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Account, r.ProposalID, r.Cluster, r.Last, r.Observed, r.DetectedAt.Unix()); err != nil {
		return fmt.Errorf("record regression for %s: %w", r.Account, err)
	}
	return nil
}

func (t *sqlTx) Regressions(ctx context.Context, account string) ([]Regression, error) {
	var rows []regressionRow
	if err := t.sel(ctx, &rows, `SELECT account, proposal_id, cluster, last_raw, observed_raw, detected_at
		FROM usage_regressions WHERE account = ? ORDER BY id`, account); err != nil {
		return nil, fmt.Errorf("list regressions of %s: %w", account, err)
	}
	out := make([]Regression, 0, len(rows))
	for _, r := range rows {
		out = append(out, Regression{
			Account:    r.Account,
			ProposalID: r.ProposalID,
			Cluster:    r.Cluster,
			Last:       r.LastRaw,
			Observed:   r.ObservedRaw,
			DetectedAt: time.Unix(r.DetectedAt, 0).UTC(),
		})
	}
	return out, nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
