// Package store persists the allocation ledger and the notice outbox.
//
// Every mutation of an account happens inside InTx, so a failed check or
// administrative operation never leaves partial state behind.
package store

import (
	"context"
	"errors"
	"time"

	"ClusterBank/internal/model"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrNoActiveProposal    = errors.New("no active proposal")
	ErrInvestmentNotFound  = errors.New("investment not found")
	ErrNoticeNotFound      = errors.New("notice not found")
	ErrPersistenceConflict = errors.New("persistence conflict")
	ErrSchemaMismatch      = errors.New("schema version mismatch")
)

// Regression is a recorded backwards movement of a scheduler counter.
type Regression = model.Regression

// Store is the ledger backend.
type Store interface {
	// InTx runs fn in a read-write transaction scoped to account. Conflicts are
	// retried with backoff, so fn may run more than once.
	InTx(ctx context.Context, account string, fn func(Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error
	ListAccounts(ctx context.Context) ([]string, error)
	ListLocked(ctx context.Context) ([]model.Account, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of ledger operations available inside a transaction.
type Tx interface {
	Account(ctx context.Context, name string) (model.Account, error)
	EnsureAccount(ctx context.Context, name string, now time.Time) (model.Account, error)
	SetLocked(ctx context.Context, name string, locked bool) error

	ActiveProposal(ctx context.Context, account string) (model.Proposal, error)
	InsertProposal(ctx context.Context, p *model.Proposal) error
	UpdateProposal(ctx context.Context, p model.Proposal) error
	// ArchiveProposal moves the proposal to the archive and supersedes its pending notices.
	ArchiveProposal(ctx context.Context, a model.ProposalArchive) error
	ProposalArchives(ctx context.Context, account string) ([]model.ProposalArchive, error)

	Investments(ctx context.Context, account string) ([]model.Investment, error)
	Investment(ctx context.Context, account string, id int64) (model.Investment, error)
	InsertInvestment(ctx context.Context, inv *model.Investment) error
	UpdateInvestment(ctx context.Context, inv model.Investment) error
	// DeleteInvestment removes an investment without archiving it.
	DeleteInvestment(ctx context.Context, account string, id int64) error
	ArchiveInvestment(ctx context.Context, a model.InvestmentArchive) error
	InvestmentArchives(ctx context.Context, account string) ([]model.InvestmentArchive, error)

	// EnqueueNotice inserts n unless its key already exists and reports whether it was added.
	// A new usage notice supersedes pending usage notices of lower thresholds in the same cycle.
	EnqueueNotice(ctx context.Context, n *model.Notice, now time.Time) (bool, error)
	PendingNotices(ctx context.Context, account string) ([]model.Notice, error)
	MarkNoticeSent(ctx context.Context, id int64, now time.Time) error
	MarkNoticeFailed(ctx context.Context, id int64, reason string) error

	RecordRegression(ctx context.Context, r Regression) error
	Regressions(ctx context.Context, account string) ([]Regression, error)
}
