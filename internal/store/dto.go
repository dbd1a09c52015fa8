package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ClusterBank/internal/model"
)

type accountRow struct {
	Name      string `db:"name"`
	Locked    bool   `db:"locked"`
	CreatedAt int64  `db:"created_at"`
}

func (r accountRow) toModel() model.Account {
	return model.Account{Name: r.Name, Locked: r.Locked, CreatedAt: time.Unix(r.CreatedAt, 0).UTC()}
}

type proposalRow struct {
	ID               int64  `db:"id"`
	Account          string `db:"account"`
	StartDate        string `db:"start_date"`
	EndDate          string `db:"end_date"`
	AttributedSU     int64  `db:"attributed_su"`
	LastThreshold    int    `db:"last_threshold"`
	ExpiringSoonSent bool   `db:"expiring_soon_sent"`
	ExpiredSent      bool   `db:"expired_sent"`
	OverdraftSent    bool   `db:"overdraft_sent"`
	CreatedAt        int64  `db:"created_at"`
}

type allocationRow struct {
	ProposalID int64  `db:"proposal_id"`
	Cluster    string `db:"cluster"`
	LimitSU    int64  `db:"limit_su"`
	RawBase    int64  `db:"raw_base"`
	RawLast    int64  `db:"raw_last"`
}

func (r proposalRow) toModel(allocs []allocationRow) (model.Proposal, error) {
	start, err := model.ParseDate(r.StartDate)
	if err != nil {
		return model.Proposal{}, err
	}
	end, err := model.ParseDate(r.EndDate)
	if err != nil {
		return model.Proposal{}, err
	}
	p := model.Proposal{
		ID:           r.ID,
		Account:      r.Account,
		Start:        start,
		End:          end,
		AttributedSU: r.AttributedSU,
		Notify: model.NotificationRecord{
			LastThreshold:    r.LastThreshold,
			ExpiringSoonSent: r.ExpiringSoonSent,
			ExpiredSent:      r.ExpiredSent,
			OverdraftSent:    r.OverdraftSent,
		},
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
	for _, a := range allocs {
		p.Allocations = append(p.Allocations, model.Allocation{
			Cluster: a.Cluster,
			LimitSU: a.LimitSU,
			RawBase: a.RawBase,
			RawLast: a.RawLast,
		})
	}
	return p, nil
}

type investmentRow struct {
	ID            int64         `db:"id"`
	Account       string        `db:"account"`
	TotalSU       int64         `db:"total_su"`
	WithdrawnSU   int64         `db:"withdrawn_su"`
	StartDate     string        `db:"start_date"`
	EndDate       string        `db:"end_date"`
	PredecessorID sql.NullInt64 `db:"predecessor_id"`
	CreatedAt     int64         `db:"created_at"`
}

func (r investmentRow) toModel() (model.Investment, error) {
	start, err := model.ParseDate(r.StartDate)
	if err != nil {
		return model.Investment{}, err
	}
	end, err := model.ParseDate(r.EndDate)
	if err != nil {
		return model.Investment{}, err
	}
	inv := model.Investment{
		ID:          r.ID,
		Account:     r.Account,
		TotalSU:     r.TotalSU,
		WithdrawnSU: r.WithdrawnSU,
		Start:       start,
		End:         end,
		CreatedAt:   time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.PredecessorID.Valid {
		id := r.PredecessorID.Int64
		inv.PredecessorID = &id
	}
	return inv, nil
}

type proposalArchiveRow struct {
	ProposalID       int64  `db:"proposal_id"`
	Account          string `db:"account"`
	StartDate        string `db:"start_date"`
	EndDate          string `db:"end_date"`
	Allocations      string `db:"allocations"`
	AttributedSU     int64  `db:"attributed_su"`
	LastThreshold    int    `db:"last_threshold"`
	ExpiringSoonSent bool   `db:"expiring_soon_sent"`
	ExpiredSent      bool   `db:"expired_sent"`
	OverdraftSent    bool   `db:"overdraft_sent"`
	Reason           string `db:"reason"`
	ArchivedAt       int64  `db:"archived_at"`
}

func (r proposalArchiveRow) toModel() (model.ProposalArchive, error) {
	start, err := model.ParseDate(r.StartDate)
	if err != nil {
		return model.ProposalArchive{}, err
	}
	end, err := model.ParseDate(r.EndDate)
	if err != nil {
		return model.ProposalArchive{}, err
	}
	var allocs []model.ArchivedAllocation
	if err := json.Unmarshal([]byte(r.Allocations), &allocs); err != nil {
		return model.ProposalArchive{}, fmt.Errorf("decode archived allocations: %w", err)
	}
	return model.ProposalArchive{
		ProposalID:   r.ProposalID,
		Account:      r.Account,
		Start:        start,
		End:          end,
		Allocations:  allocs,
		AttributedSU: r.AttributedSU,
		Notify: model.NotificationRecord{
			LastThreshold:    r.LastThreshold,
			ExpiringSoonSent: r.ExpiringSoonSent,
			ExpiredSent:      r.ExpiredSent,
			OverdraftSent:    r.OverdraftSent,
		},
		Reason:     model.ArchiveReason(r.Reason),
		ArchivedAt: time.Unix(r.ArchivedAt, 0).UTC(),
	}, nil
}

type investmentArchiveRow struct {
	InvestmentID int64  `db:"investment_id"`
	Account      string `db:"account"`
	TotalSU      int64  `db:"total_su"`
	WithdrawnSU  int64  `db:"withdrawn_su"`
	StartDate    string `db:"start_date"`
	EndDate      string `db:"end_date"`
	Reason       string `db:"reason"`
	ArchivedAt   int64  `db:"archived_at"`
}

func (r investmentArchiveRow) toModel() (model.InvestmentArchive, error) {
	start, err := model.ParseDate(r.StartDate)
	if err != nil {
		return model.InvestmentArchive{}, err
	}
	end, err := model.ParseDate(r.EndDate)
	if err != nil {
		return model.InvestmentArchive{}, err
	}
	return model.InvestmentArchive{
		InvestmentID: r.InvestmentID,
		Account:      r.Account,
		TotalSU:      r.TotalSU,
		WithdrawnSU:  r.WithdrawnSU,
		Start:        start,
		End:          end,
		Reason:       model.ArchiveReason(r.Reason),
		ArchivedAt:   time.Unix(r.ArchivedAt, 0).UTC(),
	}, nil
}

type noticeRow struct {
	ID         int64  `db:"id"`
	Key        string `db:"idem_key"`
	Account    string `db:"account"`
	ProposalID int64  `db:"proposal_id"`
	Kind       string `db:"kind"`
	Threshold  int    `db:"threshold"`
	Recipient  string `db:"recipient"`
	Status     string `db:"status"`
	Attempts   int    `db:"attempts"`
	LastError  string `db:"last_error"`
	Context    string `db:"context"`
}

func (r noticeRow) toModel() (model.Notice, error) {
	n := model.Notice{
		ID:         r.ID,
		Key:        r.Key,
		Account:    r.Account,
		ProposalID: r.ProposalID,
		Kind:       model.NoticeKind(r.Kind),
		Threshold:  r.Threshold,
		Recipient:  r.Recipient,
		Status:     model.NoticeStatus(r.Status),
		Attempts:   r.Attempts,
		LastError:  r.LastError,
	}
	if err := json.Unmarshal([]byte(r.Context), &n.Context); err != nil {
		return model.Notice{}, fmt.Errorf("decode notice context: %w", err)
	}
	return n, nil
}

type regressionRow struct {
	Account     string `db:"account"`
	ProposalID  int64  `db:"proposal_id"`
	Cluster     string `db:"cluster"`
	LastRaw     int64  `db:"last_raw"`
	ObservedRaw int64  `db:"observed_raw"`
	DetectedAt  int64  `db:"detected_at"`
}
