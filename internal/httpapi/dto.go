package httpapi

import (
	"time"

	"ClusterBank/internal/model"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type accountResponse struct {
	Name      string    `json:"name"`
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"created_at"`
}

type clusterResponse struct {
	Cluster string `json:"cluster"`
	LimitSU int64  `json:"limit_su"`
	UsedSU  int64  `json:"used_su"`
}

type proposalResponse struct {
	ID              int64             `json:"id"`
	Start           string            `json:"start"`
	End             string            `json:"end"`
	LimitSU         int64             `json:"limit_su"`
	UsedSU          int64             `json:"used_su"`
	Percent         int               `json:"percent"`
	DaysUntilExpiry int               `json:"days_until_expiry"`
	Overdrafted     bool              `json:"overdrafted"`
	UncoveredSU     int64             `json:"uncovered_su"`
	State           string            `json:"notification_state"`
	LastThreshold   int               `json:"last_threshold"`
	Clusters        []clusterResponse `json:"clusters"`
}

type investmentResponse struct {
	ID          int64  `json:"id"`
	TotalSU     int64  `json:"total_su"`
	WithdrawnSU int64  `json:"withdrawn_su"`
	RemainingSU int64  `json:"remaining_su"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

type archiveResponse struct {
	Kind       string `json:"kind"`
	ID         int64  `json:"id"`
	Start      string `json:"start"`
	End        string `json:"end"`
	UsedSU     int64  `json:"used_su"`
	TotalSU    int64  `json:"total_su"`
	Reason     string `json:"reason"`
	ArchivedAt string `json:"archived_at"`
}

type regressionResponse struct {
	ProposalID int64     `json:"proposal_id"`
	Cluster    string    `json:"cluster"`
	Last       int64     `json:"last_raw"`
	Observed   int64     `json:"observed_raw"`
	DetectedAt time.Time `json:"detected_at"`
}

type infoResponse struct {
	Account     accountResponse      `json:"account"`
	Proposal    *proposalResponse    `json:"proposal,omitempty"`
	Investments []investmentResponse `json:"investments"`
	Archive     []archiveResponse    `json:"archive"`
	Regressions []regressionResponse `json:"regressions"`
}

func toAccount(a model.Account) accountResponse {
	return accountResponse{Name: a.Name, Locked: a.Locked, CreatedAt: a.CreatedAt}
}

func toInfo(info model.AccountInfo) infoResponse {
	out := infoResponse{
		Account:     toAccount(info.Account),
		Investments: make([]investmentResponse, 0, len(info.Investments)),
		Archive:     make([]archiveResponse, 0, len(info.ProposalArchives)+len(info.InvestmentArchives)),
		Regressions: make([]regressionResponse, 0, len(info.Regressions)),
	}

	if p := info.Proposal; p != nil && info.Status != nil {
		state, last := p.Notify.State()
		pr := &proposalResponse{
			ID:              p.ID,
			Start:           model.FormatDate(p.Start),
			End:             model.FormatDate(p.End),
			LimitSU:         info.Status.LimitSU,
			UsedSU:          info.Status.UsedSU,
			Percent:         info.Status.Percent(),
			DaysUntilExpiry: info.Status.DaysUntilExpiry,
			Overdrafted:     info.Status.Overdrafted,
			UncoveredSU:     info.Status.UncoveredSU,
			State:           state.String(),
			LastThreshold:   last,
		}
		for _, c := range info.Clusters {
			pr.Clusters = append(pr.Clusters, clusterResponse(c))
		}
		out.Proposal = pr
	}

	for _, inv := range info.Investments {
		out.Investments = append(out.Investments, investmentResponse{
			ID:          inv.ID,
			TotalSU:     inv.TotalSU,
			WithdrawnSU: inv.WithdrawnSU,
			RemainingSU: inv.Remaining(),
			Start:       model.FormatDate(inv.Start),
			End:         model.FormatDate(inv.End),
		})
	}

	for _, a := range info.ProposalArchives {
		var used, limit int64
		for _, c := range a.Allocations {
			used += c.UsedSU
			limit += c.LimitSU
		}
		out.Archive = append(out.Archive, archiveResponse{
			Kind: "proposal", ID: a.ProposalID,
			Start: model.FormatDate(a.Start), End: model.FormatDate(a.End),
			UsedSU: used, TotalSU: limit,
			Reason: string(a.Reason), ArchivedAt: model.FormatDate(a.ArchivedAt),
		})
	}
	for _, a := range info.InvestmentArchives {
		out.Archive = append(out.Archive, archiveResponse{
			Kind: "investment", ID: a.InvestmentID,
			Start: model.FormatDate(a.Start), End: model.FormatDate(a.End),
			UsedSU: a.WithdrawnSU, TotalSU: a.TotalSU,
			Reason: string(a.Reason), ArchivedAt: model.FormatDate(a.ArchivedAt),
		})
	}
	for _, r := range info.Regressions {
		out.Regressions = append(out.Regressions, regressionResponse{
			ProposalID: r.ProposalID, Cluster: r.Cluster,
			Last: r.Last, Observed: r.Observed, DetectedAt: r.DetectedAt,
		})
	}
	return out
}
