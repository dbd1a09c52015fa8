package model

import "fmt"

// NoticeKind identifies which notification template fires.
type NoticeKind string

const (
	KindUsage        NoticeKind = "usage_warning"
	KindExpiringSoon NoticeKind = "expiring_soon"
	KindExpired      NoticeKind = "expired"
	KindOverdraft    NoticeKind = "overdraft"
)

// NoticeStatus is the delivery state of an outbox entry.
type NoticeStatus string

const (
	NoticePending    NoticeStatus = "pending"
	NoticeSent       NoticeStatus = "sent"
	NoticeSuperseded NoticeStatus = "superseded"
)

// CycleState is the notification state of an account within one proposal cycle.
type CycleState int

const (
	StateNormal CycleState = iota
	StateWarned
	StateExpiringSoonNotified
	StateExpired
	StateOverdrafted
)

func (s CycleState) String() string {
	switch s {
	case StateWarned:
		return "WARNED"
	case StateExpiringSoonNotified:
		return "EXPIRING_SOON_NOTIFIED"
	case StateExpired:
		return "EXPIRED"
	case StateOverdrafted:
		return "OVERDRAFTED"
	default:
		return "NORMAL"
	}
}

// NotificationRecord tracks which notices were confirmed sent during the current proposal cycle.
type NotificationRecord struct {
	LastThreshold    int
	ExpiringSoonSent bool
	ExpiredSent      bool
	OverdraftSent    bool
}

// State derives the cycle state and, for StateWarned, the highest notified threshold.
func (r NotificationRecord) State() (CycleState, int) {
	switch {
	case r.OverdraftSent:
		return StateOverdrafted, r.LastThreshold
	case r.ExpiredSent:
		return StateExpired, r.LastThreshold
	case r.ExpiringSoonSent:
		return StateExpiringSoonNotified, r.LastThreshold
	case r.LastThreshold > 0:
		return StateWarned, r.LastThreshold
	default:
		return StateNormal, 0
	}
}

// NoticeContext carries the values rendered into a notification template.
type NoticeContext struct {
	Account         string `json:"account"`
	Start           string `json:"start"`
	End             string `json:"end"`
	DaysUntilExpiry int    `json:"days_until_expiry"`
	Percent         int    `json:"percent"`
	Threshold       int    `json:"threshold"`
	UsedSU          int64  `json:"used_su"`
	LimitSU         int64  `json:"limit_su"`
	UncoveredSU     int64  `json:"uncovered_su"`
	InvestmentSU    int64  `json:"investment_su"`
	UsageTable      string `json:"usage_table,omitempty"`
	InvestmentTable string `json:"investment_table,omitempty"`
}

// Notice is an outbox entry for one notification within a proposal cycle.
type Notice struct {
	ID         int64
	Key        string
	Account    string
	ProposalID int64
	Kind       NoticeKind
	Threshold  int
	Recipient  string
	Status     NoticeStatus
	Attempts   int
	LastError  string
	Context    NoticeContext
}

// NoticeKey builds the idempotency key of a notice: one per (account, cycle, kind, threshold).
func NoticeKey(account string, proposalID int64, kind NoticeKind, threshold int) string {
	return fmt.Sprintf("%s/%d/%s/%d", account, proposalID, kind, threshold)
}
