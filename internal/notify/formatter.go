package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"ClusterBank/internal/calculator"
	"ClusterBank/internal/model"
)

func newTable(title string) table.Writer {
	tw := table.NewWriter()
	if title != "" {
		tw.SetTitle(title)
	}
	tw.SetStyle(table.StyleLight)
	return tw
}

// UsageTable renders per-cluster proposal usage with an aggregate footer.
func UsageTable(clusters []model.ClusterUsage, status model.UsageStatus, invested int64) string {
	tw := newTable("Proposal usage")
	tw.AppendHeader(table.Row{"Cluster", "Used SUs", "Limit SUs", "Percent"})
	for _, c := range clusters {
		tw.AppendRow(table.Row{
			c.Cluster,
			humanize.Comma(c.UsedSU),
			humanize.Comma(c.LimitSU),
			fmt.Sprintf("%d%%", calculator.Percentage(c.UsedSU, c.LimitSU)),
		})
	}
	tw.AppendFooter(table.Row{
		"Aggregate",
		humanize.Comma(status.UsedSU),
		humanize.Comma(status.LimitSU),
		fmt.Sprintf("%d%%", calculator.Percentage(status.UsedSU, status.LimitSU)),
	})
	if invested > 0 {
		tw.AppendFooter(table.Row{
			"With investments",
			humanize.Comma(status.UsedSU),
			humanize.Comma(status.LimitSU + invested),
			fmt.Sprintf("%d%%", calculator.Percentage(status.UsedSU, status.LimitSU+invested)),
		})
	}
	return tw.Render()
}

// InvestmentTable renders the active investments of an account, or "" when there are none.
func InvestmentTable(invs []model.Investment) string {
	if len(invs) == 0 {
		return ""
	}
	tw := newTable("Investments")
	tw.AppendHeader(table.Row{"ID", "Total SUs", "Withdrawn", "Remaining", "Start", "End"})
	for _, inv := range invs {
		tw.AppendRow(table.Row{
			inv.ID,
			humanize.Comma(inv.TotalSU),
			humanize.Comma(inv.WithdrawnSU),
			humanize.Comma(inv.Remaining()),
			model.FormatDate(inv.Start),
			model.FormatDate(inv.End),
		})
	}
	return tw.Render()
}

// FormatAccountInfo renders the full account snapshot as plain text.
func FormatAccountInfo(info model.AccountInfo) string {
	var b strings.Builder

	state := "unlocked"
	if info.Account.Locked {
		state = "LOCKED"
	}
	fmt.Fprintf(&b, "Account %s (%s)\n", info.Account.Name, state)

	if info.Proposal == nil {
		b.WriteString("No active proposal.\n")
	} else {
		p := info.Proposal
		cycle, _ := p.Notify.State()
		fmt.Fprintf(&b, "Proposal %d: %s to %s", p.ID, model.FormatDate(p.Start), model.FormatDate(p.End))
		if info.Status != nil {
			fmt.Fprintf(&b, ", %s", expiryPhrase(info.Status.DaysUntilExpiry))
		}
		fmt.Fprintf(&b, ", notification state %s\n", cycle)
		if info.Status != nil {
			total, _ := info.InvestedSU()
			b.WriteString(UsageTable(info.Clusters, *info.Status, total))
			b.WriteString("\n")
			if info.Status.Overdrafted {
				fmt.Fprintf(&b, "Overdrafted by %s SUs not covered by investments.\n", humanize.Comma(info.Status.UncoveredSU))
			}
		}
	}

	if t := InvestmentTable(info.Investments); t != "" {
		b.WriteString(t)
		b.WriteString("\n")
	}

	if len(info.ProposalArchives) > 0 || len(info.InvestmentArchives) > 0 {
		tw := newTable("Archive")
		tw.AppendHeader(table.Row{"Kind", "ID", "Start", "End", "SUs", "Reason", "Archived"})
		for _, a := range info.ProposalArchives {
			var used, limit int64
			for _, c := range a.Allocations {
				used += c.UsedSU
				limit += c.LimitSU
			}
			tw.AppendRow(table.Row{"proposal", a.ProposalID, model.FormatDate(a.Start), model.FormatDate(a.End),
				humanize.Comma(used) + "/" + humanize.Comma(limit), a.Reason, model.FormatDate(a.ArchivedAt)})
		}
		for _, a := range info.InvestmentArchives {
			tw.AppendRow(table.Row{"investment", a.InvestmentID, model.FormatDate(a.Start), model.FormatDate(a.End),
				humanize.Comma(a.WithdrawnSU) + "/" + humanize.Comma(a.TotalSU), a.Reason, model.FormatDate(a.ArchivedAt)})
		}
		b.WriteString(tw.Render())
		b.WriteString("\n")
	}

	if len(info.Regressions) > 0 {
		tw := newTable("Usage regressions")
		tw.AppendHeader(table.Row{"Proposal", "Cluster", "Last", "Observed", "Detected"})
		for _, r := range info.Regressions {
			tw.AppendRow(table.Row{r.ProposalID, r.Cluster, humanize.Comma(r.Last), humanize.Comma(r.Observed),
				r.DetectedAt.Format(time.RFC3339)})
		}
		b.WriteString(tw.Render())
		b.WriteString("\n")
	}

	return b.String()
}

func expiryPhrase(days int) string {
	switch {
	case days < 0:
		return fmt.Sprintf("expired %d days ago", -days)
	case days == 0:
		return "expires today"
	default:
		return fmt.Sprintf("expires in %d days", days)
	}
}

// FormatLockState lists the accounts in the given scheduler lock state on cluster.
func FormatLockState(cluster string, locked bool, names []string) string {
	state := "unlocked"
	if locked {
		state = "locked"
	}
	if len(names) == 0 {
		return fmt.Sprintf("No %s accounts on %s.\n", state, cluster)
	}
	tw := newTable(fmt.Sprintf("Accounts %s on %s", state, cluster))
	tw.AppendHeader(table.Row{"Account"})
	for _, n := range names {
		tw.AppendRow(table.Row{n})
	}
	return tw.Render() + "\n"
}

// FormatRegressionAlert is the operator alert for a counter that moved backwards.
func FormatRegressionAlert(account, cluster string, last, observed int64) string {
	return fmt.Sprintf("⚠️ <b>Usage regression</b>\nAccount %s on %s: last %s, observed %s.\nAccount skipped until resolved.",
		html.EscapeString(account), html.EscapeString(cluster), humanize.Comma(last), humanize.Comma(observed))
}

// RunSummary describes one check run.
type RunSummary struct {
	Started   time.Time
	Finished  time.Time
	Accounts  int
	Failed    int
	Notices   int
	Locked    int
	Archived  int
	FirstErrs []string
}

// FormatRunSummary is the operator alert sent after a check run with failures.
func FormatRunSummary(s RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>Allocation check</b> | %s\n", s.Started.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Accounts: %d, failed: %d\n", s.Accounts, s.Failed)
	fmt.Fprintf(&b, "Notices queued: %d, locked: %d, archived: %d\n", s.Notices, s.Locked, s.Archived)
	fmt.Fprintf(&b, "Took %s\n", strings.TrimSpace(humanize.RelTime(s.Started, s.Finished, "", "")))
	for _, e := range s.FirstErrs {
		fmt.Fprintf(&b, "• %s\n", html.EscapeString(e))
	}
	return b.String()
}
