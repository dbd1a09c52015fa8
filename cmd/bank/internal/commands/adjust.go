package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"ClusterBank/internal/model"
)

type ProposalCmd struct {
	Add        ProposalAddCmd        `cmd:"" help:"Add SUs to cluster limits of the active proposal."`
	Subtract   ProposalSubtractCmd   `cmd:"" help:"Remove SUs from cluster limits of the active proposal."`
	ModifyDate ProposalModifyDateCmd `cmd:"" name:"modify-date" help:"Move the start or end of the active proposal."`
}

type ProposalAddCmd struct {
	Account string           `arg:"" help:"Account name."`
	SUs     map[string]int64 `name:"sus" help:"Per-cluster SUs, e.g. --sus smp=1000 --sus gpu=50." required:""`
}

func (c *ProposalAddCmd) Run(ctx context.Context, globals *Globals) error {
	return adjustProposal(ctx, globals, c.Account, c.SUs, 1)
}

type ProposalSubtractCmd struct {
	Account string           `arg:"" help:"Account name."`
	SUs     map[string]int64 `name:"sus" help:"Per-cluster SUs, e.g. --sus smp=1000." required:""`
}

func (c *ProposalSubtractCmd) Run(ctx context.Context, globals *Globals) error {
	return adjustProposal(ctx, globals, c.Account, c.SUs, -1)
}

func adjustProposal(ctx context.Context, globals *Globals, account string, sus map[string]int64, sign int64) error {
	deltas := make(map[string]int64, len(sus))
	for cluster, n := range sus {
		if n <= 0 {
			return fmt.Errorf("--sus %s=%d: service units must be positive", cluster, n)
		}
		deltas[cluster] = sign * n
	}

	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.manager.AdjustProposal(ctx, account, deltas)
	if err != nil {
		return err
	}
	for _, alloc := range p.Allocations {
		fmt.Printf("proposal %d for %s: %s limit %s SUs\n", p.ID, account, alloc.Cluster, humanize.Comma(alloc.LimitSU))
	}
	return nil
}

type ProposalModifyDateCmd struct {
	Account string `arg:"" help:"Account name."`
	Start   string `help:"New first day (YYYY-MM-DD)."`
	End     string `help:"New end day (YYYY-MM-DD)."`
}

func (c *ProposalModifyDateCmd) Run(ctx context.Context, globals *Globals) error {
	start, end, err := parseRange(c.Start, c.End)
	if err != nil {
		return err
	}
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.manager.ModifyProposalDates(ctx, c.Account, start, end)
	if err != nil {
		return err
	}
	fmt.Printf("proposal %d for %s: %s to %s\n", p.ID, c.Account, model.FormatDate(p.Start), model.FormatDate(p.End))
	return nil
}

type InvestmentCmd struct {
	Add        InvestmentAddCmd        `cmd:"" help:"Add SUs to an investment."`
	Subtract   InvestmentSubtractCmd   `cmd:"" help:"Remove unused SUs from an investment."`
	ModifyDate InvestmentModifyDateCmd `cmd:"" name:"modify-date" help:"Move the start or end of an investment."`
	Delete     InvestmentDeleteCmd     `cmd:"" help:"Delete an investment without archiving it."`
	Advance    InvestmentAdvanceCmd    `cmd:"" help:"Move SUs from later investments into the active one."`
}

type InvestmentAddCmd struct {
	Account string `arg:"" help:"Account name."`
	ID      int64  `arg:"" help:"Investment id."`
	SUs     int64  `arg:"" name:"sus" help:"Service units to add."`
}

func (c *InvestmentAddCmd) Run(ctx context.Context, globals *Globals) error {
	return adjustInvestment(ctx, globals, c.Account, c.ID, c.SUs, 1)
}

type InvestmentSubtractCmd struct {
	Account string `arg:"" help:"Account name."`
	ID      int64  `arg:"" help:"Investment id."`
	SUs     int64  `arg:"" name:"sus" help:"Service units to remove."`
}

func (c *InvestmentSubtractCmd) Run(ctx context.Context, globals *Globals) error {
	return adjustInvestment(ctx, globals, c.Account, c.ID, c.SUs, -1)
}

func adjustInvestment(ctx context.Context, globals *Globals, account string, id, sus, sign int64) error {
	if sus <= 0 {
		return fmt.Errorf("service units must be positive, got %d", sus)
	}
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	inv, err := a.manager.AdjustInvestment(ctx, account, id, sign*sus)
	if err != nil {
		return err
	}
	fmt.Printf("investment %d for %s: %s SUs, %s withdrawn\n", inv.ID, account,
		humanize.Comma(inv.TotalSU), humanize.Comma(inv.WithdrawnSU))
	return nil
}

type InvestmentModifyDateCmd struct {
	Account string `arg:"" help:"Account name."`
	ID      int64  `arg:"" help:"Investment id."`
	Start   string `help:"New first day (YYYY-MM-DD)."`
	End     string `help:"New end day (YYYY-MM-DD)."`
}

func (c *InvestmentModifyDateCmd) Run(ctx context.Context, globals *Globals) error {
	start, end, err := parseRange(c.Start, c.End)
	if err != nil {
		return err
	}
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	inv, err := a.manager.ModifyInvestmentDates(ctx, c.Account, c.ID, start, end)
	if err != nil {
		return err
	}
	fmt.Printf("investment %d for %s: %s to %s\n", inv.ID, c.Account, model.FormatDate(inv.Start), model.FormatDate(inv.End))
	return nil
}

type InvestmentDeleteCmd struct {
	Account string `arg:"" help:"Account name."`
	ID      int64  `arg:"" help:"Investment id."`
}

func (c *InvestmentDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.DeleteInvestment(ctx, c.Account, c.ID); err != nil {
		return err
	}
	fmt.Printf("deleted investment %d of %s\n", c.ID, c.Account)
	return nil
}

type InvestmentAdvanceCmd struct {
	Account string `arg:"" help:"Account name."`
	SUs     int64  `arg:"" name:"sus" help:"Service units to move into the active investment."`
}

func (c *InvestmentAdvanceCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	inv, err := a.manager.Advance(ctx, c.Account, c.SUs)
	if err != nil {
		return err
	}
	fmt.Printf("investment %d for %s now holds %s SUs\n", inv.ID, c.Account, humanize.Comma(inv.TotalSU))
	return nil
}

func parseRange(startArg, endArg string) (start, end time.Time, err error) {
	if startArg == "" && endArg == "" {
		return start, end, fmt.Errorf("give --start, --end or both")
	}
	if startArg != "" {
		if start, err = parseDate("start", startArg); err != nil {
			return start, end, err
		}
	}
	if endArg != "" {
		if end, err = parseDate("end", endArg); err != nil {
			return start, end, err
		}
	}
	return start, end, nil
}
