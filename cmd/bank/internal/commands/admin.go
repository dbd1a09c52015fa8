package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"ClusterBank/internal/lifecycle"
	"ClusterBank/internal/model"
)

type RenewCmd struct {
	Account string           `arg:"" help:"Account name."`
	Start   string           `help:"First day of the proposal (YYYY-MM-DD, default today)."`
	End     string           `help:"Day the proposal ends (YYYY-MM-DD)." required:""`
	Limit   map[string]int64 `help:"Per-cluster SU limit, e.g. --limit smp=100000 --limit gpu=5000." required:""`
	NoReset bool             `help:"Keep the scheduler usage counters instead of resetting them."`
}

func (c *RenewCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	start := model.Day(time.Now())
	if c.Start != "" {
		if start, err = parseDate("start", c.Start); err != nil {
			return err
		}
	}
	end, err := parseDate("end", c.End)
	if err != nil {
		return err
	}

	p, err := a.manager.Renew(ctx, c.Account, lifecycle.ProposalSpec{
		Start:      start,
		End:        end,
		Limits:     c.Limit,
		ResetUsage: !c.NoReset,
	})
	if err != nil {
		return err
	}
	fmt.Printf("proposal %d for %s: %s to %s, %s SUs\n", p.ID, c.Account,
		model.FormatDate(p.Start), model.FormatDate(p.End), humanize.Comma(p.LimitSU()))
	return nil
}

type CloseCmd struct {
	Account string `arg:"" help:"Account name."`
}

func (c *CloseCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.CloseProposal(ctx, c.Account); err != nil {
		return err
	}
	fmt.Printf("closed the active proposal of %s\n", c.Account)
	return nil
}

type InvestCmd struct {
	Account  string `arg:"" help:"Account name."`
	SUs      int64  `name:"sus" help:"Total SUs purchased." required:""`
	Start    string `help:"First day of the first investment (YYYY-MM-DD, default today)."`
	Duration int    `help:"Length of each investment in days." default:"365"`
	Count    int    `help:"Split the SUs over this many consecutive investments." default:"1"`
}

func (c *InvestCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	start := model.Day(time.Now())
	if c.Start != "" {
		if start, err = parseDate("start", c.Start); err != nil {
			return err
		}
	}

	invs, err := a.manager.CreateInvestment(ctx, c.Account, lifecycle.InvestmentSpec{
		TotalSU:  c.SUs,
		Start:    start,
		Duration: c.Duration,
		Count:    c.Count,
	})
	if err != nil {
		return err
	}
	for _, inv := range invs {
		fmt.Printf("investment %d for %s: %s SUs, %s to %s\n", inv.ID, c.Account,
			humanize.Comma(inv.TotalSU), model.FormatDate(inv.Start), model.FormatDate(inv.End))
	}
	return nil
}

type RolloverCmd struct {
	Account string `arg:"" help:"Account name."`
	ID      int64  `arg:"" help:"Investment id."`
	Carry   bool   `help:"Carry the configured fraction of the remaining SUs into the new investment." default:"true" negatable:""`
}

func (c *RolloverCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	inv, err := a.manager.RolloverInvestment(ctx, c.Account, c.ID, c.Carry)
	if err != nil {
		return err
	}
	if inv == nil {
		fmt.Printf("investment %d of %s archived without carry-over\n", c.ID, c.Account)
		return nil
	}
	fmt.Printf("investment %d rolled over into %d: %s SUs, %s to %s\n", c.ID, inv.ID,
		humanize.Comma(inv.TotalSU), model.FormatDate(inv.Start), model.FormatDate(inv.End))
	return nil
}

type ResetUsageCmd struct {
	Account string `arg:"" help:"Account name."`
	Cluster string `arg:"" help:"Cluster whose usage is reset."`
}

func (c *ResetUsageCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.ResetUsage(ctx, c.Account, c.Cluster); err != nil {
		return err
	}
	fmt.Printf("reset usage of %s on %s\n", c.Account, c.Cluster)
	return nil
}

type LockCmd struct {
	Account string `arg:"" help:"Account name."`
}

func (c *LockCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Lock(ctx, c.Account); err != nil {
		return err
	}
	fmt.Printf("locked %s\n", c.Account)
	return nil
}

type UnlockCmd struct {
	Account string `arg:"" help:"Account name."`
}

func (c *UnlockCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Unlock(ctx, c.Account); err != nil {
		return err
	}
	fmt.Printf("unlocked %s\n", c.Account)
	return nil
}
