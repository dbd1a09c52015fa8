package commands

import (
	"context"
	"fmt"

	"ClusterBank/internal/notify"
)

type CheckCmd struct {
	Accounts []string `arg:"" optional:"" help:"Accounts to check."`
}

func (c *CheckCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var summary notify.RunSummary
	if len(c.Accounts) == 0 {
		summary, err = a.checker.CheckAll(ctx)
	} else {
		summary, err = a.checker.Check(ctx, c.Accounts...)
	}
	fmt.Printf("checked %d accounts: %d failed, %d notices, %d locked, %d archived\n",
		summary.Accounts, summary.Failed, summary.Notices, summary.Locked, summary.Archived)
	return err
}

type InfoCmd struct {
	Account string `arg:"" help:"Account name."`
}

func (c *InfoCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.manager.Info(ctx, c.Account)
	if err != nil {
		return err
	}
	fmt.Print(notify.FormatAccountInfo(info))
	return nil
}

type LockedCmd struct {
	Cluster string `help:"Cluster to query (default the first configured cluster)."`
}

func (c *LockedCmd) Run(ctx context.Context, globals *Globals) error {
	return printLockState(ctx, globals, c.Cluster, true)
}

type UnlockedCmd struct {
	Cluster string `help:"Cluster to query (default the first configured cluster)."`
}

func (c *UnlockedCmd) Run(ctx context.Context, globals *Globals) error {
	return printLockState(ctx, globals, c.Cluster, false)
}

func printLockState(ctx context.Context, globals *Globals, cluster string, locked bool) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cluster, names, err := a.manager.LockState(ctx, cluster, locked)
	if err != nil {
		return err
	}
	fmt.Print(notify.FormatLockState(cluster, locked, names))
	return nil
}
