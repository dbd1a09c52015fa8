package main

import (
	"context"

	"github.com/alecthomas/kong"

	"ClusterBank/cmd/bank/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Config string `help:"Path to the YAML config file." type:"path" default:"configs/bank.yaml" env:"BANK_CONFIG"`
		Debug  bool   `help:"Enable debug logging."`

		Run        commands.RunCmd        `cmd:"" help:"Run the daemon: scheduled checks, ops HTTP and Telegram commands."`
		Check      commands.CheckCmd      `cmd:"" help:"Check accounts once (all accounts when none are given)."`
		Info       commands.InfoCmd       `cmd:"" help:"Show an account's proposal, usage, investments and archive."`
		Locked     commands.LockedCmd     `cmd:"" help:"List accounts locked on a cluster."`
		Unlocked   commands.UnlockedCmd   `cmd:"" help:"List accounts not locked on a cluster."`
		Renew      commands.RenewCmd      `cmd:"" help:"Start a new proposal cycle for an account."`
		Close      commands.CloseCmd      `cmd:"" help:"Close an account's active proposal."`
		Proposal   commands.ProposalCmd   `cmd:"" help:"Adjust the limits or dates of an active proposal."`
		Invest     commands.InvestCmd     `cmd:"" help:"Add investment SUs to an account."`
		Investment commands.InvestmentCmd `cmd:"" help:"Adjust, move or delete an existing investment."`
		Rollover   commands.RolloverCmd   `cmd:"" help:"Roll an expired investment over into a new one."`
		ResetUsage commands.ResetUsageCmd `cmd:"" name:"reset-usage" help:"Reset an account's usage on one cluster."`
		Lock       commands.LockCmd       `cmd:"" help:"Lock an account on every cluster."`
		Unlock     commands.UnlockCmd     `cmd:"" help:"Unlock an account on every cluster."`

		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("bank"),
		kong.Description("HPC service unit allocation ledger."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Config: cli.Config, Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
