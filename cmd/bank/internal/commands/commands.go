package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"ClusterBank/internal/checker"
	"ClusterBank/internal/config"
	"ClusterBank/internal/lifecycle"
	"ClusterBank/internal/logger"
	"ClusterBank/internal/model"
	"ClusterBank/internal/notify"
	"ClusterBank/internal/slurm"
	"ClusterBank/internal/store"
	"ClusterBank/internal/threshold"
	"ClusterBank/internal/usage"
)

type Globals struct {
	Config  string
	Debug   bool
	Version string
}

// app is the wired set of components shared by all commands.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *store.SQLStore
	slurm    *slurm.Client
	alerter  notify.Alerter
	telegram *notify.TelegramNotifier
	manager  *lifecycle.Manager
	checker  *checker.Runner
}

func (g *Globals) open(ctx context.Context) (*app, error) {
	log := logger.Setup(g.Debug)

	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.Database.Driver,
		DSN:         cfg.Database.DSN,
		AutoMigrate: cfg.Database.AutoMigrate,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, log: log, store: st, slurm: slurm.NewClient(cfg.Clusters, log)}

	a.alerter = notify.LogAlerter{Log: log}
	if cfg.Telegram.BotToken != "" {
		a.telegram = notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, log)
		a.alerter = a.telegram
	}

	sender, err := newSender(cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	clock := quartz.NewReal()
	a.manager = lifecycle.New(st, a.slurm, lifecycle.Settings{
		Clusters:         cfg.Clusters,
		SUDivisor:        cfg.SUDivisor,
		RolloverFraction: cfg.RolloverFraction,
	}, clock, log)

	collector := usage.NewCollector(a.slurm, cfg.Check.UsageTimeout, cfg.Check.UsageRetries, log)
	engine := threshold.New(cfg.Thresholds, cfg.ExpiryWarningDays, cfg.LockOnExpiry)
	a.checker = checker.New(st, collector, a.slurm, engine, sender, a.alerter, clock, checker.Options{
		Concurrency: cfg.Check.Concurrency,
		SUDivisor:   cfg.SUDivisor,
		EmailDomain: cfg.Email.Domain,
	}, log)

	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close store")
	}
}

func newSender(cfg *config.Config, log zerolog.Logger) (notify.Sender, error) {
	if cfg.DryRun {
		log.Info().Msg("dry run, notices are logged instead of mailed")
		return notify.NewLogSender(log), nil
	}
	renderer, err := notify.NewRenderer(map[model.NoticeKind]string{
		model.KindUsage:        cfg.Email.Templates.UsageWarning,
		model.KindExpiringSoon: cfg.Email.Templates.ExpiringSoon,
		model.KindExpired:      cfg.Email.Templates.Expired,
		model.KindOverdraft:    cfg.Email.Templates.Overdraft,
	})
	if err != nil {
		return nil, fmt.Errorf("load email templates: %w", err)
	}
	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		From:      cfg.Email.From,
		Smarthost: cfg.Email.Smarthost,
		Hello:     cfg.Email.Hello,
		Username:  cfg.Email.Username,
		Password:  cfg.Email.Password,
		Timeout:   cfg.Email.Timeout,
	}, renderer, log)
	if err != nil {
		return nil, fmt.Errorf("init smtp sender: %w", err)
	}
	return sender, nil
}

func parseDate(name, value string) (time.Time, error) {
	t, err := model.ParseDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}
