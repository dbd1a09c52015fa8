package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ClusterBank/internal/model"
	"ClusterBank/internal/notify"
)

// Checker runs a full check over every account.
type Checker interface {
	CheckAll(ctx context.Context) (notify.RunSummary, error)
}

// Ledger answers operator queries.
type Ledger interface {
	Info(ctx context.Context, account string) (model.AccountInfo, error)
	// LockState lists accounts by scheduler lock state; an empty cluster selects the default one.
	LockState(ctx context.Context, cluster string, locked bool) (string, []string, error)
}

// Scheduler manages the periodic check and operator commands.
type Scheduler struct {
	Cron    *cron.Cron
	Checker Checker
	Ledger  Ledger
	Ctx     context.Context
	Log     zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a new Scheduler. Overlapping runs are skipped.
func NewScheduler(ctx context.Context, checker Checker, ledger Ledger, log zerolog.Logger) *Scheduler {
	cronLog := cron.PrintfLogger(&log)
	return &Scheduler{
		Cron:    cron.New(cron.WithSeconds(), cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
		Checker: checker,
		Ledger:  ledger,
		Ctx:     ctx,
		Log:     log,
	}
}

// Register adds the check job.
func (s *Scheduler) Register(checkCron string) error {
	if _, err := s.Cron.AddFunc(checkCron, s.RunNow); err != nil {
		return fmt.Errorf("register check task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.Log.Info().Msg("scheduler started")
}

// Stop stops the cron scheduler and waits for a running check to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.Log.Info().Msg("scheduler stopped")
}

// RunNow executes a check immediately unless one is already running.
func (s *Scheduler) RunNow() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.Log.Warn().Msg("check already running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.Checker.CheckAll(s.Ctx); err != nil {
		s.Log.Error().Err(err).Msg("check run")
	}
}

// HandleCommand processes an operator command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return help
	}
	switch fields[0] {
	case "/check":
		go s.RunNow()
		return "Check started."
	case "/locked", "/unlocked":
		if len(fields) > 2 {
			return "Usage: " + fields[0] + " [CLUSTER]"
		}
		var cluster string
		if len(fields) == 2 {
			cluster = fields[1]
		}
		locked := fields[0] == "/locked"
		cluster, names, err := s.Ledger.LockState(ctx, cluster, locked)
		if err != nil {
			return "❌ " + escape(err.Error())
		}
		return "<pre>" + escape(notify.FormatLockState(cluster, locked, names)) + "</pre>"
	case "/info":
		if len(fields) != 2 {
			return "Usage: /info ACCOUNT"
		}
		info, err := s.Ledger.Info(ctx, fields[1])
		if err != nil {
			return "❌ " + escape(err.Error())
		}
		return "<pre>" + escape(notify.FormatAccountInfo(info)) + "</pre>"
	default:
		return help
	}
}

const help = "Available commands:\n• /check\n• /locked [CLUSTER]\n• /unlocked [CLUSTER]\n• /info ACCOUNT"

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return escaper.Replace(s) }
