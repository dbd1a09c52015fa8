package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"ClusterBank/internal/model"
)

// Collector gathers a usage snapshot across clusters, retrying transient failures.
type Collector struct {
	Source  Source
	Timeout time.Duration
	Retries uint
	Log     zerolog.Logger

	// initial retry interval, shortened in tests
	backoffInitial time.Duration
}

// NewCollector creates a new Collector.
func NewCollector(src Source, timeout time.Duration, retries uint, log zerolog.Logger) *Collector {
	return &Collector{
		Source:         src,
		Timeout:        timeout,
		Retries:        retries,
		Log:            log,
		backoffInitial: 500 * time.Millisecond,
	}
}

// Collect queries every cluster for the account. A cluster whose query fails
// after retries aborts the whole snapshot so no partial usage is applied.
func (c *Collector) Collect(ctx context.Context, account string, clusters []string) (model.UsageSnapshot, error) {
	snap := make(model.UsageSnapshot, len(clusters))
	for _, cl := range clusters {
		raw, err := c.query(ctx, account, cl)
		if err != nil {
			return nil, fmt.Errorf("collect %s on %s: %w", account, cl, err)
		}
		snap[cl] = raw
	}
	return snap, nil
}

func (c *Collector) query(ctx context.Context, account, cluster string) (int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffInitial
	b.MaxInterval = 10 * c.backoffInitial

	attempt := 0
	operation := func() (int64, error) {
		attempt++
		qctx := ctx
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		raw, err := c.Source.RawUsage(qctx, account, cluster)
		if err == nil {
			return raw, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if !errors.Is(err, ErrTransient) {
			return 0, backoff.Permanent(err)
		}
		c.Log.Warn().Err(err).
			Str("account", account).
			Str("cluster", cluster).
			Int("attempt", attempt).
			Msg("usage query failed, retrying")
		return 0, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.Retries+1),
	)
}
