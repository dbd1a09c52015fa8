package slurm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"ClusterBank/internal/usage"
)

// Markers in sacctmgr/sshare stderr that indicate the controller could not be reached.
var transientMarkers = []string{
	"Unable to contact slurm controller",
	"Socket timed out",
	"Connection refused",
	"slurmdbd",
}

// Client talks to Slurm through sshare and sacctmgr.
type Client struct {
	Runner   Runner
	Clusters []string
	Log      zerolog.Logger
}

// NewClient creates a Client for the given clusters using the local commands.
func NewClient(clusters []string, log zerolog.Logger) *Client {
	return &Client{Runner: ExecRunner{}, Clusters: clusters, Log: log}
}

func (c *Client) Name() string { return "slurm" }

// RawUsage returns the account's RawUsage counter on cluster.
func (c *Client) RawUsage(ctx context.Context, account, cluster string) (int64, error) {
	out, err := c.Runner.Run(ctx, "sshare", "-A", account, "-M", cluster, "-P", "-a", "-o", "User,RawUsage")
	if err != nil {
		return 0, classify(err)
	}
	return parseShare(out, account, cluster)
}

// parseShare reads the parsable sshare output. The row with an empty user is the
// account total; when it is missing the per-user rows are summed.
func parseShare(out, account, cluster string) (int64, error) {
	var (
		header   bool
		total    int64
		userSum  int64
		hasTotal bool
		rows     int
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "CLUSTER:") {
			continue
		}
		fields := strings.Split(line, "|")
		if !header {
			if len(fields) < 2 || fields[0] != "User" || fields[1] != "RawUsage" {
				return 0, fmt.Errorf("%w: unexpected header %q", usage.ErrMalformed, line)
			}
			header = true
			continue
		}
		if len(fields) < 2 {
			return 0, fmt.Errorf("%w: short row %q", usage.ErrMalformed, line)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: bad RawUsage %q", usage.ErrMalformed, fields[1])
		}
		rows++
		if strings.TrimSpace(fields[0]) == "" {
			total, hasTotal = v, true
			continue
		}
		userSum += v
	}
	if !header {
		return 0, fmt.Errorf("%w: no header in sshare output", usage.ErrMalformed)
	}
	if rows == 0 {
		return 0, fmt.Errorf("%w: %s has no association on %s", usage.ErrUsageUnavailable, account, cluster)
	}
	if hasTotal {
		return total, nil
	}
	return userSum, nil
}

// SetLocked sets GrpTresRunMins on every configured cluster: cpu=0 locks, cpu=-1 clears the limit.
func (c *Client) SetLocked(ctx context.Context, account string, locked bool) error {
	value := "-1"
	if locked {
		value = "0"
	}
	_, err := c.Runner.Run(ctx, "sacctmgr", "-i", "modify", "account",
		"where", "account="+account, "cluster="+strings.Join(c.Clusters, ","),
		"set", "GrpTresRunMins=cpu="+value)
	if err != nil {
		return fmt.Errorf("set lock state of %s to %t: %w", account, locked, classify(err))
	}
	c.Log.Info().Str("account", account).Bool("locked", locked).Msg("updated slurm lock state")
	return nil
}

// Locked reports whether the account is locked on cluster.
func (c *Client) Locked(ctx context.Context, account, cluster string) (bool, error) {
	out, err := c.Runner.Run(ctx, "sacctmgr", "-n", "-P", "show", "assoc",
		"account="+account, "format=GrpTresRunMins", "clusters="+cluster)
	if err != nil {
		return false, classify(err)
	}
	return strings.Contains(out, "cpu=0"), nil
}

// ResetRawUsage zeroes the RawUsage counter on the given clusters, or on every
// configured cluster when none are given.
func (c *Client) ResetRawUsage(ctx context.Context, account string, clusters ...string) error {
	if len(clusters) == 0 {
		clusters = c.Clusters
	}
	_, err := c.Runner.Run(ctx, "sacctmgr", "-i", "modify", "account",
		"where", "account="+account, "cluster="+strings.Join(clusters, ","),
		"set", "RawUsage=0")
	if err != nil {
		return fmt.Errorf("reset raw usage of %s: %w", account, classify(err))
	}
	c.Log.Info().Str("account", account).Strs("clusters", clusters).Msg("reset slurm raw usage")
	return nil
}

// AccountExists reports whether the account has any association in the accounting database.
func (c *Client) AccountExists(ctx context.Context, account string) (bool, error) {
	out, err := c.Runner.Run(ctx, "sacctmgr", "-n", "show", "assoc", "account="+account)
	if err != nil {
		return false, classify(err)
	}
	return strings.TrimSpace(out) != "", nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", usage.ErrTransient, err)
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		for _, m := range transientMarkers {
			if strings.Contains(ce.Stderr, m) {
				return fmt.Errorf("%w: %v", usage.ErrTransient, err)
			}
		}
	}
	return err
}
