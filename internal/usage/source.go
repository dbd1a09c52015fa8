package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUsageUnavailable means the scheduler has no record of the account on a cluster.
	ErrUsageUnavailable = errors.New("usage unavailable")
	// ErrTransient marks a failure that may succeed on retry (timeouts, controller busy).
	ErrTransient = errors.New("transient usage failure")
	// ErrMalformed means the scheduler answered with output that could not be parsed.
	ErrMalformed = errors.New("malformed usage output")
)

// Source reports the raw usage counter of an account on one cluster.
type Source interface {
	RawUsage(ctx context.Context, account, cluster string) (int64, error)
	Name() string
}

// StaticSource returns controllable fixed counters for development and testing.
type StaticSource struct {
	mu     sync.Mutex
	values map[string]int64
	errs   map[string]error
	calls  int
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{values: map[string]int64{}, errs: map[string]error{}}
}

func (s *StaticSource) Name() string { return "static" }

// Set stores the counter returned for account on cluster.
func (s *StaticSource) Set(account, cluster string, raw int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key(account, cluster)] = raw
	delete(s.errs, key(account, cluster))
}

// Fail makes the next queries for account on cluster return err.
func (s *StaticSource) Fail(account, cluster string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[key(account, cluster)] = err
}

// Calls returns how many queries have been served.
func (s *StaticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StaticSource) RawUsage(_ context.Context, account, cluster string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	k := key(account, cluster)
	if err := s.errs[k]; err != nil {
		return 0, err
	}
	v, ok := s.values[k]
	if !ok {
		return 0, fmt.Errorf("%w: %s on %s", ErrUsageUnavailable, account, cluster)
	}
	return v, nil
}

func key(account, cluster string) string { return account + "@" + cluster }
