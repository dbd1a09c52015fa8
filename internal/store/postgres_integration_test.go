//go:build integration

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"ClusterBank/internal/model"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*SQLStore, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "bank",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/bank?sslmode=disable", host, port.Port())
	s, err := Open(ctx, Options{Driver: "postgres", DSN: dsn, AutoMigrate: true}, zerolog.Nop())
	require.NoError(t, err)

	cleanup := func() {
		s.Close()
		_ = container.Terminate(ctx)
	}
	return s, cleanup
}

func TestIntegration_PostgresLedger(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	t.Run("proposal round trip", func(t *testing.T) {
		require.NoError(t, s.InTx(ctx, "sam", func(tx Tx) error {
			if _, err := tx.EnsureAccount(ctx, "sam", now); err != nil {
				return err
			}
			return tx.InsertProposal(ctx, testProposal("sam"))
		}))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			p, err := tx.ActiveProposal(ctx, "sam")
			require.NoError(t, err)
			require.Equal(t, int64(1500), p.LimitSU())
			return nil
		}))
	})

	t.Run("notice keys are unique", func(t *testing.T) {
		require.NoError(t, s.InTx(ctx, "sam", func(tx Tx) error {
			n := &model.Notice{Account: "sam", ProposalID: 1, Kind: model.KindExpired, Recipient: "sam@example.edu"}
			added, err := tx.EnqueueNotice(ctx, n, now)
			require.NoError(t, err)
			require.True(t, added)
			added, err = tx.EnqueueNotice(ctx, &model.Notice{Account: "sam", ProposalID: 1, Kind: model.KindExpired}, now)
			require.NoError(t, err)
			require.False(t, added)
			return nil
		}))
	})

	t.Run("concurrent withdrawals serialize per account", func(t *testing.T) {
		var inv model.Investment
		require.NoError(t, s.InTx(ctx, "sam", func(tx Tx) error {
			inv = model.Investment{Account: "sam", TotalSU: 1000, Start: today, End: today.AddDate(1, 0, 0), CreatedAt: now}
			return tx.InsertInvestment(ctx, &inv)
		}))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.InTx(ctx, "sam", func(tx Tx) error {
					cur, err := tx.Investment(ctx, "sam", inv.ID)
					if err != nil {
						return err
					}
					cur.WithdrawnSU += 10
					return tx.UpdateInvestment(ctx, cur)
				})
				require.NoError(t, err)
			}()
		}
		wg.Wait()

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			cur, err := tx.Investment(ctx, "sam", inv.ID)
			require.NoError(t, err)
			require.Equal(t, int64(100), cur.WithdrawnSU)
			return nil
		}))
	})
}
