package inmemory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

func newTestTrade() *domain.Trade {
	return domain.NewTrade(
		"offer-1",
		domain.BuyerAsTaker,
		100000,
		decimal.NewFromInt(42),
		domain.NodeAddress("peer.onion:9999"),
	)
}

func TestAddAndGetTrade(t *testing.T) {
	repo := NewTradeRepositoryImpl()
	ctx := context.Background()
	trade := newTestTrade()

	err := repo.AddTrade(ctx, trade)
	require.NoError(t, err)

	stored, err := repo.GetTrade(ctx, trade.Id)
	require.NoError(t, err)
	require.Equal(t, trade.Id, stored.Id)
	require.Equal(t, domain.StatePreparation, stored.State)

	_, err = repo.GetTrade(ctx, "unknown")
	require.ErrorIs(t, err, domain.ErrTradeNotFound)
}

func TestUpdateTrade(t *testing.T) {
	repo := NewTradeRepositoryImpl()
	ctx := context.Background()
	trade := newTestTrade()
	require.NoError(t, repo.AddTrade(ctx, trade))

	err := repo.UpdateTrade(ctx, trade.Id, func(tr *domain.Trade) (*domain.Trade, error) {
		if err := tr.ToState(domain.StateTakerPublishedTakerFeeTx); err != nil {
			return nil, err
		}
		return tr, nil
	})
	require.NoError(t, err)

	stored, err := repo.GetTrade(ctx, trade.Id)
	require.NoError(t, err)
	require.Equal(t, domain.StateTakerPublishedTakerFeeTx, stored.State)
}

func TestUpdateTradeRollsBackOnError(t *testing.T) {
	repo := NewTradeRepositoryImpl()
	ctx := context.Background()
	trade := newTestTrade()
	require.NoError(t, repo.AddTrade(ctx, trade))

	err := repo.UpdateTrade(ctx, trade.Id, func(tr *domain.Trade) (*domain.Trade, error) {
		return nil, domain.ErrTradeCompleted
	})
	require.ErrorIs(t, err, domain.ErrTradeCompleted)

	stored, err := repo.GetTrade(ctx, trade.Id)
	require.NoError(t, err)
	require.Equal(t, domain.StatePreparation, stored.State)
}

func TestGetOpenTrades(t *testing.T) {
	repo := NewTradeRepositoryImpl()
	ctx := context.Background()

	open := newTestTrade()
	require.NoError(t, repo.AddTrade(ctx, open))

	closed := newTestTrade()
	closed.State = domain.StateWithdrawCompleted
	require.NoError(t, repo.AddTrade(ctx, closed))

	openTrades, err := repo.GetOpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, openTrades, 1)
	require.Equal(t, open.Id, openTrades[0].Id)
}

func TestGetTradeWithDepositTxId(t *testing.T) {
	repo := NewTradeRepositoryImpl()
	ctx := context.Background()

	trade := newTestTrade()
	trade.DepositTxId = "deadbeef"
	require.NoError(t, repo.AddTrade(ctx, trade))

	found, err := repo.GetTradeWithDepositTxId(ctx, "deadbeef")
	require.NoError(t, err)
	require.Equal(t, trade.Id, found.Id)

	_, err = repo.GetTradeWithDepositTxId(ctx, "cafebabe")
	require.ErrorIs(t, err, domain.ErrTradeNotFound)
}
