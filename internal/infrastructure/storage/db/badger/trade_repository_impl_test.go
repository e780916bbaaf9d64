package dbbadger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

func newTestDb(t *testing.T) *DbManager {
	t.Helper()

	db, err := NewDbManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func newTestTrade() *domain.Trade {
	return domain.NewTrade(
		"offer-1",
		domain.SellerAsMaker,
		250000,
		decimal.NewFromInt(31000),
		domain.NodeAddress("peer.onion:9999"),
	)
}

func TestAddAndGetTrade(t *testing.T) {
	repo := NewTradeRepositoryImpl(newTestDb(t))
	ctx := context.Background()
	trade := newTestTrade()

	err := repo.AddTrade(ctx, trade)
	require.NoError(t, err)

	// Re-adding the same trade is a no-op, not an error.
	err = repo.AddTrade(ctx, trade)
	require.NoError(t, err)

	stored, err := repo.GetTrade(ctx, trade.Id)
	require.NoError(t, err)
	require.Equal(t, trade.Id, stored.Id)
	require.Equal(t, trade.OfferId, stored.OfferId)
	require.Equal(t, domain.StatePreparation, stored.State)

	_, err = repo.GetTrade(ctx, "unknown")
	require.ErrorIs(t, err, domain.ErrTradeNotFound)
}

func TestUpdateTrade(t *testing.T) {
	repo := NewTradeRepositoryImpl(newTestDb(t))
	ctx := context.Background()
	trade := newTestTrade()
	require.NoError(t, repo.AddTrade(ctx, trade))

	err := repo.UpdateTrade(ctx, trade.Id, func(tr *domain.Trade) (*domain.Trade, error) {
		tr.DepositTxId = "deadbeef"
		if err := tr.ToState(domain.StateSellerPublishedDepositTx); err != nil {
			return nil, err
		}
		return tr, nil
	})
	require.NoError(t, err)

	stored, err := repo.GetTrade(ctx, trade.Id)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", stored.DepositTxId)
	require.Equal(t, domain.StateSellerPublishedDepositTx, stored.State)

	err = repo.UpdateTrade(ctx, "unknown", func(tr *domain.Trade) (*domain.Trade, error) {
		return tr, nil
	})
	require.ErrorIs(t, err, domain.ErrTradeNotFound)
}

func TestGetOpenTrades(t *testing.T) {
	repo := NewTradeRepositoryImpl(newTestDb(t))
	ctx := context.Background()

	open := newTestTrade()
	require.NoError(t, repo.AddTrade(ctx, open))

	closed := newTestTrade()
	closed.State = domain.StateWithdrawCompleted
	require.NoError(t, repo.AddTrade(ctx, closed))

	all, err := repo.GetAllTrades(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	openTrades, err := repo.GetOpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, openTrades, 1)
	require.Equal(t, open.Id, openTrades[0].Id)
}

func TestGetTradeWithDepositTxId(t *testing.T) {
	repo := NewTradeRepositoryImpl(newTestDb(t))
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
