package dbbadger

import (
	"context"

	"github.com/dgraph-io/badger/v3"
	"github.com/timshannon/badgerhold/v4"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

type tradeRepositoryImpl struct {
	db *DbManager
}

// NewTradeRepositoryImpl returns a badger backed domain.TradeRepository.
func NewTradeRepositoryImpl(db *DbManager) domain.TradeRepository {
	return tradeRepositoryImpl{
		db: db,
	}
}

func (t tradeRepositoryImpl) AddTrade(
	ctx context.Context, trade *domain.Trade,
) error {
	if err := t.db.TradeStore.Insert(trade.Id, trade); err != nil {
		if err == badgerhold.ErrKeyExists {
			return nil
		}
		return err
	}
	return nil
}

func (t tradeRepositoryImpl) GetTrade(
	ctx context.Context, tradeId string,
) (*domain.Trade, error) {
	return t.getTrade(tradeId)
}

func (t tradeRepositoryImpl) GetAllTrades(
	ctx context.Context,
) ([]*domain.Trade, error) {
	return t.findTrades(&badgerhold.Query{})
}

func (t tradeRepositoryImpl) GetOpenTrades(
	ctx context.Context,
) ([]*domain.Trade, error) {
	query := badgerhold.Where("State").Ne(domain.StateWithdrawCompleted)
	return t.findTrades(query)
}

func (t tradeRepositoryImpl) GetTradeWithDepositTxId(
	ctx context.Context, txId string,
) (*domain.Trade, error) {
	query := badgerhold.Where("DepositTxId").Eq(txId)

	trades, err := t.findTrades(query)
	if err != nil {
		return nil, err
	}
	if len(trades) <= 0 {
		return nil, domain.ErrTradeNotFound
	}
	return trades[0], nil
}

// UpdateTrade runs updateFn against the stored trade inside one badger
// transaction, so concurrent updates of the same trade serialize on commit.
func (t tradeRepositoryImpl) UpdateTrade(
	ctx context.Context,
	tradeId string,
	updateFn func(tr *domain.Trade) (*domain.Trade, error),
) error {
	return t.db.TradeStore.Badger().Update(func(tx *badger.Txn) error {
		var trade domain.Trade
		if err := t.db.TradeStore.TxGet(tx, tradeId, &trade); err != nil {
			if err == badgerhold.ErrNotFound {
				return domain.ErrTradeNotFound
			}
			return err
		}

		updatedTrade, err := updateFn(&trade)
		if err != nil {
			return err
		}

		return t.db.TradeStore.TxUpdate(tx, updatedTrade.Id, *updatedTrade)
	})
}

func (t tradeRepositoryImpl) getTrade(tradeId string) (*domain.Trade, error) {
	var trade domain.Trade
	if err := t.db.TradeStore.Get(tradeId, &trade); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, domain.ErrTradeNotFound
		}
		return nil, err
	}
	return &trade, nil
}

func (t tradeRepositoryImpl) findTrades(
	query *badgerhold.Query,
) ([]*domain.Trade, error) {
	var found []domain.Trade
	if err := t.db.TradeStore.Find(&found, query); err != nil {
		return nil, err
	}

	trades := make([]*domain.Trade, 0, len(found))
	for i := range found {
		trades = append(trades, &found[i])
	}
	return trades, nil
}
