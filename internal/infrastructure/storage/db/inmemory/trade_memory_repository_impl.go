package inmemory

import (
	"context"
	"sync"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

type tradeInmemoryStore struct {
	trades map[string]domain.Trade
	locker *sync.Mutex
}

type tradeRepositoryImpl struct {
	store *tradeInmemoryStore
}

// NewTradeRepositoryImpl returns a new inmemory TradeRepository implementation.
func NewTradeRepositoryImpl() domain.TradeRepository {
	return &tradeRepositoryImpl{
		store: &tradeInmemoryStore{
			trades: map[string]domain.Trade{},
			locker: &sync.Mutex{},
		},
	}
}

func (r tradeRepositoryImpl) AddTrade(_ context.Context, trade *domain.Trade) error {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	if _, ok := r.store.trades[trade.Id]; ok {
		return nil
	}
	r.store.trades[trade.Id] = *trade
	return nil
}

func (r tradeRepositoryImpl) GetTrade(_ context.Context, tradeId string) (*domain.Trade, error) {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	return r.getTrade(tradeId)
}

func (r tradeRepositoryImpl) GetAllTrades(_ context.Context) ([]*domain.Trade, error) {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	return r.getAllTrades()
}

func (r tradeRepositoryImpl) GetOpenTrades(_ context.Context) ([]*domain.Trade, error) {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	allTrades, err := r.getAllTrades()
	if err != nil {
		return nil, err
	}

	openTrades := make([]*domain.Trade, 0)
	for _, trade := range allTrades {
		if !trade.IsCompleted() {
			openTrades = append(openTrades, trade)
		}
	}
	return openTrades, nil
}

func (r tradeRepositoryImpl) GetTradeWithDepositTxId(
	_ context.Context, txId string,
) (*domain.Trade, error) {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	for id, trade := range r.store.trades {
		if trade.DepositTxId == txId {
			return r.getTrade(id)
		}
	}
	return nil, domain.ErrTradeNotFound
}

func (r tradeRepositoryImpl) UpdateTrade(
	_ context.Context,
	tradeId string,
	updateFn func(t *domain.Trade) (*domain.Trade, error),
) error {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	currentTrade, err := r.getTrade(tradeId)
	if err != nil {
		return err
	}

	updatedTrade, err := updateFn(currentTrade)
	if err != nil {
		return err
	}

	r.store.trades[updatedTrade.Id] = *updatedTrade
	return nil
}

func (r tradeRepositoryImpl) getTrade(tradeId string) (*domain.Trade, error) {
	trade, ok := r.store.trades[tradeId]
	if !ok {
		return nil, domain.ErrTradeNotFound
	}
	return &trade, nil
}

func (r tradeRepositoryImpl) getAllTrades() ([]*domain.Trade, error) {
	allTrades := make([]*domain.Trade, 0)
	for id := range r.store.trades {
		trade := r.store.trades[id]
		allTrades = append(allTrades, &trade)
	}
	return allTrades, nil
}
