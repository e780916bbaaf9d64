package domain

import "context"

// TradeRepository is the abstraction for any kind of database intended to
// persist Trades.
type TradeRepository interface {
	// AddTrade stores a new trade.
	AddTrade(ctx context.Context, trade *Trade) error
	// GetTrade returns the trade with the given id, or ErrTradeNotFound.
	GetTrade(ctx context.Context, tradeId string) (*Trade, error)
	// GetAllTrades returns all the trades stored in the repository.
	GetAllTrades(ctx context.Context) ([]*Trade, error)
	// GetOpenTrades returns all the trades that have not completed yet.
	GetOpenTrades(ctx context.Context) ([]*Trade, error)
	// GetTradeWithDepositTxId returns the trade whose deposit transaction
	// matches the given transaction id.
	GetTradeWithDepositTxId(ctx context.Context, txId string) (*Trade, error)
	// UpdateTrade allows to commit multiple changes to the same trade in a
	// transactional way.
	UpdateTrade(
		ctx context.Context,
		tradeId string,
		updateFn func(t *Trade) (*Trade, error),
	) error
}
