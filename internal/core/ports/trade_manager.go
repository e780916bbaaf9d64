package ports

import "github.com/peertrade-network/peertrade-daemon/internal/core/domain"

// TradeManager owns the trades and their persistence. The protocol signals
// persistence as fire-and-forget; the manager coalesces and batches the
// actual writes, the protocol never blocks on them.
type TradeManager interface {
	// RequestPersistence asks for the trade to be written out eventually.
	RequestPersistence(trade *domain.Trade)
	// OnTradeCompleted is called once when the trade reaches its terminal
	// state.
	OnTradeCompleted(trade *domain.Trade)
	// GetTrade returns the trade with the given id, if known.
	GetTrade(tradeId string) (*domain.Trade, bool)
}
