package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	"github.com/peertrade-network/peertrade-daemon/internal/core/ports"
)

// stubMessenger resolves every send with a scripted outcome and records the
// sent envelopes.
type stubMessenger struct {
	mu       sync.Mutex
	sent     []ports.Envelope
	outcomes []sendOutcome
	addr     domain.NodeAddress
}

func newStubMessenger(outcomes ...sendOutcome) *stubMessenger {
	return &stubMessenger{outcomes: outcomes, addr: "me.onion:9999"}
}

func (m *stubMessenger) SendEncryptedMailboxMessage(
	_ domain.NodeAddress, _ []byte, msg ports.Envelope, listener ports.SendListener,
) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	outcome := outcomeArrived
	if len(m.outcomes) > 0 {
		outcome = m.outcomes[0]
		if len(m.outcomes) > 1 {
			m.outcomes = m.outcomes[1:]
		}
	}
	m.mu.Unlock()

	go func() {
		switch outcome {
		case outcomeArrived:
			listener.OnArrived()
		case outcomeStoredInMailbox:
			listener.OnStoredInMailbox()
		default:
			listener.OnFault(context.DeadlineExceeded)
		}
	}()
}

func (m *stubMessenger) RemoveMailboxMessage(domain.TradeMessage)               {}
func (m *stubMessenger) AddDirectMessageListener(ports.DirectMessageListener)   {}
func (m *stubMessenger) AddMailboxMessageListener(ports.MailboxMessageListener) {}

func (m *stubMessenger) MyAddress() domain.NodeAddress { return m.addr }

func (m *stubMessenger) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// stubWallet returns canned values; every payout operation succeeds.
type stubWallet struct{}

func (w stubWallet) GetTransaction(context.Context, string) (*ports.TxInfo, error) {
	return &ports.TxInfo{Confirmations: 1}, nil
}

func (w stubWallet) WaitForConfirmation(ctx context.Context, _ string, _ uint32) error {
	return ctx.Err()
}

func (w stubWallet) EstimateFee(context.Context) (uint64, error) { return 1, nil }

func (w stubWallet) CreatePayoutTx(_ context.Context, tradeId string) ([]byte, error) {
	return []byte("payout:" + tradeId), nil
}

func (w stubWallet) SignPayoutTx(_ context.Context, tradeId string, _ []byte) ([]byte, error) {
	return []byte("sig:" + tradeId), nil
}

func (w stubWallet) FinalizePayoutTx(
	_ context.Context, _ string, payoutTx, _, _ []byte,
) ([]byte, error) {
	return payoutTx, nil
}

func (w stubWallet) BroadcastTx(_ context.Context, txBytes []byte) (string, error) {
	return "txid:" + string(txBytes), nil
}

// stubManager counts persistence requests.
type stubManager struct {
	mu        sync.Mutex
	persisted int
	completed int
}

func (m *stubManager) RequestPersistence(*domain.Trade) {
	m.mu.Lock()
	m.persisted++
	m.mu.Unlock()
}

func (m *stubManager) OnTradeCompleted(*domain.Trade) {
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
}

func (m *stubManager) GetTrade(string) (*domain.Trade, bool) { return nil, false }

func testServices(messenger ports.Messenger) Services {
	return Services{
		Messenger:    messenger,
		Wallet:       stubWallet{},
		TradeManager: &stubManager{},
		Policies:     fastPolicies(),
	}
}

// fastPolicies keeps the retry semantics but collapses the delays so tests
// run in milliseconds.
func fastPolicies() ResendPolicies {
	return ResendPolicies{
		DepositTx:      ResendPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, FailOnExhaustion: true},
		PaymentStarted: ResendPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond},
		PaymentAccount: ResendPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond},
	}
}

func newBuyerTrade() *domain.Trade {
	return domain.NewTrade(
		"offer-1", domain.BuyerAsTaker, 100000, decimal.NewFromInt(42), "peer.onion:9999",
	)
}

func newSellerTrade() *domain.Trade {
	return domain.NewTrade(
		"offer-1", domain.SellerAsMaker, 100000, decimal.NewFromInt(42), "peer.onion:9999",
	)
}

func newTaskContext(trade *domain.Trade, services Services) *TaskContext {
	return &TaskContext{
		Ctx:      context.Background(),
		HostCtx:  context.Background(),
		Trade:    trade,
		Process:  trade.Process,
		Services: services,
	}
}
