package protocol_test

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	"github.com/peertrade-network/peertrade-daemon/internal/core/protocol"
	"github.com/peertrade-network/peertrade-daemon/internal/infrastructure/transport/inproc"
	"github.com/peertrade-network/peertrade-daemon/internal/infrastructure/wallet/simulator"
)

const (
	sellerAddr domain.NodeAddress = "seller.onion:9999"
	buyerAddr  domain.NodeAddress = "buyer.onion:9999"

	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

type recordingManager struct{}

func (m *recordingManager) RequestPersistence(*domain.Trade)      {}
func (m *recordingManager) OnTradeCompleted(*domain.Trade)        {}
func (m *recordingManager) GetTrade(string) (*domain.Trade, bool) { return nil, false }

func e2ePolicies() protocol.ResendPolicies {
	return protocol.ResendPolicies{
		DepositTx:      protocol.ResendPolicy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, FailOnExhaustion: true},
		PaymentStarted: protocol.ResendPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond},
		PaymentAccount: protocol.ResendPolicy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond},
	}
}

// tradePeers wires two protocol instances, one per role, to a loopback
// network and a shared simulated chain.
type tradePeers struct {
	network     *inproc.Network
	seller      *protocol.TradeProtocol
	buyer       *protocol.TradeProtocol
	sellerTrade *domain.Trade
	buyerTrade  *domain.Trade
}

func newTradePeers(t *testing.T) *tradePeers {
	t.Helper()

	network := inproc.NewNetwork()
	wallet := simulator.NewWalletService(50 * time.Millisecond)
	sellerMessenger := network.Join(sellerAddr, []byte("seller-pub"))
	buyerMessenger := network.Join(buyerAddr, []byte("buyer-pub"))

	sellerTrade := domain.NewTrade(
		"offer-1", domain.SellerAsMaker, 100000, decimal.NewFromInt(42), buyerAddr,
	)
	sellerTrade.PeerPubKey = []byte("buyer-pub")
	buyerTrade := domain.NewTrade(
		"offer-1", domain.BuyerAsTaker, 100000, decimal.NewFromInt(42), sellerAddr,
	)
	// Both sides address the same logical trade.
	buyerTrade.Id = sellerTrade.Id
	buyerTrade.Process.TradeId = sellerTrade.Id
	buyerTrade.PeerPubKey = []byte("seller-pub")

	require.NoError(t, sellerTrade.ToState(domain.StateTakerPublishedTakerFeeTx))
	require.NoError(t, buyerTrade.ToState(domain.StateTakerPublishedTakerFeeTx))

	seller := protocol.NewSellerProtocol(sellerTrade, protocol.Services{
		Messenger:    sellerMessenger,
		Wallet:       wallet,
		TradeManager: &recordingManager{},
		Policies:     e2ePolicies(),
	})
	sellerMessenger.AddDirectMessageListener(seller)
	sellerMessenger.AddMailboxMessageListener(seller)

	buyer := protocol.NewBuyerProtocol(buyerTrade, protocol.Services{
		Messenger:    buyerMessenger,
		Wallet:       wallet,
		TradeManager: &recordingManager{},
		Policies:     e2ePolicies(),
	})
	buyerMessenger.AddDirectMessageListener(buyer)
	buyerMessenger.AddMailboxMessageListener(buyer)

	return &tradePeers{
		network:     network,
		seller:      seller,
		buyer:       buyer,
		sellerTrade: sellerTrade,
		buyerTrade:  buyerTrade,
	}
}

func newRawTx(t *testing.T, seed string, lockTime uint32) []byte {
	t.Helper()

	sum := sha256.Sum256([]byte(seed))
	var prevHash chainhash.Hash
	copy(prevHash[:], sum[:])

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(1500, sum[:20]))
	tx.LockTime = lockTime

	buf := &bytes.Buffer{}
	require.NoError(t, tx.Serialize(buf))
	return buf.Bytes()
}

// opResult adapts the async operation callbacks to channels the test can
// block on.
type opResult struct {
	done chan struct{}
	errs chan string
}

func newOpResult() *opResult {
	return &opResult{done: make(chan struct{}, 1), errs: make(chan string, 1)}
}

func (r *opResult) onResult()          { r.done <- struct{}{} }
func (r *opResult) onError(msg string) { r.errs <- msg }

func (r *opResult) await(t *testing.T, what string) {
	t.Helper()
	select {
	case <-r.done:
	case msg := <-r.errs:
		t.Fatalf("%s failed: %s", what, msg)
	case <-time.After(waitFor):
		t.Fatalf("%s did not complete", what)
	}
}

func (r *opResult) awaitError(t *testing.T, what string) string {
	t.Helper()
	select {
	case msg := <-r.errs:
		return msg
	case <-r.done:
		t.Fatalf("%s succeeded unexpectedly", what)
	case <-time.After(waitFor):
		t.Fatalf("%s did not report an error", what)
	}
	return ""
}

// advanceToDepositConfirmed runs the deposit leg: the seller hands the
// deposit and delayed payout txs to the buyer, publishes after the buyer's
// ack and both sides observe the confirmation.
func advanceToDepositConfirmed(t *testing.T, peers *tradePeers) {
	t.Helper()

	depositTx := newRawTx(t, "deposit:"+peers.sellerTrade.Id, 0)
	delayedPayoutTx := newRawTx(t, "delayed:"+peers.sellerTrade.Id, 144)

	res := newOpResult()
	require.NoError(t, peers.seller.OnDepositTxPrepared(
		depositTx, delayedPayoutTx, res.onResult, res.onError,
	))
	res.await(t, "deposit publication")

	require.Eventually(t, func() bool {
		return peers.seller.Snapshot().State == domain.StateDepositConfirmedInBlockchain &&
			peers.buyer.Snapshot().State == domain.StateDepositConfirmedInBlockchain
	}, waitFor, tick, "deposit never confirmed on both sides")
}

func TestTradeHappyPath(t *testing.T) {
	peers := newTradePeers(t)

	advanceToDepositConfirmed(t, peers)
	sellerSnap := peers.seller.Snapshot()
	require.Equal(t, sellerSnap.DepositTxId, peers.buyer.Snapshot().DepositTxId)
	require.Equal(t,
		domain.MessageStateAcknowledged,
		sellerSnap.Process.MessageStateFor(domain.DepositTxMessageTopic),
	)

	res := newOpResult()
	require.NoError(t, peers.buyer.OnPaymentStarted("bank-ref-1", "", res.onResult, res.onError))
	res.await(t, "payment started")
	require.Eventually(t, func() bool {
		return peers.seller.Snapshot().State == domain.StateSellerReceivedCounterCurrencyTransferStartedMsg
	}, waitFor, tick)
	require.Equal(t, "bank-ref-1", peers.seller.Snapshot().CounterCurrencyTxId)

	res = newOpResult()
	require.NoError(t, peers.seller.OnPaymentReceived(res.onResult, res.onError))
	res.await(t, "payment received")
	sellerSnap = peers.seller.Snapshot()
	require.NotEmpty(t, sellerSnap.PayoutTxId)

	require.Eventually(t, func() bool {
		return peers.buyer.Snapshot().State == domain.StateBuyerReceivedPayoutTxPublishedMsg
	}, waitFor, tick)
	require.Equal(t, sellerSnap.PayoutTxId, peers.buyer.Snapshot().PayoutTxId)
}

func TestPaymentStartedDeliveredViaMailbox(t *testing.T) {
	peers := newTradePeers(t)
	advanceToDepositConfirmed(t, peers)

	peers.network.SetOnline(sellerAddr, false)

	// With the seller offline the resend loop exhausts its attempts, leaves
	// the stored-in-mailbox marker and the operation still succeeds.
	res := newOpResult()
	require.NoError(t, peers.buyer.OnPaymentStarted("bank-ref-2", "", res.onResult, res.onError))
	res.await(t, "payment started")
	require.Equal(t,
		domain.StateBuyerStoredInMailboxCounterCurrencyTransferStartedMsg,
		peers.buyer.Snapshot().State,
	)

	// Coming back online drains the mailbox, the seller processes the message
	// and its late ack settles the buyer's message state.
	peers.network.SetOnline(sellerAddr, true)
	require.Eventually(t, func() bool {
		return peers.seller.Snapshot().State == domain.StateSellerReceivedCounterCurrencyTransferStartedMsg
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		state := peers.buyerTrade.Process.MessageStateFor(domain.PaymentStartedMessageTopic)
		return state == domain.MessageStateAcknowledged
	}, waitFor, tick)
	require.Equal(t, "bank-ref-2", peers.seller.Snapshot().CounterCurrencyTxId)
}

func TestPaymentAccountSharedEarly(t *testing.T) {
	peers := newTradePeers(t)

	// Right after the taker fee is published the buyer shares its payment
	// account data so the seller can verify the transfer later.
	res := newOpResult()
	peers.buyer.OnSharePaymentAccount(
		[]byte(`{"iban":"DE02120300000000202051"}`), "SEPA", res.onResult, res.onError,
	)
	res.await(t, "sharing payment account")

	require.Eventually(t, func() bool {
		peer := peers.seller.Snapshot().Process.TradingPeer
		return len(peer.PaymentAccountPayload) > 0 && peer.PaymentMethodId == "SEPA"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		state := peers.buyerTrade.Process.MessageStateFor(domain.PaymentAccountMessageTopic)
		return state == domain.MessageStateAcknowledged
	}, waitFor, tick)
}

func TestPaymentAccountShareRejectsEmptyPayload(t *testing.T) {
	peers := newTradePeers(t)

	res := newOpResult()
	peers.buyer.OnSharePaymentAccount(nil, "SEPA", res.onResult, res.onError)
	reason := res.awaitError(t, "sharing empty payment account")
	require.Contains(t, reason, "empty payment account payload")
}

func TestPaymentStartedRejectedBeforeDepositConfirmed(t *testing.T) {
	peers := newTradePeers(t)

	res := newOpResult()
	require.NoError(t, peers.buyer.OnPaymentStarted("bank-ref-3", "", res.onResult, res.onError))
	reason := res.awaitError(t, "premature payment started")

	require.NotEmpty(t, reason)
	require.Equal(t, domain.StateTakerPublishedTakerFeeTx, peers.buyer.Snapshot().State)
}

func TestDepositPublicationAbortsWithoutBuyerAck(t *testing.T) {
	peers := newTradePeers(t)
	peers.network.SetReachable(buyerAddr, false)

	depositTx := newRawTx(t, "deposit:"+peers.sellerTrade.Id, 0)
	delayedPayoutTx := newRawTx(t, "delayed:"+peers.sellerTrade.Id, 144)

	res := newOpResult()
	require.NoError(t, peers.seller.OnDepositTxPrepared(
		depositTx, delayedPayoutTx, res.onResult, res.onError,
	))
	reason := res.awaitError(t, "deposit publication towards unreachable buyer")

	require.Contains(t, reason, "SellerSendDepositTxAndDelayedPayoutTx")
	// Fail closed: without the buyer's ack the deposit must not hit the chain.
	require.Empty(t, peers.seller.Snapshot().DepositTxId)
}
