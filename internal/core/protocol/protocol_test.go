package protocol

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

func rawTxBytes(t *testing.T, seed string, lockTime uint32) []byte {
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

// gateTask blocks its pipeline until released and records which trigger
// message it observed on entry and on exit.
type gateTask struct {
	entered chan struct{}
	release chan struct{}
	first   domain.TradeMessage
	last    domain.TradeMessage
}

func (t *gateTask) Name() string { return "gateTask" }

func (t *gateTask) Run(tc *TaskContext) error {
	t.first = tc.Process.TradeMessage
	close(t.entered)
	<-t.release
	t.last = tc.Process.TradeMessage
	return nil
}

// A message landing while another pipeline is mid-task must wait its turn:
// the running pipeline keeps seeing its own trigger message, and the second
// message is processed afterwards.
func TestConcurrentTriggersAreSerialized(t *testing.T) {
	trade := newBuyerTrade()
	trade.PeerPubKey = []byte("peer-pub")
	require.NoError(t, trade.ToState(domain.StateTakerPublishedTakerFeeTx))

	messenger := newStubMessenger(outcomeArrived)
	p := NewBuyerProtocol(trade, testServices(messenger))

	msgA := NewPaymentAccountPayloadMessage(
		trade.Id, trade.PeerNodeAddress, []byte("account-data"), "SEPA",
	)
	msgB := NewDepositTxAndDelayedPayoutTxMessage(
		trade.Id, trade.PeerNodeAddress,
		rawTxBytes(t, "deposit:"+trade.Id, 0),
		rawTxBytes(t, "delayed:"+trade.Id, 144),
	)

	gate := &gateTask{entered: make(chan struct{}), release: make(chan struct{})}
	p.enqueue(func() {
		c := p.expect().
			AnyPhase(domain.PhaseTakerFeePublished).
			OnMessage(msgA).
			From(trade.PeerNodeAddress)
		p.executeTasks(c, []Task{gate}, execOpts{})
	})
	<-gate.entered

	// The second message lands while the first pipeline is parked mid-task.
	p.OnDirectMessage(msgB, []byte("peer-pub"), trade.PeerNodeAddress)
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	require.Eventually(t, func() bool {
		return p.Snapshot().DepositTxId != ""
	}, 5*time.Second, 10*time.Millisecond)
	require.Same(t, msgA, gate.first)
	require.Same(t, msgA, gate.last)
}

// A reliable send waiting out its backoff must not block the trade's other
// pipelines: mediation acceptance completes while the payment started message
// is still parked on an hour-long retry.
func TestMediationNotBlockedByPendingSend(t *testing.T) {
	trade := newBuyerTrade()
	trade.PeerPubKey = []byte("peer-pub")
	require.NoError(t, trade.ToState(domain.StateDepositConfirmedInBlockchain))
	trade.DisputeState = domain.MediationRequested

	messenger := newStubMessenger(outcomeStoredInMailbox)
	services := testServices(messenger)
	services.Policies.PaymentStarted = ResendPolicy{MaxAttempts: 10, BaseDelay: time.Hour}
	p := NewBuyerProtocol(trade, services)

	require.NoError(t, p.OnPaymentStarted("bank-ref", "", func() {}, func(string) {}))
	require.Eventually(t, func() bool {
		return messenger.sentCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resCh := make(chan error, 1)
	p.OnAcceptMediationResult(
		func() { resCh <- nil },
		func(msg string) { resCh <- errors.New(msg) },
	)
	select {
	case err := <-resCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("mediation acceptance blocked behind the pending send")
	}
	require.Equal(t, domain.MediationResultSigMsgInMailbox, p.Snapshot().MediationResultState)
}

func TestRefreshPeriodStateMarksExpiry(t *testing.T) {
	trade := newSellerTrade()
	trade.TakeOfferDate = time.Now().Add(-2 * time.Hour).Unix()

	services := testServices(newStubMessenger())
	services.MaxTradePeriod = time.Hour
	p := NewSellerProtocol(trade, services)

	p.RefreshPeriodState()
	require.Eventually(t, func() bool {
		return p.Snapshot().PeriodState == domain.TradePeriodExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshPeriodStateSkipsCompletedTrade(t *testing.T) {
	trade := newSellerTrade()
	trade.TakeOfferDate = time.Now().Add(-2 * time.Hour).Unix()
	require.NoError(t, trade.ToState(domain.StateWithdrawCompleted))

	services := testServices(newStubMessenger())
	services.MaxTradePeriod = time.Hour
	p := NewSellerProtocol(trade, services)

	p.RefreshPeriodState()
	require.Never(t, func() bool {
		return p.Snapshot().PeriodState != domain.TradePeriodNormal
	}, 200*time.Millisecond, 20*time.Millisecond)
}
