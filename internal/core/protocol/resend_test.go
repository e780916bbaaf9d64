package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

func TestDelayForDoubles(t *testing.T) {
	policy := ResendPolicy{MaxAttempts: 5, BaseDelay: 4 * time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 32 * time.Second},
		{0, 4 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.expected, policy.DelayFor(tt.attempt))
	}
}

func sellerDepositMarkers() sendStateMarkers {
	return sendStateMarkers{
		Sent:            domain.StateSellerSentDepositTxPublishedMsg,
		Arrived:         domain.StateSellerSawArrivedDepositTxPublishedMsg,
		StoredInMailbox: domain.StateSellerStoredInMailboxDepositTxPublishedMsg,
		SendFailed:      domain.StateSellerSendFailedDepositTxPublishedMsg,
	}
}

func newDepositSend(trade *domain.Trade, policy ResendPolicy) *reliableSend {
	return &reliableSend{
		msg:        NewDepositTxAndDelayedPayoutTxMessage(trade.Id, "me.onion:9999", []byte{1}, []byte{2}),
		peer:       trade.PeerNodeAddress,
		peerPubKey: []byte("peer-pub"),
		policy:     policy,
		topic:      domain.DepositTxMessageTopic,
		markers:    sellerDepositMarkers(),
	}
}

// runSend drives a reliable send the way the task runner would: the send
// either finishes inline or suspends and settles later. Both paths funnel
// into the returned channel.
func runSend(tc *TaskContext, send *reliableSend) chan error {
	errCh := make(chan error, 1)
	suspended := false
	tc.Suspend = func() func(error) {
		suspended = true
		return func(err error) { errCh <- err }
	}
	go func() {
		if err := send.run(tc); err != nil || !suspended {
			errCh <- err
		}
	}()
	return errCh
}

func waitErr(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("reliable send did not terminate")
		return nil
	}
}

func TestReliableSendCompletesOnAck(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.ToState(domain.StateTakerPublishedTakerFeeTx))

	// The transport keeps reporting mailbox storage; only the explicit ack
	// terminates the loop.
	messenger := newStubMessenger(outcomeStoredInMailbox)
	tc := newTaskContext(trade, testServices(messenger))
	send := newDepositSend(trade, ResendPolicy{
		MaxAttempts: 10, BaseDelay: time.Minute, FailOnExhaustion: true,
	})

	errCh := runSend(tc, send)
	require.Eventually(t, func() bool {
		return messenger.sentCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	trade.Process.SetMessageState(domain.DepositTxMessageTopic, domain.MessageStateAcknowledged)
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, 1, messenger.sentCount())
}

func TestReliableSendAlreadyAcked(t *testing.T) {
	trade := newSellerTrade()
	trade.Process.SetMessageState(domain.DepositTxMessageTopic, domain.MessageStateAcknowledged)

	messenger := newStubMessenger()
	tc := newTaskContext(trade, testServices(messenger))
	send := newDepositSend(trade, ResendPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})

	require.NoError(t, waitErr(t, runSend(tc, send)))
	require.Zero(t, messenger.sentCount())
}

func TestReliableSendExhaustionFailsClosed(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.ToState(domain.StateTakerPublishedTakerFeeTx))

	messenger := newStubMessenger(outcomeFault)
	tc := newTaskContext(trade, testServices(messenger))
	send := newDepositSend(trade, ResendPolicy{
		MaxAttempts: 3, BaseDelay: time.Millisecond, FailOnExhaustion: true,
	})

	err := waitErr(t, runSend(tc, send))
	require.Error(t, err)
	require.Contains(t, err.Error(), "3 attempts")
	require.Equal(t, 3, messenger.sentCount())
}

func TestReliableSendExhaustionLeavesMailboxMarker(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.ToState(domain.StateTakerPublishedTakerFeeTx))

	messenger := newStubMessenger(outcomeStoredInMailbox)
	tc := newTaskContext(trade, testServices(messenger))
	send := newDepositSend(trade, ResendPolicy{
		MaxAttempts: 2, BaseDelay: time.Millisecond,
	})

	// Exhaustion without FailOnExhaustion is not an error: the message sits
	// in the peer's mailbox and the trade carries the marker.
	require.NoError(t, waitErr(t, runSend(tc, send)))
	require.Equal(t, 2, messenger.sentCount())
	require.Equal(t, domain.StateSellerStoredInMailboxDepositTxPublishedMsg, trade.State)
	require.Equal(t,
		domain.MessageStateStoredInMailbox,
		trade.Process.MessageStateFor(domain.DepositTxMessageTopic),
	)
}

func TestReliableSendArrivedStopsResends(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.ToState(domain.StateTakerPublishedTakerFeeTx))

	messenger := newStubMessenger(outcomeArrived)
	tc := newTaskContext(trade, testServices(messenger))
	send := newDepositSend(trade, ResendPolicy{
		MaxAttempts: 5, BaseDelay: time.Millisecond, FailOnExhaustion: true,
	})

	errCh := runSend(tc, send)

	// Transport-level arrival stops the resends but the loop still waits for
	// the explicit ack.
	require.Eventually(t, func() bool {
		return trade.Process.MessageStateFor(domain.DepositTxMessageTopic) ==
			domain.MessageStateArrived
	}, 2*time.Second, 10*time.Millisecond)
	select {
	case err := <-errCh:
		t.Fatalf("send terminated before ack: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 1, messenger.sentCount())

	trade.Process.SetMessageState(domain.DepositTxMessageTopic, domain.MessageStateAcknowledged)
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, domain.StateSellerSawArrivedDepositTxPublishedMsg, trade.State)
}

func TestReliableSendMootShortCircuits(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.ToState(domain.StateTakerPublishedTakerFeeTx))

	messenger := newStubMessenger(outcomeStoredInMailbox)
	tc := newTaskContext(trade, testServices(messenger))
	send := newDepositSend(trade, ResendPolicy{
		MaxAttempts: 5, BaseDelay: time.Millisecond, FailOnExhaustion: true,
	})
	send.moot = func(*TaskContext) bool { return true }

	require.NoError(t, waitErr(t, runSend(tc, send)))
	require.Equal(t, 1, messenger.sentCount())
}

func TestReliableSendNackKeepsRetrying(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.ToState(domain.StateTakerPublishedTakerFeeTx))

	messenger := newStubMessenger(outcomeStoredInMailbox)
	tc := newTaskContext(trade, testServices(messenger))
	send := newDepositSend(trade, ResendPolicy{
		MaxAttempts: 10, BaseDelay: 5 * time.Millisecond, FailOnExhaustion: true,
	})

	errCh := runSend(tc, send)
	require.Eventually(t, func() bool {
		return messenger.sentCount() >= 1
	}, 2*time.Second, time.Millisecond)

	// A negative ack does not terminate the loop, a later attempt may hit a
	// recovered peer.
	trade.Process.SetMessageState(domain.DepositTxMessageTopic, domain.MessageStateFailed)
	require.Eventually(t, func() bool {
		return messenger.sentCount() >= 2
	}, 2*time.Second, time.Millisecond)

	trade.Process.SetMessageState(domain.DepositTxMessageTopic, domain.MessageStateAcknowledged)
	require.NoError(t, waitErr(t, errCh))
}

func TestSendMailboxMessageFault(t *testing.T) {
	trade := newSellerTrade()
	messenger := newStubMessenger(outcomeFault)
	tc := newTaskContext(trade, testServices(messenger))

	msg := NewPayoutTxPublishedMessage(trade.Id, "me.onion:9999", []byte{0x01})
	_, err := sendMailboxMessage(tc, trade.PeerNodeAddress, []byte("peer-pub"), msg)
	require.Error(t, err)
}
