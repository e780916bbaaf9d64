package protocol

import (
	"errors"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	"github.com/peertrade-network/peertrade-daemon/pkg/txutil"
)

// BuyerProcessDepositTxAndDelayedPayoutTx validates and stores the deposit tx
// and the time-locked delayed payout tx received from the seller.
type BuyerProcessDepositTxAndDelayedPayoutTx struct{}

func (t *BuyerProcessDepositTxAndDelayedPayoutTx) Name() string {
	return "BuyerProcessDepositTxAndDelayedPayoutTx"
}

func (t *BuyerProcessDepositTxAndDelayedPayoutTx) Run(tc *TaskContext) error {
	msg, ok := tc.Process.TradeMessage.(*DepositTxAndDelayedPayoutTxMessage)
	if !ok {
		return errUnexpectedTrigger(tc)
	}
	if len(msg.DepositTx) == 0 {
		return errors.New("deposit tx missing in message")
	}
	if len(msg.DelayedPayoutTx) == 0 {
		return errors.New("delayed payout tx missing in message")
	}

	depositTxId, err := txutil.TxIdFromBytes(msg.DepositTx)
	if err != nil {
		return err
	}
	delayedTxId, err := txutil.TxIdFromBytes(msg.DelayedPayoutTx)
	if err != nil {
		return err
	}

	trade := tc.Trade
	trade.DepositTx = msg.DepositTx
	trade.DepositTxId = depositTxId
	trade.DelayedPayoutTx = msg.DelayedPayoutTx
	trade.DelayedPayoutTxId = delayedTxId
	return trade.ToState(domain.StateBuyerReceivedDepositTxPublishedMsg)
}

// BuyerVerifyDelayedPayoutTx checks the dispute fallback tx is actually
// time-locked: without a lock time the seller could spend it immediately.
type BuyerVerifyDelayedPayoutTx struct{}

func (t *BuyerVerifyDelayedPayoutTx) Name() string { return "BuyerVerifyDelayedPayoutTx" }

func (t *BuyerVerifyDelayedPayoutTx) Run(tc *TaskContext) error {
	lockTime, err := txutil.LockTimeOf(tc.Trade.DelayedPayoutTx)
	if err != nil {
		return err
	}
	if lockTime == 0 {
		return errors.New("delayed payout tx has no lock time")
	}
	return nil
}

// BuyerConfirmPaymentInitiated marks the user's confirmation that the
// counter-currency transfer was started.
type BuyerConfirmPaymentInitiated struct{}

func (t *BuyerConfirmPaymentInitiated) Name() string { return "BuyerConfirmPaymentInitiated" }

func (t *BuyerConfirmPaymentInitiated) Run(tc *TaskContext) error {
	return tc.Trade.ToState(domain.StateBuyerConfirmedPaymentInitiated)
}

// BuyerSignPayoutTx prepares and signs the payout transaction; the signature
// travels with the payment started message so the seller can publish the
// payout once the payment is received.
type BuyerSignPayoutTx struct{}

func (t *BuyerSignPayoutTx) Name() string { return "BuyerSignPayoutTx" }

func (t *BuyerSignPayoutTx) Run(tc *TaskContext) error {
	wallet := tc.Services.Wallet
	payoutTx, err := wallet.CreatePayoutTx(tc.Ctx, tc.Trade.Id)
	if err != nil {
		return err
	}
	sig, err := wallet.SignPayoutTx(tc.Ctx, tc.Trade.Id, payoutTx)
	if err != nil {
		return err
	}
	tc.Trade.PayoutTx = payoutTx
	tc.Process.PayoutTxSignature = sig
	return nil
}

// BuyerSendCounterCurrencyTransferStartedMessage runs the slow reliable send
// of the payment started message. The pipeline completes only when the peer
// acked the message or all attempts are exhausted; exhaustion is not fatal
// here, the message may still sit in the peer's mailbox.
type BuyerSendCounterCurrencyTransferStartedMessage struct{}

func (t *BuyerSendCounterCurrencyTransferStartedMessage) Name() string {
	return "BuyerSendCounterCurrencyTransferStartedMessage"
}

func (t *BuyerSendCounterCurrencyTransferStartedMessage) Run(tc *TaskContext) error {
	trade := tc.Trade
	msg := NewCounterCurrencyTransferStartedMessage(
		trade.Id,
		tc.Services.Messenger.MyAddress(),
		tc.Process.TradingPeer.PayoutAddress,
		trade.CounterCurrencyTxId,
		trade.CounterCurrencyExtraData,
		tc.Process.PayoutTxSignature,
	)

	send := &reliableSend{
		msg:        msg,
		peer:       trade.PeerNodeAddress,
		peerPubKey: trade.PeerPubKey,
		policy:     tc.Services.Policies.PaymentStarted,
		topic:      domain.PaymentStartedMessageTopic,
		markers: sendStateMarkers{
			Sent:            domain.StateBuyerSentCounterCurrencyTransferStartedMsg,
			Arrived:         domain.StateBuyerSawArrivedCounterCurrencyTransferStartedMsg,
			StoredInMailbox: domain.StateBuyerStoredInMailboxCounterCurrencyTransferStartedMsg,
			SendFailed:      domain.StateBuyerSendFailedCounterCurrencyTransferStartedMsg,
		},
		// Once the payout is out the payment started message is history.
		moot: func(tc *TaskContext) bool {
			return tc.Trade.Phase() >= domain.PhasePayoutPublished
		},
	}
	return send.run(tc)
}

// BuyerProcessPayoutTxPublished stores the payout transaction published by
// the seller.
type BuyerProcessPayoutTxPublished struct{}

func (t *BuyerProcessPayoutTxPublished) Name() string { return "BuyerProcessPayoutTxPublished" }

func (t *BuyerProcessPayoutTxPublished) Run(tc *TaskContext) error {
	msg, ok := tc.Process.TradeMessage.(*PayoutTxPublishedMessage)
	if !ok {
		return errUnexpectedTrigger(tc)
	}
	if len(msg.PayoutTx) == 0 {
		return errors.New("payout tx missing in message")
	}

	txId, err := txutil.TxIdFromBytes(msg.PayoutTx)
	if err != nil {
		return err
	}
	trade := tc.Trade
	trade.PayoutTx = msg.PayoutTx
	trade.PayoutTxId = txId
	return trade.ToState(domain.StateBuyerReceivedPayoutTxPublishedMsg)
}
