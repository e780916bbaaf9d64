package protocol

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

// SellerSendDepositTxAndDelayedPayoutTx runs the fast reliable send of the
// deposit tx message. Exhausting the attempts is a hard failure: without the
// buyer's ack the deposit must not be published.
type SellerSendDepositTxAndDelayedPayoutTx struct{}

func (t *SellerSendDepositTxAndDelayedPayoutTx) Name() string {
	return "SellerSendDepositTxAndDelayedPayoutTx"
}

func (t *SellerSendDepositTxAndDelayedPayoutTx) Run(tc *TaskContext) error {
	trade := tc.Trade
	if len(trade.DepositTx) == 0 {
		return errors.New("no deposit tx prepared")
	}
	if len(trade.DelayedPayoutTx) == 0 {
		return errors.New("no delayed payout tx prepared")
	}

	msg := NewDepositTxAndDelayedPayoutTxMessage(
		trade.Id,
		tc.Services.Messenger.MyAddress(),
		trade.DepositTx,
		trade.DelayedPayoutTx,
	)
	send := &reliableSend{
		msg:        msg,
		peer:       trade.PeerNodeAddress,
		peerPubKey: trade.PeerPubKey,
		policy:     tc.Services.Policies.DepositTx,
		topic:      domain.DepositTxMessageTopic,
		markers: sendStateMarkers{
			Sent:            domain.StateSellerSentDepositTxPublishedMsg,
			Arrived:         domain.StateSellerSawArrivedDepositTxPublishedMsg,
			StoredInMailbox: domain.StateSellerStoredInMailboxDepositTxPublishedMsg,
			SendFailed:      domain.StateSellerSendFailedDepositTxPublishedMsg,
		},
	}
	return send.run(tc)
}

// SellerPublishDepositTx broadcasts the deposit tx and starts watching its
// confirmation.
type SellerPublishDepositTx struct{}

func (t *SellerPublishDepositTx) Name() string { return "SellerPublishDepositTx" }

func (t *SellerPublishDepositTx) Run(tc *TaskContext) error {
	trade := tc.Trade
	txId, err := tc.Services.Wallet.BroadcastTx(tc.Ctx, trade.DepositTx)
	if err != nil {
		return err
	}
	trade.DepositTxId = txId
	if err := trade.ToState(domain.StateSellerPublishedDepositTx); err != nil {
		return err
	}
	log.WithField("trade", trade.ShortId()).Infof("published deposit tx %s", txId)

	watcher := &SetupDepositConfirmationWatcher{}
	return watcher.Run(tc)
}

// SellerProcessCounterCurrencyTransferStarted stores the buyer's payment
// reference and payout signature.
type SellerProcessCounterCurrencyTransferStarted struct{}

func (t *SellerProcessCounterCurrencyTransferStarted) Name() string {
	return "SellerProcessCounterCurrencyTransferStarted"
}

func (t *SellerProcessCounterCurrencyTransferStarted) Run(tc *TaskContext) error {
	msg, ok := tc.Process.TradeMessage.(*CounterCurrencyTransferStartedMessage)
	if !ok {
		return errUnexpectedTrigger(tc)
	}
	if len(msg.BuyerSignature) == 0 {
		return errors.New("buyer payout signature missing in message")
	}

	trade := tc.Trade
	trade.CounterCurrencyTxId = msg.CounterCurrencyTxId
	trade.CounterCurrencyExtraData = msg.ExtraData
	peer := tc.Process.TradingPeer
	peer.PayoutAddress = msg.BuyerPayoutAddress
	peer.PayoutTxSignature = msg.BuyerSignature
	return trade.ToState(domain.StateSellerReceivedCounterCurrencyTransferStartedMsg)
}

// SellerConfirmPaymentReceipt marks the user's confirmation that the
// counter-currency payment arrived.
type SellerConfirmPaymentReceipt struct{}

func (t *SellerConfirmPaymentReceipt) Name() string { return "SellerConfirmPaymentReceipt" }

func (t *SellerConfirmPaymentReceipt) Run(tc *TaskContext) error {
	return tc.Trade.ToState(domain.StateSellerConfirmedPaymentReceipt)
}

// SellerSignAndPublishPayoutTx combines both parties' signatures into the
// payout tx and broadcasts it.
type SellerSignAndPublishPayoutTx struct{}

func (t *SellerSignAndPublishPayoutTx) Name() string { return "SellerSignAndPublishPayoutTx" }

func (t *SellerSignAndPublishPayoutTx) Run(tc *TaskContext) error {
	trade := tc.Trade
	peerSig := tc.Process.TradingPeer.PayoutTxSignature
	if len(peerSig) == 0 {
		return errors.New("missing buyer payout signature")
	}

	wallet := tc.Services.Wallet
	payoutTx := trade.PayoutTx
	if len(payoutTx) == 0 {
		tx, err := wallet.CreatePayoutTx(tc.Ctx, trade.Id)
		if err != nil {
			return err
		}
		payoutTx = tx
	}
	mySig, err := wallet.SignPayoutTx(tc.Ctx, trade.Id, payoutTx)
	if err != nil {
		return err
	}
	finalTx, err := wallet.FinalizePayoutTx(tc.Ctx, trade.Id, payoutTx, mySig, peerSig)
	if err != nil {
		return err
	}
	txId, err := wallet.BroadcastTx(tc.Ctx, finalTx)
	if err != nil {
		return err
	}

	trade.PayoutTx = finalTx
	trade.PayoutTxId = txId
	if err := trade.ToState(domain.StateSellerPublishedPayoutTx); err != nil {
		return err
	}
	log.WithField("trade", trade.ShortId()).Infof("published payout tx %s", txId)
	return nil
}

// SellerSendPayoutTxPublished tells the buyer the payout is out. The message
// keeps a deterministic uid so a redelivery after a restart collapses on the
// buyer's side, but it needs no ack-driven resend loop: the payout tx itself
// is visible on the blockchain.
type SellerSendPayoutTxPublished struct{}

func (t *SellerSendPayoutTxPublished) Name() string { return "SellerSendPayoutTxPublished" }

func (t *SellerSendPayoutTxPublished) Run(tc *TaskContext) error {
	trade := tc.Trade
	msg := NewPayoutTxPublishedMessage(
		trade.Id, tc.Services.Messenger.MyAddress(), trade.PayoutTx,
	)

	if err := trade.ToState(domain.StateSellerSentPayoutTxPublishedMsg); err != nil {
		return err
	}
	outcome, err := sendMailboxMessage(tc, trade.PeerNodeAddress, trade.PeerPubKey, msg)
	if err != nil {
		if stateErr := trade.ToState(domain.StateSellerSendFailedPayoutTxPublishedMsg); stateErr != nil {
			log.WithField("trade", trade.ShortId()).
				WithError(stateErr).Warn("cannot apply send failed marker")
		}
		return err
	}

	marker := domain.StateSellerSawArrivedPayoutTxPublishedMsg
	if outcome == outcomeStoredInMailbox {
		marker = domain.StateSellerStoredInMailboxPayoutTxPublishedMsg
	}
	return trade.ToState(marker)
}
