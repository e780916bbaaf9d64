package protocol

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	"github.com/peertrade-network/peertrade-daemon/pkg/txutil"
)

// SignMediatedPayoutTx signs the payout transaction proposed by the mediator.
type SignMediatedPayoutTx struct{}

func (t *SignMediatedPayoutTx) Name() string { return "SignMediatedPayoutTx" }

func (t *SignMediatedPayoutTx) Run(tc *TaskContext) error {
	wallet := tc.Services.Wallet
	payoutTx := tc.Process.MediatedPayoutTx
	if len(payoutTx) == 0 {
		tx, err := wallet.CreatePayoutTx(tc.Ctx, tc.Trade.Id)
		if err != nil {
			return err
		}
		payoutTx = tx
		tc.Process.MediatedPayoutTx = tx
	}
	sig, err := wallet.SignPayoutTx(tc.Ctx, tc.Trade.Id, payoutTx)
	if err != nil {
		return err
	}
	tc.Process.MediatedPayoutTxSignature = sig
	tc.Trade.MediationResultState = domain.MediationResultAccepted
	return nil
}

// SendMediatedPayoutTxSignature hands our mediation signature to the peer.
// The message is fire-once; the peer landing it in the mailbox is enough, the
// exchange is re-driven by the user accepting the result again if it stalls.
type SendMediatedPayoutTxSignature struct{}

func (t *SendMediatedPayoutTxSignature) Name() string { return "SendMediatedPayoutTxSignature" }

func (t *SendMediatedPayoutTxSignature) Run(tc *TaskContext) error {
	trade := tc.Trade
	sig := tc.Process.MediatedPayoutTxSignature
	if len(sig) == 0 {
		return errors.New("no mediated payout signature to send")
	}

	msg := NewMediatedPayoutTxSignatureMessage(
		trade.Id, tc.Services.Messenger.MyAddress(), sig,
	)
	trade.MediationResultState = domain.MediationResultSigMsgSent

	outcome, err := sendMailboxMessage(tc, trade.PeerNodeAddress, trade.PeerPubKey, msg)
	if err != nil {
		trade.MediationResultState = domain.MediationResultSigMsgSendFailed
		return err
	}
	if outcome == outcomeStoredInMailbox {
		trade.MediationResultState = domain.MediationResultSigMsgInMailbox
	} else {
		trade.MediationResultState = domain.MediationResultSigMsgArrived
	}
	return nil
}

// ProcessMediatedPayoutTxSignature stores the peer's mediation signature.
type ProcessMediatedPayoutTxSignature struct{}

func (t *ProcessMediatedPayoutTxSignature) Name() string {
	return "ProcessMediatedPayoutTxSignature"
}

func (t *ProcessMediatedPayoutTxSignature) Run(tc *TaskContext) error {
	msg, ok := tc.Process.TradeMessage.(*MediatedPayoutTxSignatureMessage)
	if !ok {
		return errUnexpectedTrigger(tc)
	}
	if len(msg.PayoutTxSignature) == 0 {
		return errors.New("mediated payout signature missing in message")
	}

	tc.Process.TradingPeer.MediatedPayoutTxSignature = msg.PayoutTxSignature
	if tc.Trade.DisputeState == domain.NoDispute {
		tc.Trade.DisputeState = domain.MediationStartedByPeer
	}
	tc.Trade.MediationResultState = domain.MediationResultReceivedSigMsg
	return nil
}

// FinalizeMediatedPayoutTx combines both mediation signatures, broadcasts the
// payout and tells the peer. It is a no-op while one of the signatures is
// still missing: whichever side receives the second signature publishes.
type FinalizeMediatedPayoutTx struct{}

func (t *FinalizeMediatedPayoutTx) Name() string { return "FinalizeMediatedPayoutTx" }

func (t *FinalizeMediatedPayoutTx) Run(tc *TaskContext) error {
	trade := tc.Trade
	if trade.MediationResultState == domain.MediationResultPayoutTxPublished {
		return nil
	}
	mySig := tc.Process.MediatedPayoutTxSignature
	peerSig := tc.Process.TradingPeer.MediatedPayoutTxSignature
	if len(mySig) == 0 || len(peerSig) == 0 {
		log.WithField("trade", trade.ShortId()).
			Debug("mediated payout waiting for the second signature")
		return nil
	}

	wallet := tc.Services.Wallet
	payoutTx := tc.Process.MediatedPayoutTx
	if len(payoutTx) == 0 {
		return errors.New("no mediated payout tx to finalize")
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
	trade.MediationResultState = domain.MediationResultPayoutTxPublished
	log.WithField("trade", trade.ShortId()).Infof("published mediated payout tx %s", txId)

	published := NewMediatedPayoutTxPublishedMessage(
		trade.Id, tc.Services.Messenger.MyAddress(), finalTx,
	)
	if _, err := sendMailboxMessage(tc, trade.PeerNodeAddress, trade.PeerPubKey, published); err != nil {
		// The peer can still observe the payout on the blockchain.
		log.WithField("trade", trade.ShortId()).
			WithError(err).Warn("cannot send mediated payout published message")
	}
	return nil
}

// ProcessMediatedPayoutTxPublished stores the mediated payout broadcast by the
// peer.
type ProcessMediatedPayoutTxPublished struct{}

func (t *ProcessMediatedPayoutTxPublished) Name() string {
	return "ProcessMediatedPayoutTxPublished"
}

func (t *ProcessMediatedPayoutTxPublished) Run(tc *TaskContext) error {
	msg, ok := tc.Process.TradeMessage.(*MediatedPayoutTxPublishedMessage)
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
	trade.MediationResultState = domain.MediationResultPayoutTxPublished
	return nil
}

// PublishDelayedPayoutTx broadcasts the time-locked delayed payout tx, moving
// the locked funds under the refund agent's control.
type PublishDelayedPayoutTx struct{}

func (t *PublishDelayedPayoutTx) Name() string { return "PublishDelayedPayoutTx" }

func (t *PublishDelayedPayoutTx) Run(tc *TaskContext) error {
	trade := tc.Trade
	txId, err := tc.Services.Wallet.BroadcastTx(tc.Ctx, trade.DelayedPayoutTx)
	if err != nil {
		return err
	}
	trade.DelayedPayoutTxId = txId
	trade.DisputeState = domain.RefundRequested
	trade.RefundResultState = domain.RefundResultDelayedPayoutTxPublished
	log.WithField("trade", trade.ShortId()).Infof("published delayed payout tx %s", txId)
	return nil
}

// SendPeerPublishedDelayedPayoutTx informs the peer that arbitration started.
type SendPeerPublishedDelayedPayoutTx struct{}

func (t *SendPeerPublishedDelayedPayoutTx) Name() string {
	return "SendPeerPublishedDelayedPayoutTx"
}

func (t *SendPeerPublishedDelayedPayoutTx) Run(tc *TaskContext) error {
	trade := tc.Trade
	msg := NewPeerPublishedDelayedPayoutTxMessage(
		trade.Id, tc.Services.Messenger.MyAddress(), trade.DelayedPayoutTxId,
	)
	if _, err := sendMailboxMessage(tc, trade.PeerNodeAddress, trade.PeerPubKey, msg); err != nil {
		// The delayed payout tx is already on chain; the peer will see it.
		log.WithField("trade", trade.ShortId()).
			WithError(err).Warn("cannot send delayed payout published message")
	}
	return nil
}

// ProcessPeerPublishedDelayedPayoutTx records that the peer escalated to
// arbitration by publishing the delayed payout tx.
type ProcessPeerPublishedDelayedPayoutTx struct{}

func (t *ProcessPeerPublishedDelayedPayoutTx) Name() string {
	return "ProcessPeerPublishedDelayedPayoutTx"
}

func (t *ProcessPeerPublishedDelayedPayoutTx) Run(tc *TaskContext) error {
	msg, ok := tc.Process.TradeMessage.(*PeerPublishedDelayedPayoutTxMessage)
	if !ok {
		return errUnexpectedTrigger(tc)
	}
	if msg.DelayedPayoutTxId == "" {
		return errors.New("delayed payout tx id missing in message")
	}

	trade := tc.Trade
	trade.DelayedPayoutTxId = msg.DelayedPayoutTxId
	trade.DisputeState = domain.RefundRequestStartedByPeer
	trade.RefundResultState = domain.RefundResultDelayedPayoutTxPublished
	return nil
}
