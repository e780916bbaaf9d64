package protocol

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

// sellerHandlers wires the condition engine and the task pipelines to the
// message types and domain tasks of the sell side.
type sellerHandlers struct {
	p       *TradeProtocol
	dispute *disputeHandlers
}

func (h *sellerHandlers) onTradeMessage(
	msg domain.TradeMessage, sender domain.NodeAddress, fromMailbox bool,
) {
	switch m := msg.(type) {
	case *PaymentAccountPayloadMessage:
		h.handlePaymentAccountPayload(m, sender, fromMailbox)
	case *CounterCurrencyTransferStartedMessage:
		h.handleCounterCurrencyTransferStarted(m, sender, fromMailbox)
	default:
		if !h.dispute.onTradeMessage(msg, sender, fromMailbox) {
			log.WithField("trade", h.p.trade.ShortId()).Warnf(
				"seller protocol has no handler for %T", msg,
			)
		}
	}
}

// onInitialized re-arms pending seller work for the trade's persisted phase.
func (h *sellerHandlers) onInitialized() {
	p := h.p

	// The deposit tx message blocks the buyer's next step: a send that never
	// got acked is retried after a restart.
	c := p.given().
		AnyPhase(domain.PhaseDepositPublished).
		With(PreCondition{
			OK: func() bool {
				state := p.process.MessageStateFor(domain.DepositTxMessageTopic)
				return state != domain.MessageStateUndefined &&
					state != domain.MessageStateAcknowledged
			},
			Reason: "deposit tx message already acked or never sent",
		})
	p.executeTasks(c, []Task{&SellerSendDepositTxAndDelayedPayoutTx{}}, execOpts{})

	c = p.given().
		AnyPhase(domain.PhaseDepositPublished).
		With(PreCondition{
			OK:     func() bool { return p.trade.DepositTxId != "" },
			Reason: "no deposit tx to watch",
		})
	p.executeTasks(c, []Task{&SetupDepositConfirmationWatcher{}}, execOpts{})

	p.rearmPaymentAccountSend()
}

func (h *sellerHandlers) handlePaymentAccountPayload(
	msg *PaymentAccountPayloadMessage, sender domain.NodeAddress, fromMailbox bool,
) {
	p := h.p
	c := p.expect().
		AnyPhase(domain.PhaseTakerFeePublished, domain.PhaseDepositPublished).
		OnMessage(msg).
		From(sender)
	p.executeTasks(c, []Task{&ProcessPaymentAccountPayload{}}, execOpts{
		withTimeout: true,
		fromMailbox: fromMailbox,
	})
}

func (h *sellerHandlers) handleCounterCurrencyTransferStarted(
	msg *CounterCurrencyTransferStartedMessage, sender domain.NodeAddress, fromMailbox bool,
) {
	p := h.p
	// The buyer resends until acked; receiving it again while already in
	// FIAT_SENT is legal and idempotent.
	c := p.expect().
		AnyPhase(domain.PhaseDepositConfirmed, domain.PhaseFiatSent).
		OnMessage(msg).
		From(sender)
	p.executeTasks(c, []Task{&SellerProcessCounterCurrencyTransferStarted{}}, execOpts{
		withTimeout: true,
		fromMailbox: fromMailbox,
	})
}

// OnDepositTxPrepared is called once the wallet prepared the deposit tx and
// the delayed payout tx. The seller first hands both to the buyer and only
// publishes the deposit after the buyer acked: failing the send aborts the
// publication rather than locking funds the buyer does not know about.
func (p *TradeProtocol) OnDepositTxPrepared(
	depositTx, delayedPayoutTx []byte, onResult func(), onError func(errMsg string),
) error {
	if _, ok := p.handlers.(*sellerHandlers); !ok {
		return errors.New("deposit tx can only be published by the seller")
	}

	p.enqueue(func() {
		p.trade.DepositTx = depositTx
		p.trade.DelayedPayoutTx = delayedPayoutTx

		c := p.expect().
			AnyPhase(domain.PhaseTakerFeePublished).
			OnEvent(TradeEvent("DEPOSIT_TX_PREPARED"))
		p.executeTasks(c, []Task{
			&SellerSendDepositTxAndDelayedPayoutTx{},
			&SellerPublishDepositTx{},
		}, execOpts{
			onSuccess: onResult,
			onFailure: onError,
		})
	})
	return nil
}

// OnPaymentReceived is the seller's confirmation that the counter-currency
// payment arrived. It releases the funds, so any active dispute blocks it.
func (p *TradeProtocol) OnPaymentReceived(onResult func(), onError func(errMsg string)) error {
	if _, ok := p.handlers.(*sellerHandlers); !ok {
		return errors.New("payment received can only be confirmed by the seller")
	}

	p.enqueue(func() {
		c := p.expect().
			AnyPhase(domain.PhaseFiatSent).
			OnEvent(PaymentReceivedEvent).
			With(PreCondition{
				OK:     p.trade.ConfirmPermitted,
				Reason: "payment confirmation not permitted in dispute state " + p.trade.DisputeState.String(),
			})
		p.executeTasks(c, []Task{
			&SellerConfirmPaymentReceipt{},
			&SellerSignAndPublishPayoutTx{},
			&SellerSendPayoutTxPublished{},
		}, execOpts{
			onSuccess: onResult,
			onFailure: onError,
		})
	})
	return nil
}
