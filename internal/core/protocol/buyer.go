package protocol

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

// buyerHandlers wires the condition engine and the task pipelines to the
// message types and domain tasks of the buy side. Dispute handling is shared
// with the sell side through composition.
type buyerHandlers struct {
	p       *TradeProtocol
	dispute *disputeHandlers
}

func (h *buyerHandlers) onTradeMessage(
	msg domain.TradeMessage, sender domain.NodeAddress, fromMailbox bool,
) {
	switch m := msg.(type) {
	case *PaymentAccountPayloadMessage:
		h.handlePaymentAccountPayload(m, sender, fromMailbox)
	case *DepositTxAndDelayedPayoutTxMessage:
		h.handleDepositTxAndDelayedPayoutTx(m, sender, fromMailbox)
	case *PayoutTxPublishedMessage:
		h.handlePayoutTxPublished(m, sender, fromMailbox)
	default:
		if !h.dispute.onTradeMessage(msg, sender, fromMailbox) {
			log.WithField("trade", h.p.trade.ShortId()).Warnf(
				"buyer protocol has no handler for %T", msg,
			)
		}
	}
}

// onInitialized re-arms pending buyer work for the trade's persisted phase.
// Given conditions evaluate silently: after a restart the trade may
// legitimately be anywhere in its lifecycle.
func (h *buyerHandlers) onInitialized() {
	p := h.p

	// A payment started message that never got acked is retried.
	c := p.given().
		AnyPhase(domain.PhaseFiatSent).
		OnEvent(PaymentStartedEvent).
		With(PreCondition{
			OK: func() bool {
				state := p.process.MessageStateFor(domain.PaymentStartedMessageTopic)
				return state != domain.MessageStateUndefined &&
					state != domain.MessageStateAcknowledged
			},
			Reason: "payment started message already acked or never sent",
		})
	p.executeTasks(c, []Task{
		&BuyerSendCounterCurrencyTransferStartedMessage{},
	}, execOpts{})

	// A deposit seen on the network but not confirmed yet gets its watcher
	// back.
	c = p.given().
		AnyPhase(domain.PhaseDepositPublished).
		With(PreCondition{
			OK:     func() bool { return p.trade.DepositTxId != "" },
			Reason: "no deposit tx to watch",
		})
	p.executeTasks(c, []Task{&SetupDepositConfirmationWatcher{}}, execOpts{})

	p.rearmPaymentAccountSend()
}

func (h *buyerHandlers) handlePaymentAccountPayload(
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

func (h *buyerHandlers) handleDepositTxAndDelayedPayoutTx(
	msg *DepositTxAndDelayedPayoutTxMessage, sender domain.NodeAddress, fromMailbox bool,
) {
	p := h.p
	// The seller resends this message until acked, so it is legal both before
	// and after we already saw it once.
	c := p.expect().
		AnyPhase(domain.PhaseTakerFeePublished, domain.PhaseDepositPublished).
		OnMessage(msg).
		From(sender)
	p.executeTasks(c, []Task{
		&BuyerProcessDepositTxAndDelayedPayoutTx{},
		&BuyerVerifyDelayedPayoutTx{},
		&SetupDepositConfirmationWatcher{},
	}, execOpts{
		withTimeout: true,
		fromMailbox: fromMailbox,
	})
}

func (h *buyerHandlers) handlePayoutTxPublished(
	msg *PayoutTxPublishedMessage, sender domain.NodeAddress, fromMailbox bool,
) {
	p := h.p
	c := p.expect().
		AnyPhase(
			domain.PhaseFiatSent, domain.PhaseFiatReceived, domain.PhasePayoutPublished,
		).
		OnMessage(msg).
		From(sender)
	p.executeTasks(c, []Task{&BuyerProcessPayoutTxPublished{}}, execOpts{
		withTimeout: true,
		fromMailbox: fromMailbox,
	})
}

// OnPaymentStarted is the buyer's confirmation that the fiat/altcoin transfer
// has been initiated. The trade state advances only once the whole pipeline
// has completed; the reliable send inside it keeps running on its own
// completion criteria.
func (p *TradeProtocol) OnPaymentStarted(
	counterCurrencyTxId, extraData string, onResult func(), onError func(errMsg string),
) error {
	if _, ok := p.handlers.(*buyerHandlers); !ok {
		return errors.New("payment started can only be confirmed by the buyer")
	}

	p.enqueue(func() {
		p.trade.CounterCurrencyTxId = counterCurrencyTxId
		p.trade.CounterCurrencyExtraData = extraData

		c := p.expect().
			AnyPhase(domain.PhaseDepositConfirmed).
			OnEvent(PaymentStartedEvent).
			With(PreCondition{
				OK:     p.trade.ConfirmPermitted,
				Reason: "payment confirmation not permitted in dispute state " + p.trade.DisputeState.String(),
			})
		p.executeTasks(c, []Task{
			&BuyerConfirmPaymentInitiated{},
			&BuyerSignPayoutTx{},
			&BuyerSendCounterCurrencyTransferStartedMessage{},
		}, execOpts{
			onSuccess: onResult,
			onFailure: onError,
		})
	})
	return nil
}
