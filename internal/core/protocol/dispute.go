package protocol

import (
	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

// disputePhases are the phases in which the dispute escalation paths are
// legal: funds are locked but the payout is not out yet.
var disputePhases = []domain.TradePhase{
	domain.PhaseDepositConfirmed,
	domain.PhaseFiatSent,
	domain.PhaseFiatReceived,
}

// disputeHandlers implements the mediation and arbitration paths shared by
// both roles. It reuses the identical condition and pipeline machinery,
// tracking progress in the MediationResultState/RefundResultState sub-enums
// independently of TradeState.
type disputeHandlers struct {
	p *TradeProtocol
}

// onTradeMessage handles the dispute message types; it reports whether the
// message was one of them.
func (h *disputeHandlers) onTradeMessage(
	msg domain.TradeMessage, sender domain.NodeAddress, fromMailbox bool,
) bool {
	switch m := msg.(type) {
	case *MediatedPayoutTxSignatureMessage:
		h.handleMediatedPayoutTxSignature(m, sender, fromMailbox)
	case *MediatedPayoutTxPublishedMessage:
		h.handleMediatedPayoutTxPublished(m, sender, fromMailbox)
	case *PeerPublishedDelayedPayoutTxMessage:
		h.handlePeerPublishedDelayedPayoutTx(m, sender, fromMailbox)
	default:
		return false
	}
	return true
}

func (h *disputeHandlers) handleMediatedPayoutTxSignature(
	msg *MediatedPayoutTxSignatureMessage, sender domain.NodeAddress, fromMailbox bool,
) {
	p := h.p
	c := p.expect().
		AnyPhase(disputePhases...).
		OnMessage(msg).
		From(sender)
	p.executeTasks(c, []Task{
		&ProcessMediatedPayoutTxSignature{},
		&FinalizeMediatedPayoutTx{},
	}, execOpts{
		withTimeout: true,
		fromMailbox: fromMailbox,
	})
}

func (h *disputeHandlers) handleMediatedPayoutTxPublished(
	msg *MediatedPayoutTxPublishedMessage, sender domain.NodeAddress, fromMailbox bool,
) {
	p := h.p
	c := p.expect().
		AnyPhase(append(disputePhases, domain.PhasePayoutPublished)...).
		OnMessage(msg).
		From(sender)
	p.executeTasks(c, []Task{&ProcessMediatedPayoutTxPublished{}}, execOpts{
		withTimeout: true,
		fromMailbox: fromMailbox,
	})
}

func (h *disputeHandlers) handlePeerPublishedDelayedPayoutTx(
	msg *PeerPublishedDelayedPayoutTxMessage, sender domain.NodeAddress, fromMailbox bool,
) {
	p := h.p
	c := p.expect().
		AnyPhase(disputePhases...).
		OnMessage(msg).
		From(sender)
	p.executeTasks(c, []Task{&ProcessPeerPublishedDelayedPayoutTx{}}, execOpts{
		withTimeout: true,
		fromMailbox: fromMailbox,
	})
}

// OnAcceptMediationResult signs the payout proposed by the mediator and hands
// the signature to the peer. When both signatures are present the payout is
// finalized and broadcast in the same pipeline.
func (p *TradeProtocol) OnAcceptMediationResult(onResult func(), onError func(errMsg string)) {
	p.enqueue(func() {
		c := p.expect().
			AnyPhase(disputePhases...).
			OnEvent(MediationResultAcceptedEvent).
			With(PreCondition{
				OK:     func() bool { return p.trade.DisputeState.IsMediated() },
				Reason: "trade is not in mediation",
			})
		p.executeTasks(c, []Task{
			&SignMediatedPayoutTx{},
			&SendMediatedPayoutTxSignature{},
			&FinalizeMediatedPayoutTx{},
		}, execOpts{
			onSuccess: onResult,
			onFailure: onError,
		})
	})
}

// OnArbitrationRequested publishes the time-locked delayed payout tx as the
// dispute fallback and informs the peer.
func (p *TradeProtocol) OnArbitrationRequested(onResult func(), onError func(errMsg string)) {
	p.enqueue(func() {
		c := p.expect().
			AnyPhase(disputePhases...).
			OnEvent(ArbitrationRequestedEvent).
			With(PreCondition{
				OK:     func() bool { return len(p.trade.DelayedPayoutTx) > 0 },
				Reason: "no delayed payout tx available",
			})
		p.executeTasks(c, []Task{
			&PublishDelayedPayoutTx{},
			&SendPeerPublishedDelayedPayoutTx{},
		}, execOpts{
			onSuccess: onResult,
			onFailure: onError,
		})
	})
}
