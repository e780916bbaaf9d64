package protocol

import (
	"github.com/google/uuid"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

// msgBase carries the fields every trade message has. For fire-once messages
// the uid is random; resendable messages use a deterministic uid so repeated
// sends of the same logical message collapse to one idempotent mailbox entry
// on the receiving side.
type msgBase struct {
	TradeId string
	Uid     string
}

func (m msgBase) GetTradeId() string { return m.TradeId }
func (m msgBase) GetUid() string     { return m.Uid }

// DeterministicUid derives the uid of a resendable message from the trade id
// and the sender's address.
func DeterministicUid(tradeId string, sender domain.NodeAddress) string {
	return tradeId + string(sender)
}

func newMsgBase(tradeId string) msgBase {
	return msgBase{TradeId: tradeId, Uid: uuid.New().String()}
}

func newResendableMsgBase(tradeId string, sender domain.NodeAddress) msgBase {
	return msgBase{TradeId: tradeId, Uid: DeterministicUid(tradeId, sender)}
}

// DepositTxAndDelayedPayoutTxMessage is sent by the seller to hand the buyer
// the published deposit tx and the time-locked delayed payout tx used as the
// dispute fallback.
type DepositTxAndDelayedPayoutTxMessage struct {
	msgBase
	DepositTx       []byte
	DelayedPayoutTx []byte
	SenderAddress   domain.NodeAddress
}

// NewDepositTxAndDelayedPayoutTxMessage builds the resendable deposit tx
// message.
func NewDepositTxAndDelayedPayoutTxMessage(
	tradeId string, sender domain.NodeAddress, depositTx, delayedPayoutTx []byte,
) *DepositTxAndDelayedPayoutTxMessage {
	return &DepositTxAndDelayedPayoutTxMessage{
		msgBase:         newResendableMsgBase(tradeId, sender),
		DepositTx:       depositTx,
		DelayedPayoutTx: delayedPayoutTx,
		SenderAddress:   sender,
	}
}

// CounterCurrencyTransferStartedMessage is sent by the buyer once the fiat or
// altcoin transfer has been initiated.
type CounterCurrencyTransferStartedMessage struct {
	msgBase
	BuyerPayoutAddress  string
	CounterCurrencyTxId string
	ExtraData           string
	BuyerSignature      []byte
	SenderAddress       domain.NodeAddress
}

// NewCounterCurrencyTransferStartedMessage builds the resendable payment
// started message.
func NewCounterCurrencyTransferStartedMessage(
	tradeId string, sender domain.NodeAddress,
	payoutAddress, counterCurrencyTxId, extraData string, sig []byte,
) *CounterCurrencyTransferStartedMessage {
	return &CounterCurrencyTransferStartedMessage{
		msgBase:             newResendableMsgBase(tradeId, sender),
		BuyerPayoutAddress:  payoutAddress,
		CounterCurrencyTxId: counterCurrencyTxId,
		ExtraData:           extraData,
		BuyerSignature:      sig,
		SenderAddress:       sender,
	}
}

// PayoutTxPublishedMessage is sent by the seller after publishing the payout
// transaction.
type PayoutTxPublishedMessage struct {
	msgBase
	PayoutTx      []byte
	SenderAddress domain.NodeAddress
}

// NewPayoutTxPublishedMessage builds the resendable payout published message.
func NewPayoutTxPublishedMessage(
	tradeId string, sender domain.NodeAddress, payoutTx []byte,
) *PayoutTxPublishedMessage {
	return &PayoutTxPublishedMessage{
		msgBase:       newResendableMsgBase(tradeId, sender),
		PayoutTx:      payoutTx,
		SenderAddress: sender,
	}
}

// PaymentAccountPayloadMessage shares the sender's payment account data with
// the peer early in the trade.
type PaymentAccountPayloadMessage struct {
	msgBase
	PaymentAccountPayload []byte
	PaymentMethodId       string
	SenderAddress         domain.NodeAddress
}

// NewPaymentAccountPayloadMessage builds the resendable payment account
// sharing message.
func NewPaymentAccountPayloadMessage(
	tradeId string, sender domain.NodeAddress, payload []byte, methodId string,
) *PaymentAccountPayloadMessage {
	return &PaymentAccountPayloadMessage{
		msgBase:               newResendableMsgBase(tradeId, sender),
		PaymentAccountPayload: payload,
		PaymentMethodId:       methodId,
		SenderAddress:         sender,
	}
}

// MediatedPayoutTxSignatureMessage carries one party's signature over the
// payout transaction proposed by the mediator.
type MediatedPayoutTxSignatureMessage struct {
	msgBase
	PayoutTxSignature []byte
	SenderAddress     domain.NodeAddress
}

// NewMediatedPayoutTxSignatureMessage builds a fire-once mediation signature
// message.
func NewMediatedPayoutTxSignatureMessage(
	tradeId string, sender domain.NodeAddress, sig []byte,
) *MediatedPayoutTxSignatureMessage {
	return &MediatedPayoutTxSignatureMessage{
		msgBase:           newMsgBase(tradeId),
		PayoutTxSignature: sig,
		SenderAddress:     sender,
	}
}

// MediatedPayoutTxPublishedMessage tells the peer the mediated payout tx has
// been broadcast.
type MediatedPayoutTxPublishedMessage struct {
	msgBase
	PayoutTx      []byte
	SenderAddress domain.NodeAddress
}

// NewMediatedPayoutTxPublishedMessage builds a fire-once mediated payout
// published message.
func NewMediatedPayoutTxPublishedMessage(
	tradeId string, sender domain.NodeAddress, payoutTx []byte,
) *MediatedPayoutTxPublishedMessage {
	return &MediatedPayoutTxPublishedMessage{
		msgBase:       newMsgBase(tradeId),
		PayoutTx:      payoutTx,
		SenderAddress: sender,
	}
}

// PeerPublishedDelayedPayoutTxMessage tells the peer the time-locked delayed
// payout tx has been broadcast because arbitration was requested.
type PeerPublishedDelayedPayoutTxMessage struct {
	msgBase
	DelayedPayoutTxId string
	SenderAddress     domain.NodeAddress
}

// NewPeerPublishedDelayedPayoutTxMessage builds a fire-once delayed payout
// published message.
func NewPeerPublishedDelayedPayoutTxMessage(
	tradeId string, sender domain.NodeAddress, txId string,
) *PeerPublishedDelayedPayoutTxMessage {
	return &PeerPublishedDelayedPayoutTxMessage{
		msgBase:           newMsgBase(tradeId),
		DelayedPayoutTxId: txId,
		SenderAddress:     sender,
	}
}

// AckMessage is the application-level acknowledgement of a prior message's
// processing outcome, distinct from transport delivery confirmation. It is
// not a TradeMessage: it is routed by source uid and source trade id.
type AckMessage struct {
	Uid           string
	SourceMsgType string
	SourceUid     string
	SourceTradeId string
	Success       bool
	ErrorMessage  string
	SenderAddress domain.NodeAddress
}

// GetTradeId implements domain.TradeMessage for mailbox plumbing; acks are
// addressed by their source trade id.
func (m *AckMessage) GetTradeId() string { return m.SourceTradeId }

// GetUid implements domain.TradeMessage.
func (m *AckMessage) GetUid() string { return m.Uid }

// NewAckMessage builds an ack for the given source message.
func NewAckMessage(
	source domain.TradeMessage, sourceType string, sender domain.NodeAddress,
	success bool, errMsg string,
) *AckMessage {
	return &AckMessage{
		Uid:           uuid.New().String(),
		SourceMsgType: sourceType,
		SourceUid:     source.GetUid(),
		SourceTradeId: source.GetTradeId(),
		Success:       success,
		ErrorMessage:  errMsg,
		SenderAddress: sender,
	}
}
