package domain

import (
	"fmt"
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/thanhpk/randstr"
)

// TradeMessage is the minimal view of a protocol message the domain needs to
// keep around: every trade message carries the id of the trade it belongs to
// and a unique id used for acking and mailbox deduplication.
type TradeMessage interface {
	GetTradeId() string
	GetUid() string
}

// MessageStateTopic identifies one of the long-running reliable sends whose
// delivery state is tracked on the process model.
type MessageStateTopic string

const (
	// PaymentStartedMessageTopic tracks the buyer's counter-currency transfer
	// started message.
	PaymentStartedMessageTopic MessageStateTopic = "paymentStartedMessageState"
	// DepositTxMessageTopic tracks the seller's deposit-tx-and-delayed-payout-tx
	// message.
	DepositTxMessageTopic MessageStateTopic = "depositTxMessageState"
	// PaymentAccountMessageTopic tracks the payment account payload share.
	PaymentAccountMessageTopic MessageStateTopic = "paymentAccountMessageState"
)

// TradingPeer collects everything we learned about the counterparty during
// the trade: payment data, signatures and nonces exchanged by the protocol
// tasks.
type TradingPeer struct {
	PaymentAccountPayload     []byte
	PaymentMethodId           string
	AccountId                 string
	PubKey                    []byte
	ContractSignature         []byte
	PayoutAddress             string
	PayoutTxSignature         []byte
	MediatedPayoutTxSignature []byte
	Nonce                     string
}

// ProcessModel is the per-trade scratch space shared by all tasks of a trade.
// It is created once at trade creation, mutated by tasks throughout the
// trade's life and persisted alongside the trade. The runtime event bus is
// not persisted; it is re-created when the model is loaded. The message state
// fields carry their own lock because ack processing updates them outside the
// trade's serialization point.
type ProcessModel struct {
	TradeId     string
	TradingPeer *TradingPeer

	PaymentStartedMessageState MessageState
	DepositTxMessageState      MessageState
	PaymentAccountMessageState MessageState

	// PaymentAccountPayload and PaymentMethodId are our own account data,
	// shared with the peer early in the trade. The peer's copy lives on
	// TradingPeer.
	PaymentAccountPayload []byte
	PaymentMethodId       string

	// PayoutTxSignature is our own signature over the regular payout tx,
	// MediatedPayoutTxSignature the one over the mediator's proposal.
	PayoutTxSignature         []byte
	MediatedPayoutTxSignature []byte
	// MediatedPayoutTx is the finalized mediated payout, kept until broadcast.
	MediatedPayoutTx []byte

	// TempTradingPeerNodeAddress is the resolved sender of the message that
	// triggered the current pipeline.
	TempTradingPeerNodeAddress NodeAddress

	// TradeMessage is the message that triggered the current pipeline, if any.
	TradeMessage TradeMessage `json:"-"`

	mu  sync.Mutex
	bus EventBus.Bus
}

// NewProcessModel returns a process model for the given trade with a fresh
// peer record and nonce.
func NewProcessModel(tradeId string) *ProcessModel {
	return &ProcessModel{
		TradeId:     tradeId,
		TradingPeer: &TradingPeer{Nonce: randstr.Hex(16)},
		bus:         EventBus.New(),
	}
}

// RestoreBus re-creates the runtime event bus after the model has been
// loaded from storage.
func (m *ProcessModel) RestoreBus() {
	if m.bus == nil {
		m.bus = EventBus.New()
	}
	if m.TradingPeer == nil {
		m.TradingPeer = &TradingPeer{Nonce: randstr.Hex(16)}
	}
}

// Clone returns a copy of the model safe to persist or inspect while the
// original keeps being mutated. The runtime bus and the transient trigger
// message are not carried over.
func (m *ProcessModel) Clone() *ProcessModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := &ProcessModel{
		TradeId:                    m.TradeId,
		PaymentStartedMessageState: m.PaymentStartedMessageState,
		DepositTxMessageState:      m.DepositTxMessageState,
		PaymentAccountMessageState: m.PaymentAccountMessageState,
		PaymentAccountPayload:      m.PaymentAccountPayload,
		PaymentMethodId:            m.PaymentMethodId,
		PayoutTxSignature:          m.PayoutTxSignature,
		MediatedPayoutTxSignature:  m.MediatedPayoutTxSignature,
		MediatedPayoutTx:           m.MediatedPayoutTx,
		TempTradingPeerNodeAddress: m.TempTradingPeerNodeAddress,
	}
	if m.TradingPeer != nil {
		peer := *m.TradingPeer
		clone.TradingPeer = &peer
	}
	return clone
}

func (m *ProcessModel) topicKey(topic MessageStateTopic) string {
	return fmt.Sprintf("%s:%s", m.TradeId, topic)
}

// MessageStateFor returns the current delivery state for the given topic.
func (m *ProcessModel) MessageStateFor(topic MessageStateTopic) MessageState {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch topic {
	case PaymentStartedMessageTopic:
		return m.PaymentStartedMessageState
	case DepositTxMessageTopic:
		return m.DepositTxMessageState
	case PaymentAccountMessageTopic:
		return m.PaymentAccountMessageState
	default:
		return MessageStateUndefined
	}
}

// SetMessageState updates the delivery state for the given topic and notifies
// the subscribed listeners.
func (m *ProcessModel) SetMessageState(topic MessageStateTopic, state MessageState) {
	m.mu.Lock()
	switch topic {
	case PaymentStartedMessageTopic:
		m.PaymentStartedMessageState = state
	case DepositTxMessageTopic:
		m.DepositTxMessageState = state
	case PaymentAccountMessageTopic:
		m.PaymentAccountMessageState = state
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(m.topicKey(topic), state)
	}
}

// SubscribeMessageState registers a listener for delivery state changes of
// the given topic. The listener is invoked asynchronously with respect to the
// publisher.
func (m *ProcessModel) SubscribeMessageState(topic MessageStateTopic, fn func(MessageState)) error {
	m.RestoreBus()
	return m.bus.SubscribeAsync(m.topicKey(topic), fn, false)
}

// UnsubscribeMessageState removes a previously registered listener.
func (m *ProcessModel) UnsubscribeMessageState(topic MessageStateTopic, fn func(MessageState)) error {
	if m.bus == nil {
		return nil
	}
	return m.bus.Unsubscribe(m.topicKey(topic), fn)
}
