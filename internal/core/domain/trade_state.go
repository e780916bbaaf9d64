package domain

import "fmt"

// TradePhase is the coarse, externally meaningful milestone of a trade.
// Phases are totally ordered and a trade can never move back to a lower one.
type TradePhase int

const (
	PhaseInit TradePhase = iota
	PhaseTakerFeePublished
	PhaseDepositPublished
	PhaseDepositConfirmed
	PhaseFiatSent
	PhaseFiatReceived
	PhasePayoutPublished
	PhaseWithdrawn
)

var tradePhaseNames = map[TradePhase]string{
	PhaseInit:              "INIT",
	PhaseTakerFeePublished: "TAKER_FEE_PUBLISHED",
	PhaseDepositPublished:  "DEPOSIT_PUBLISHED",
	PhaseDepositConfirmed:  "DEPOSIT_CONFIRMED",
	PhaseFiatSent:          "FIAT_SENT",
	PhaseFiatReceived:      "FIAT_RECEIVED",
	PhasePayoutPublished:   "PAYOUT_PUBLISHED",
	PhaseWithdrawn:         "WITHDRAWN",
}

func (p TradePhase) String() string {
	if s, ok := tradePhaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_PHASE(%d)", int(p))
}

// TradeState is the fine-grained step marker of a trade. Every state belongs
// to exactly one phase. State transitions within the same phase refine detail,
// transitions across phases must move strictly forward.
type TradeState int

const (
	StatePreparation TradeState = iota

	// Taker fee published.
	StateTakerPublishedTakerFeeTx
	StateMakerSentPublishDepositTxRequest
	StateMakerSawArrivedPublishDepositTxRequest
	StateMakerStoredInMailboxPublishDepositTxRequest
	StateMakerSendFailedPublishDepositTxRequest
	StateTakerReceivedPublishDepositTxRequest

	// Deposit published on the blockchain.
	StateSellerPublishedDepositTx
	StateSellerSentDepositTxPublishedMsg
	StateSellerSawArrivedDepositTxPublishedMsg
	StateSellerStoredInMailboxDepositTxPublishedMsg
	StateSellerSendFailedDepositTxPublishedMsg
	StateBuyerReceivedDepositTxPublishedMsg
	StateBuyerSawDepositTxInNetwork

	// Deposit confirmed.
	StateDepositConfirmedInBlockchain

	// Fiat (or altcoin) sent by the buyer.
	StateBuyerConfirmedPaymentInitiated
	StateBuyerSentCounterCurrencyTransferStartedMsg
	StateBuyerSawArrivedCounterCurrencyTransferStartedMsg
	StateBuyerStoredInMailboxCounterCurrencyTransferStartedMsg
	StateBuyerSendFailedCounterCurrencyTransferStartedMsg
	StateSellerReceivedCounterCurrencyTransferStartedMsg

	// Fiat receipt confirmed by the seller.
	StateSellerConfirmedPaymentReceipt

	// Payout published.
	StateSellerPublishedPayoutTx
	StateSellerSentPayoutTxPublishedMsg
	StateSellerSawArrivedPayoutTxPublishedMsg
	StateSellerStoredInMailboxPayoutTxPublishedMsg
	StateSellerSendFailedPayoutTxPublishedMsg
	StateBuyerReceivedPayoutTxPublishedMsg
	StateBuyerSawPayoutTxInNetwork

	// Funds moved out of the trade wallet.
	StateWithdrawCompleted
)

// statePhases maps every TradeState to its phase. Indexed by state value, so
// it must stay in sync with the const block above.
var statePhases = [...]TradePhase{
	StatePreparation: PhaseInit,

	StateTakerPublishedTakerFeeTx:                    PhaseTakerFeePublished,
	StateMakerSentPublishDepositTxRequest:            PhaseTakerFeePublished,
	StateMakerSawArrivedPublishDepositTxRequest:      PhaseTakerFeePublished,
	StateMakerStoredInMailboxPublishDepositTxRequest: PhaseTakerFeePublished,
	StateMakerSendFailedPublishDepositTxRequest:      PhaseTakerFeePublished,
	StateTakerReceivedPublishDepositTxRequest:        PhaseTakerFeePublished,

	StateSellerPublishedDepositTx:                   PhaseDepositPublished,
	StateSellerSentDepositTxPublishedMsg:            PhaseDepositPublished,
	StateSellerSawArrivedDepositTxPublishedMsg:      PhaseDepositPublished,
	StateSellerStoredInMailboxDepositTxPublishedMsg: PhaseDepositPublished,
	StateSellerSendFailedDepositTxPublishedMsg:      PhaseDepositPublished,
	StateBuyerReceivedDepositTxPublishedMsg:         PhaseDepositPublished,
	StateBuyerSawDepositTxInNetwork:                 PhaseDepositPublished,

	StateDepositConfirmedInBlockchain: PhaseDepositConfirmed,

	StateBuyerConfirmedPaymentInitiated:                        PhaseFiatSent,
	StateBuyerSentCounterCurrencyTransferStartedMsg:            PhaseFiatSent,
	StateBuyerSawArrivedCounterCurrencyTransferStartedMsg:      PhaseFiatSent,
	StateBuyerStoredInMailboxCounterCurrencyTransferStartedMsg: PhaseFiatSent,
	StateBuyerSendFailedCounterCurrencyTransferStartedMsg:      PhaseFiatSent,
	StateSellerReceivedCounterCurrencyTransferStartedMsg:       PhaseFiatSent,

	StateSellerConfirmedPaymentReceipt: PhaseFiatReceived,

	StateSellerPublishedPayoutTx:                   PhasePayoutPublished,
	StateSellerSentPayoutTxPublishedMsg:            PhasePayoutPublished,
	StateSellerSawArrivedPayoutTxPublishedMsg:      PhasePayoutPublished,
	StateSellerStoredInMailboxPayoutTxPublishedMsg: PhasePayoutPublished,
	StateSellerSendFailedPayoutTxPublishedMsg:      PhasePayoutPublished,
	StateBuyerReceivedPayoutTxPublishedMsg:         PhasePayoutPublished,
	StateBuyerSawPayoutTxInNetwork:                 PhasePayoutPublished,

	StateWithdrawCompleted: PhaseWithdrawn,
}

// Phase returns the phase the state belongs to.
func (s TradeState) Phase() TradePhase {
	if int(s) < 0 || int(s) >= len(statePhases) {
		return PhaseInit
	}
	return statePhases[s]
}

var tradeStateNames = map[TradeState]string{
	StatePreparation:                                 "PREPARATION",
	StateTakerPublishedTakerFeeTx:                    "TAKER_PUBLISHED_TAKER_FEE_TX",
	StateMakerSentPublishDepositTxRequest:            "MAKER_SENT_PUBLISH_DEPOSIT_TX_REQUEST",
	StateMakerSawArrivedPublishDepositTxRequest:      "MAKER_SAW_ARRIVED_PUBLISH_DEPOSIT_TX_REQUEST",
	StateMakerStoredInMailboxPublishDepositTxRequest: "MAKER_STORED_IN_MAILBOX_PUBLISH_DEPOSIT_TX_REQUEST",
	StateMakerSendFailedPublishDepositTxRequest:      "MAKER_SEND_FAILED_PUBLISH_DEPOSIT_TX_REQUEST",
	StateTakerReceivedPublishDepositTxRequest:        "TAKER_RECEIVED_PUBLISH_DEPOSIT_TX_REQUEST",

	StateSellerPublishedDepositTx:                   "SELLER_PUBLISHED_DEPOSIT_TX",
	StateSellerSentDepositTxPublishedMsg:            "SELLER_SENT_DEPOSIT_TX_PUBLISHED_MSG",
	StateSellerSawArrivedDepositTxPublishedMsg:      "SELLER_SAW_ARRIVED_DEPOSIT_TX_PUBLISHED_MSG",
	StateSellerStoredInMailboxDepositTxPublishedMsg: "SELLER_STORED_IN_MAILBOX_DEPOSIT_TX_PUBLISHED_MSG",
	StateSellerSendFailedDepositTxPublishedMsg:      "SELLER_SEND_FAILED_DEPOSIT_TX_PUBLISHED_MSG",
	StateBuyerReceivedDepositTxPublishedMsg:         "BUYER_RECEIVED_DEPOSIT_TX_PUBLISHED_MSG",
	StateBuyerSawDepositTxInNetwork:                 "BUYER_SAW_DEPOSIT_TX_IN_NETWORK",

	StateDepositConfirmedInBlockchain: "DEPOSIT_CONFIRMED_IN_BLOCKCHAIN",

	StateBuyerConfirmedPaymentInitiated:                        "BUYER_CONFIRMED_PAYMENT_INITIATED",
	StateBuyerSentCounterCurrencyTransferStartedMsg:            "BUYER_SENT_COUNTER_CURRENCY_TRANSFER_STARTED_MSG",
	StateBuyerSawArrivedCounterCurrencyTransferStartedMsg:      "BUYER_SAW_ARRIVED_COUNTER_CURRENCY_TRANSFER_STARTED_MSG",
	StateBuyerStoredInMailboxCounterCurrencyTransferStartedMsg: "BUYER_STORED_IN_MAILBOX_COUNTER_CURRENCY_TRANSFER_STARTED_MSG",
	StateBuyerSendFailedCounterCurrencyTransferStartedMsg:      "BUYER_SEND_FAILED_COUNTER_CURRENCY_TRANSFER_STARTED_MSG",
	StateSellerReceivedCounterCurrencyTransferStartedMsg:       "SELLER_RECEIVED_COUNTER_CURRENCY_TRANSFER_STARTED_MSG",

	StateSellerConfirmedPaymentReceipt: "SELLER_CONFIRMED_PAYMENT_RECEIPT",

	StateSellerPublishedPayoutTx:                   "SELLER_PUBLISHED_PAYOUT_TX",
	StateSellerSentPayoutTxPublishedMsg:            "SELLER_SENT_PAYOUT_TX_PUBLISHED_MSG",
	StateSellerSawArrivedPayoutTxPublishedMsg:      "SELLER_SAW_ARRIVED_PAYOUT_TX_PUBLISHED_MSG",
	StateSellerStoredInMailboxPayoutTxPublishedMsg: "SELLER_STORED_IN_MAILBOX_PAYOUT_TX_PUBLISHED_MSG",
	StateSellerSendFailedPayoutTxPublishedMsg:      "SELLER_SEND_FAILED_PAYOUT_TX_PUBLISHED_MSG",
	StateBuyerReceivedPayoutTxPublishedMsg:         "BUYER_RECEIVED_PAYOUT_TX_PUBLISHED_MSG",
	StateBuyerSawPayoutTxInNetwork:                 "BUYER_SAW_PAYOUT_TX_IN_NETWORK",

	StateWithdrawCompleted: "WITHDRAW_COMPLETED",
}

func (s TradeState) String() string {
	if name, ok := tradeStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_STATE(%d)", int(s))
}

// DisputeState tracks the dispute escalation tier of a trade. Mediation and
// refund (arbitration) are two independent escalation tiers, each with its own
// result sub-state tracked on the trade.
type DisputeState int

const (
	NoDispute DisputeState = iota
	DisputeRequested
	DisputeStartedByPeer
	DisputeClosed
	MediationRequested
	MediationStartedByPeer
	MediationClosed
	RefundRequested
	RefundRequestStartedByPeer
	RefundRequestClosed
)

var disputeStateNames = map[DisputeState]string{
	NoDispute:                  "NO_DISPUTE",
	DisputeRequested:           "DISPUTE_REQUESTED",
	DisputeStartedByPeer:       "DISPUTE_STARTED_BY_PEER",
	DisputeClosed:              "DISPUTE_CLOSED",
	MediationRequested:         "MEDIATION_REQUESTED",
	MediationStartedByPeer:     "MEDIATION_STARTED_BY_PEER",
	MediationClosed:            "MEDIATION_CLOSED",
	RefundRequested:            "REFUND_REQUESTED",
	RefundRequestStartedByPeer: "REFUND_REQUEST_STARTED_BY_PEER",
	RefundRequestClosed:        "REFUND_REQUEST_CLOSED",
}

func (d DisputeState) String() string {
	if s, ok := disputeStateNames[d]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_DISPUTE_STATE(%d)", int(d))
}

// IsArbitrated reports whether the trade escalated to the refund agent tier.
func (d DisputeState) IsArbitrated() bool {
	return d == RefundRequested ||
		d == RefundRequestStartedByPeer ||
		d == RefundRequestClosed
}

// IsMediated reports whether the trade entered the mediation tier.
func (d DisputeState) IsMediated() bool {
	return d == MediationRequested ||
		d == MediationStartedByPeer ||
		d == MediationClosed
}

// MediationResultState tracks progress of the mediated payout signature
// exchange, independently of TradeState.
type MediationResultState int

const (
	MediationResultUndefined MediationResultState = iota
	MediationResultAccepted
	MediationResultSigMsgSent
	MediationResultSigMsgArrived
	MediationResultSigMsgInMailbox
	MediationResultSigMsgSendFailed
	MediationResultReceivedSigMsg
	MediationResultPayoutTxPublished
)

// RefundResultState tracks progress of the arbitration (refund agent) path.
type RefundResultState int

const (
	RefundResultUndefined RefundResultState = iota
	RefundResultRequested
	RefundResultDelayedPayoutTxPublished
	RefundResultClosed
)

// TradePeriodState tells how far into the allowed trade period we are.
type TradePeriodState int

const (
	TradePeriodNormal TradePeriodState = iota
	TradePeriodHalfReached
	TradePeriodExpired
)

// MessageState is the delivery state of one long-running reliable send
// tracked on the ProcessModel.
type MessageState int

const (
	MessageStateUndefined MessageState = iota
	MessageStateSent
	MessageStateArrived
	MessageStateStoredInMailbox
	MessageStateAcknowledged
	MessageStateFailed
)

var messageStateNames = map[MessageState]string{
	MessageStateUndefined:       "UNDEFINED",
	MessageStateSent:            "SENT",
	MessageStateArrived:         "ARRIVED",
	MessageStateStoredInMailbox: "STORED_IN_MAILBOX",
	MessageStateAcknowledged:    "ACKNOWLEDGED",
	MessageStateFailed:          "FAILED",
}

func (m MessageState) String() string {
	if s, ok := messageStateNames[m]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_MESSAGE_STATE(%d)", int(m))
}
