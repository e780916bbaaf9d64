package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NodeAddress is the overlay network address of a peer.
type NodeAddress string

// TradeRole tells which side of the trade we are on. Maker posted the offer,
// taker accepted it; buyer receives the traded asset, seller receives the
// counter currency.
type TradeRole int

const (
	BuyerAsMaker TradeRole = iota
	BuyerAsTaker
	SellerAsMaker
	SellerAsTaker
)

var tradeRoleNames = map[TradeRole]string{
	BuyerAsMaker:  "BUYER_AS_MAKER",
	BuyerAsTaker:  "BUYER_AS_TAKER",
	SellerAsMaker: "SELLER_AS_MAKER",
	SellerAsTaker: "SELLER_AS_TAKER",
}

func (r TradeRole) String() string {
	return tradeRoleNames[r]
}

// IsBuyer returns whether the role is on the buy side.
func (r TradeRole) IsBuyer() bool {
	return r == BuyerAsMaker || r == BuyerAsTaker
}

// IsMaker returns whether the role posted the original offer.
func (r TradeRole) IsMaker() bool {
	return r == BuyerAsMaker || r == SellerAsMaker
}

// Trade is the aggregate root for one negotiated exchange. It is owned by the
// trade manager; the protocol host holds a non-owning reference for the
// lifetime of the trade.
type Trade struct {
	Id              string
	OfferId         string
	Role            TradeRole
	Amount          uint64
	Price           decimal.Decimal
	TradeFee        uint64
	TakerFee        uint64
	PeerNodeAddress NodeAddress
	PeerPubKey      []byte

	State                TradeState
	DisputeState         DisputeState
	MediationResultState MediationResultState
	RefundResultState    RefundResultState
	PeriodState          TradePeriodState
	// MediationPenaltyApplied is set when a closed mediation result applied a
	// penalty to the seller, which blocks the seller's payment confirmation.
	MediationPenaltyApplied bool

	Contract          []byte
	MakerContractSig  []byte
	TakerContractSig  []byte
	DepositTxId       string
	DepositTx         []byte
	DelayedPayoutTxId string
	DelayedPayoutTx   []byte
	PayoutTxId        string
	PayoutTx          []byte

	// CounterCurrencyTxId is the reference of the fiat/altcoin transfer, set
	// by the buyer when starting the payment.
	CounterCurrencyTxId      string
	CounterCurrencyExtraData string
	ErrorMessage             string
	TakeOfferDate            int64

	Process *ProcessModel
}

// NewTrade returns a trade in the Preparation state with a fresh process
// model attached.
func NewTrade(offerId string, role TradeRole, amount uint64, price decimal.Decimal, peer NodeAddress) *Trade {
	id := uuid.New().String()
	return &Trade{
		Id:              id,
		OfferId:         offerId,
		Role:            role,
		Amount:          amount,
		Price:           price,
		PeerNodeAddress: peer,
		State:           StatePreparation,
		DisputeState:    NoDispute,
		TakeOfferDate:   time.Now().Unix(),
		Process:         NewProcessModel(id),
	}
}

// Phase returns the phase derived from the current state. It is never
// persisted independently.
func (t *Trade) Phase() TradePhase {
	return t.State.Phase()
}

// ToState transitions the trade to the given state. The transition is valid
// only if the target's phase is greater than or equal to the current phase;
// phase regression is rejected and leaves the trade untouched.
func (t *Trade) ToState(state TradeState) error {
	if state.Phase() < t.State.Phase() {
		return ErrPhaseRegression
	}
	t.State = state
	return nil
}

// IsBuyer returns whether we are the buyer in this trade.
func (t *Trade) IsBuyer() bool {
	return t.Role.IsBuyer()
}

// IsSeller returns whether we are the seller in this trade.
func (t *Trade) IsSeller() bool {
	return !t.Role.IsBuyer()
}

// IsCompleted returns whether the trade reached its terminal state.
func (t *Trade) IsCompleted() bool {
	return t.State == StateWithdrawCompleted
}

// HasFailed returns whether an error message has been attached to the trade.
func (t *Trade) HasFailed() bool {
	return t.ErrorMessage != ""
}

// SetErrorMessage attaches a user visible error to the trade. The trade stays
// in its last successfully reached state and remains inspectable.
func (t *Trade) SetErrorMessage(msg string) {
	t.ErrorMessage = msg
}

// PeriodStateAt returns the period state for the given instant, based on the
// take offer date and the allowed trade period.
func (t *Trade) PeriodStateAt(now time.Time, maxPeriod time.Duration) TradePeriodState {
	elapsed := now.Sub(time.Unix(t.TakeOfferDate, 0))
	switch {
	case elapsed >= maxPeriod:
		return TradePeriodExpired
	case elapsed >= maxPeriod/2:
		return TradePeriodHalfReached
	default:
		return TradePeriodNormal
	}
}

// ConfirmPermitted tells whether the local user may confirm the payment step
// (payment started for the buyer, payment received for the seller). The rule
// is asymmetric: the seller releases funds with the confirmation, so any
// active dispute blocks it, while the buyer is only blocked once the trade is
// in the hands of the refund agent.
func (t *Trade) ConfirmPermitted() bool {
	if t.IsBuyer() {
		return !t.DisputeState.IsArbitrated()
	}

	switch t.DisputeState {
	case NoDispute:
		return true
	case MediationClosed:
		return !t.MediationPenaltyApplied
	default:
		return false
	}
}

// ShortId returns the abbreviated trade id used in logs.
func (t *Trade) ShortId() string {
	if len(t.Id) <= 8 {
		return t.Id
	}
	return t.Id[:8]
}
