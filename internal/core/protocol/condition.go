package protocol

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

// ConditionResult is the verdict of evaluating a protocol condition.
type ConditionResult int

const (
	ResultValid ConditionResult = iota
	ResultInvalidPhase
	ResultInvalidState
	ResultInvalidPreCondition
	ResultInvalidTradeId
)

var conditionResultNames = map[ConditionResult]string{
	ResultValid:               "VALID",
	ResultInvalidPhase:        "INVALID_PHASE",
	ResultInvalidState:        "INVALID_STATE",
	ResultInvalidPreCondition: "INVALID_PRE_CONDITION",
	ResultInvalidTradeId:      "INVALID_TRADE_ID",
}

func (r ConditionResult) String() string {
	return conditionResultNames[r]
}

// IsValid returns whether the condition passed.
func (r ConditionResult) IsValid() bool {
	return r == ResultValid
}

// PreCondition is a named boolean guard evaluated as part of a condition.
// OnFail, if set, runs when the guard fails during evaluation.
type PreCondition struct {
	OK     func() bool
	Reason string
	OnFail func()
}

// TradeEvent is a user or system initiated trigger evaluated through the same
// condition machinery as inbound messages.
type TradeEvent string

const (
	PaymentStartedEvent          TradeEvent = "PAYMENT_STARTED"
	PaymentReceivedEvent         TradeEvent = "PAYMENT_RECEIVED"
	PaymentAccountSharedEvent    TradeEvent = "PAYMENT_ACCOUNT_SHARED"
	MediationResultAcceptedEvent TradeEvent = "MEDIATION_RESULT_ACCEPTED"
	ArbitrationRequestedEvent    TradeEvent = "ARBITRATION_REQUESTED"
)

// Condition is a single-use, declarative precondition for one protocol step.
// It is built from phase/state sets, boolean guards and the triggering
// message or event, then evaluated exactly once: the first call to Result
// freezes it, later mutators are ignored.
type Condition struct {
	trade *domain.Trade

	// expectation conditions log and surface failures; non-expectation
	// ("given") conditions evaluate silently and are used for startup
	// re-arm checks where any persisted phase is legitimate.
	expectation bool

	phases        []domain.TradePhase
	states        []domain.TradeState
	preConditions []PreCondition
	message       domain.TradeMessage
	event         TradeEvent
	peer          domain.NodeAddress

	evaluated bool
	result    ConditionResult
	reason    string
}

func newCondition(trade *domain.Trade, expectation bool) *Condition {
	return &Condition{trade: trade, expectation: expectation}
}

func (c *Condition) frozen(op string) bool {
	if c.evaluated {
		log.Warnf("condition for trade %s already evaluated, ignoring %s", c.trade.ShortId(), op)
		return true
	}
	return false
}

// AnyPhase restricts the condition to the given phases.
func (c *Condition) AnyPhase(phases ...domain.TradePhase) *Condition {
	if !c.frozen("AnyPhase") {
		c.phases = append(c.phases, phases...)
	}
	return c
}

// AnyState restricts the condition to the given states. If no state set is
// declared only the phase is checked.
func (c *Condition) AnyState(states ...domain.TradeState) *Condition {
	if !c.frozen("AnyState") {
		c.states = append(c.states, states...)
	}
	return c
}

// With adds a boolean guard.
func (c *Condition) With(pre PreCondition) *Condition {
	if !c.frozen("With") {
		c.preConditions = append(c.preConditions, pre)
	}
	return c
}

// OnMessage sets the triggering message.
func (c *Condition) OnMessage(msg domain.TradeMessage) *Condition {
	if !c.frozen("OnMessage") {
		c.message = msg
	}
	return c
}

// OnEvent sets the triggering event.
func (c *Condition) OnEvent(ev TradeEvent) *Condition {
	if !c.frozen("OnEvent") {
		c.event = ev
	}
	return c
}

// From sets the resolved peer address of the trigger.
func (c *Condition) From(peer domain.NodeAddress) *Condition {
	if !c.frozen("From") {
		c.peer = peer
	}
	return c
}

// Result evaluates the condition. Evaluation order: trade-id match first
// (fails fast), then phase membership, then state membership, then the
// declared boolean guards. The result is memoized; the condition cannot be
// extended afterwards.
func (c *Condition) Result() ConditionResult {
	if c.evaluated {
		return c.result
	}
	c.evaluated = true
	c.result, c.reason = c.evaluate()
	return c.result
}

// Reason returns the diagnostic string of a failed evaluation.
func (c *Condition) Reason() string {
	return c.reason
}

func (c *Condition) evaluate() (ConditionResult, string) {
	if c.message != nil && c.message.GetTradeId() != c.trade.Id {
		return ResultInvalidTradeId, fmt.Sprintf(
			"message with trade id %s does not belong to trade %s",
			c.message.GetTradeId(), c.trade.Id,
		)
	}

	if len(c.phases) > 0 && !c.phaseAllowed() {
		return ResultInvalidPhase, fmt.Sprintf(
			"trade %s is in phase %s, expected any of %v (trigger: %s)",
			c.trade.ShortId(), c.trade.Phase(), c.phases, c.trigger(),
		)
	}

	if len(c.states) > 0 && !c.stateAllowed() {
		return ResultInvalidState, fmt.Sprintf(
			"trade %s is in state %s, expected any of %v (trigger: %s)",
			c.trade.ShortId(), c.trade.State, c.states, c.trigger(),
		)
	}

	for _, pre := range c.preConditions {
		if !pre.OK() {
			if pre.OnFail != nil {
				pre.OnFail()
			}
			return ResultInvalidPreCondition, fmt.Sprintf(
				"precondition failed for trade %s: %s", c.trade.ShortId(), pre.Reason,
			)
		}
	}

	return ResultValid, ""
}

func (c *Condition) phaseAllowed() bool {
	current := c.trade.Phase()
	for _, p := range c.phases {
		if p == current {
			return true
		}
	}
	return false
}

func (c *Condition) stateAllowed() bool {
	for _, s := range c.states {
		if s == c.trade.State {
			return true
		}
	}
	return false
}

func (c *Condition) trigger() string {
	if c.message != nil {
		return fmt.Sprintf("%T", c.message)
	}
	if c.event != "" {
		return string(c.event)
	}
	return "none"
}
