package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

// DefaultStepTimeout bounds message-triggered pipelines. User-triggered
// pipelines that contain a long-running reliable send are not bounded by it.
const DefaultStepTimeout = 2 * time.Minute

// DefaultMaxTradePeriod is the allowed trade duration before the trade counts
// as expired and should be taken to dispute resolution.
const DefaultMaxTradePeriod = 24 * time.Hour

// roleHandlers is the role-specific half of a trade protocol: it dispatches
// inbound trade messages by concrete type and re-arms pending work at
// startup. Implemented by the buyer and seller handler sets, which share the
// dispute handler set by composition.
type roleHandlers interface {
	onTradeMessage(msg domain.TradeMessage, sender domain.NodeAddress, fromMailbox bool)
	onInitialized()
}

// TradeProtocol hosts the protocol of a single trade: it routes inbound
// direct/mailbox messages and acks to the role handlers, owns the step
// timeout, serializes pipeline executions and manages the persistence side
// effects of transitions. It holds a non-owning reference to the trade for
// the trade's lifetime.
type TradeProtocol struct {
	trade    *domain.Trade
	process  *domain.ProcessModel
	services Services
	handlers roleHandlers

	// pipelineMu is the trade's serialization point: condition evaluation,
	// process model mutations and task pipelines all run holding it, one at a
	// time. A suspended pipeline releases it and re-acquires it to resume.
	// Ack processing deliberately bypasses it, so an ack can settle a message
	// state while a pipeline waits for exactly that.
	pipelineMu sync.Mutex

	ctx            context.Context
	cancel         context.CancelFunc
	stepTimeout    time.Duration
	maxTradePeriod time.Duration

	mu        sync.Mutex
	completed bool
}

func newTradeProtocol(trade *domain.Trade, services Services) *TradeProtocol {
	trade.Process.RestoreBus()
	stepTimeout := services.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	maxTradePeriod := services.MaxTradePeriod
	if maxTradePeriod <= 0 {
		maxTradePeriod = DefaultMaxTradePeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TradeProtocol{
		trade:          trade,
		process:        trade.Process,
		services:       services,
		ctx:            ctx,
		cancel:         cancel,
		stepTimeout:    stepTimeout,
		maxTradePeriod: maxTradePeriod,
	}
}

// NewBuyerProtocol returns the protocol instance for a trade where we are
// the buyer.
func NewBuyerProtocol(trade *domain.Trade, services Services) *TradeProtocol {
	p := newTradeProtocol(trade, services)
	p.handlers = &buyerHandlers{p: p, dispute: &disputeHandlers{p: p}}
	return p
}

// NewSellerProtocol returns the protocol instance for a trade where we are
// the seller.
func NewSellerProtocol(trade *domain.Trade, services Services) *TradeProtocol {
	p := newTradeProtocol(trade, services)
	p.handlers = &sellerHandlers{p: p, dispute: &disputeHandlers{p: p}}
	return p
}

// ProtocolFor returns the protocol matching the trade's role.
func ProtocolFor(trade *domain.Trade, services Services) *TradeProtocol {
	if trade.IsBuyer() {
		return NewBuyerProtocol(trade, services)
	}
	return NewSellerProtocol(trade, services)
}

// Trade returns the trade this protocol drives. The reference is live; use
// Snapshot for a copy safe to read outside the protocol.
func (p *TradeProtocol) Trade() *domain.Trade {
	return p.trade
}

// Snapshot returns a copy of the trade taken under the trade's serialization,
// safe to persist or inspect while the protocol keeps running.
func (p *TradeProtocol) Snapshot() *domain.Trade {
	var snapshot domain.Trade
	p.exclusive(func() {
		snapshot = *p.trade
		snapshot.Process = p.trade.Process.Clone()
	})
	return &snapshot
}

// exclusive runs fn holding the trade's serialization point.
func (p *TradeProtocol) exclusive(fn func()) {
	p.pipelineMu.Lock()
	defer p.pipelineMu.Unlock()
	fn()
}

// enqueue schedules fn on the trade's serialization point without blocking
// the caller. Inbound message dispatch and user operations go through here.
func (p *TradeProtocol) enqueue(fn func()) {
	go p.exclusive(fn)
}

// Initialize re-arms listeners and stuck sends appropriate to the trade's
// persisted phase. It uses given conditions, not expectations: a persisted
// trade may legitimately be in any valid phase at restart.
func (p *TradeProtocol) Initialize() {
	p.enqueue(p.handlers.onInitialized)
}

// OnDirectMessage is the entry point for decrypted messages received while
// online. Messages not addressed to this trade are ignored.
func (p *TradeProtocol) OnDirectMessage(
	msg domain.TradeMessage, senderPubKey []byte, sender domain.NodeAddress,
) {
	if ack, ok := msg.(*AckMessage); ok {
		p.OnAckMessage(ack, sender)
		return
	}
	if msg.GetTradeId() != p.trade.Id {
		return
	}
	p.enqueue(func() {
		p.rememberPeerPubKey(senderPubKey)
		p.handlers.onTradeMessage(msg, sender, false)
	})
}

// OnMailboxMessage is the entry point for decrypted messages picked up from
// the network mailbox. Messages for completed trades are purged without
// processing.
func (p *TradeProtocol) OnMailboxMessage(
	msg domain.TradeMessage, senderPubKey []byte, sender domain.NodeAddress,
) {
	if ack, ok := msg.(*AckMessage); ok {
		p.OnAckMessage(ack, sender)
		p.services.Messenger.RemoveMailboxMessage(msg)
		return
	}
	if msg.GetTradeId() != p.trade.Id {
		return
	}
	if p.isCompleted() {
		log.WithField("trade", p.trade.ShortId()).Debugf(
			"purging mailbox %T for completed trade", msg,
		)
		p.services.Messenger.RemoveMailboxMessage(msg)
		return
	}
	p.enqueue(func() {
		p.rememberPeerPubKey(senderPubKey)
		p.handlers.onTradeMessage(msg, sender, true)
	})
}

// OnAckMessage processes an application-level ack. A malformed or unexpected
// ack is logged and ignored; acks are answered even after trade completion so
// a late ack still settles the message state. Acks bypass the trade's
// serialization on purpose: a pipeline suspended on a reliable send is woken
// by exactly this path, through the process model's own synchronization.
func (p *TradeProtocol) OnAckMessage(ack *AckMessage, sender domain.NodeAddress) {
	if ack.SourceTradeId != p.trade.Id {
		return
	}

	topic, ok := topicForSourceType(ack.SourceMsgType)
	if !ok {
		log.WithField("trade", p.trade.ShortId()).Debugf(
			"received ack for %s from %s", ack.SourceMsgType, sender,
		)
		return
	}

	expectedUid := DeterministicUid(p.trade.Id, p.services.Messenger.MyAddress())
	if ack.SourceUid != expectedUid {
		log.WithField("trade", p.trade.ShortId()).Warnf(
			"ignoring ack with unexpected source uid %s for %s",
			ack.SourceUid, ack.SourceMsgType,
		)
		return
	}

	state := domain.MessageStateAcknowledged
	if !ack.Success {
		state = domain.MessageStateFailed
		log.WithField("trade", p.trade.ShortId()).Warnf(
			"peer nacked %s: %s", ack.SourceMsgType, ack.ErrorMessage,
		)
	}
	p.process.SetMessageState(topic, state)
	p.services.TradeManager.RequestPersistence(p.trade)
}

// OnWithdrawCompleted moves the trade to its terminal state, serialized with
// the trade's pipelines, and detaches the protocol.
func (p *TradeProtocol) OnWithdrawCompleted() error {
	var err error
	p.exclusive(func() {
		err = p.trade.ToState(domain.StateWithdrawCompleted)
	})
	if err != nil {
		return err
	}
	p.OnTradeCompleted()
	return nil
}

// OnTradeCompleted detaches the protocol from further trade message
// processing and cancels any pending timers and resend loops. Late acks are
// still answered through OnAckMessage.
func (p *TradeProtocol) OnTradeCompleted() {
	p.mu.Lock()
	p.completed = true
	p.mu.Unlock()
	p.cancel()
	p.services.TradeManager.OnTradeCompleted(p.trade)
}

// RefreshPeriodState recomputes how far into the allowed trade period the
// trade is and persists a change. Expiry does not cancel the trade; it is
// surfaced so the user can escalate to dispute resolution.
func (p *TradeProtocol) RefreshPeriodState() {
	p.enqueue(func() {
		if p.trade.IsCompleted() {
			return
		}
		next := p.trade.PeriodStateAt(time.Now(), p.maxTradePeriod)
		if next == p.trade.PeriodState {
			return
		}
		p.trade.PeriodState = next
		if next == domain.TradePeriodExpired {
			log.WithField("trade", p.trade.ShortId()).Warnf(
				"trade period of %s elapsed", p.maxTradePeriod,
			)
		}
		p.services.TradeManager.RequestPersistence(p.trade)
	})
}

// OnSharePaymentAccount hands our payment account data to the peer through
// the fast reliable send. Either side may share; the seller needs the buyer's
// data to verify the transfer, and both sides keep the peer's data for
// dispute resolution.
func (p *TradeProtocol) OnSharePaymentAccount(
	payload []byte, paymentMethodId string, onResult func(), onError func(errMsg string),
) {
	p.enqueue(func() {
		p.process.PaymentAccountPayload = payload
		p.process.PaymentMethodId = paymentMethodId

		c := p.expect().
			AnyPhase(domain.PhaseTakerFeePublished, domain.PhaseDepositPublished).
			OnEvent(PaymentAccountSharedEvent).
			With(PreCondition{
				OK:     func() bool { return len(payload) > 0 },
				Reason: "empty payment account payload",
			})
		p.executeTasks(c, []Task{&SendPaymentAccountPayload{}}, execOpts{
			onSuccess: onResult,
			onFailure: onError,
		})
	})
}

// rearmPaymentAccountSend retries a payment account share that never got
// acked. Called by both roles' startup re-arm.
func (p *TradeProtocol) rearmPaymentAccountSend() {
	c := p.given().
		AnyPhase(domain.PhaseTakerFeePublished, domain.PhaseDepositPublished).
		With(PreCondition{
			OK: func() bool {
				state := p.process.MessageStateFor(domain.PaymentAccountMessageTopic)
				return len(p.process.PaymentAccountPayload) > 0 &&
					state != domain.MessageStateUndefined &&
					state != domain.MessageStateAcknowledged
			},
			Reason: "payment account payload already acked or never sent",
		})
	p.executeTasks(c, []Task{&SendPaymentAccountPayload{}}, execOpts{})
}

func (p *TradeProtocol) isCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

func (p *TradeProtocol) rememberPeerPubKey(pubKey []byte) {
	if len(pubKey) > 0 && len(p.trade.PeerPubKey) == 0 {
		p.trade.PeerPubKey = pubKey
	}
}

// expect builds a condition whose failure is logged and surfaced to the
// protocol's fault handling.
func (p *TradeProtocol) expect() *Condition {
	return newCondition(p.trade, true)
}

// given builds a condition that evaluates silently, for non-error "maybe
// retry this on startup" checks.
func (p *TradeProtocol) given() *Condition {
	return newCondition(p.trade, false)
}

// execOpts tunes one pipeline execution.
type execOpts struct {
	// withTimeout bounds the pipeline with the host's step timeout.
	withTimeout bool
	// fromMailbox marks that the triggering message came from the mailbox and
	// must be removed from it on success.
	fromMailbox bool
	onSuccess   func()
	onFailure   func(errMsg string)
}

// executeTasks evaluates the condition and, if valid, runs the task pipeline.
// The caller must hold the trade's serialization point; evaluation, the
// process model side effects and the pipeline all happen inside it, so a
// second trigger for the trade cannot interleave. On success tied to an
// inbound message a positive ack is sent and a mailbox message is removed; on
// failure a negative ack carrying the error is sent when the peer pub key is
// known, the timeout is stopped and the trade keeps its last reached state
// with the error message attached.
func (p *TradeProtocol) executeTasks(c *Condition, tasks []Task, opts execOpts) {
	if result := c.Result(); !result.IsValid() {
		p.handleInvalidCondition(c, result, opts)
		return
	}

	// Side effect of a valid condition: resolved peer and message go into the
	// process model before task execution.
	if c.peer != "" {
		p.process.TempTradingPeerNodeAddress = c.peer
	}
	if c.message != nil {
		p.process.TradeMessage = c.message
	}
	p.services.TradeManager.RequestPersistence(p.trade)

	runCtx, cancelRun := context.WithCancel(p.ctx)

	var timeout *time.Timer
	if opts.withTimeout {
		timeout = time.AfterFunc(p.stepTimeout, func() {
			// A timeout cancels the pending operation and records an error,
			// but does not force a state change: the direct message listener
			// stays attached so a later message can still resume the trade.
			cancelRun()
			p.exclusive(func() {
				log.WithField("trade", p.trade.ShortId()).Warnf(
					"protocol step timed out after %s", p.stepTimeout,
				)
				p.trade.SetErrorMessage(fmt.Sprintf(
					"protocol step timed out after %s", p.stepTimeout,
				))
				p.services.TradeManager.RequestPersistence(p.trade)
			})
		})
	}
	stopTimeout := func() {
		if timeout != nil {
			timeout.Stop()
		}
	}

	onCompleted := func() {
		stopTimeout()
		cancelRun()
		if c.message != nil {
			p.sendAckMessage(c.message, true, "")
			if opts.fromMailbox {
				p.services.Messenger.RemoveMailboxMessage(c.message)
			}
		}
		p.services.TradeManager.RequestPersistence(p.trade)
		if opts.onSuccess != nil {
			opts.onSuccess()
		}
	}
	onFailed := func(errMsg string) {
		stopTimeout()
		cancelRun()
		p.trade.SetErrorMessage(errMsg)
		if c.message != nil {
			p.sendAckMessage(c.message, false, errMsg)
		}
		p.services.TradeManager.RequestPersistence(p.trade)
		if opts.onFailure != nil {
			opts.onFailure(errMsg)
		}
	}

	runner := NewTaskRunner(p.trade, tasks, onCompleted, onFailed)
	tc := &TaskContext{
		Ctx:       runCtx,
		HostCtx:   p.ctx,
		Trade:     p.trade,
		Process:   p.process,
		Services:  p.services,
		Exclusive: p.exclusive,
	}
	runner.Run(tc)
}

func (p *TradeProtocol) handleInvalidCondition(
	c *Condition, result ConditionResult, opts execOpts,
) {
	if c.expectation {
		log.WithField("trade", p.trade.ShortId()).Warnf(
			"rejected protocol step: %s: %s", result, c.Reason(),
		)
	} else {
		log.WithField("trade", p.trade.ShortId()).Debugf(
			"skipped protocol step: %s: %s", result, c.Reason(),
		)
	}
	if opts.onFailure != nil {
		opts.onFailure(c.Reason())
	}
}

// sendAckMessage reports the processing outcome of an inbound message back to
// the peer. It requires a known peer pub key; without one the ack is skipped.
func (p *TradeProtocol) sendAckMessage(msg domain.TradeMessage, success bool, errMsg string) {
	peer := p.process.TempTradingPeerNodeAddress
	if peer == "" {
		peer = p.trade.PeerNodeAddress
	}
	if len(p.trade.PeerPubKey) == 0 {
		log.WithField("trade", p.trade.ShortId()).Warnf(
			"cannot ack %T, peer pub key unknown", msg,
		)
		return
	}

	ack := NewAckMessage(
		msg, messageTypeName(msg), p.services.Messenger.MyAddress(), success, errMsg,
	)
	log.WithField("trade", p.trade.ShortId()).Debugf(
		"sending ack(success=%v) for %T to %s", success, msg, peer,
	)
	p.services.Messenger.SendEncryptedMailboxMessage(
		peer, p.trade.PeerPubKey, ack, loggingSendListener{p.trade.ShortId()},
	)
}

// loggingSendListener is used for acks: their delivery outcome only matters
// for logs, reliability comes from the sender's resend loop.
type loggingSendListener struct {
	tradeId string
}

func (l loggingSendListener) OnArrived() {}

func (l loggingSendListener) OnStoredInMailbox() {}

func (l loggingSendListener) OnFault(err error) {
	log.WithField("trade", l.tradeId).WithError(err).Warn("sending ack failed")
}

// messageTypeName is the stable name both peers use to correlate acks with
// their source message type.
func messageTypeName(msg domain.TradeMessage) string {
	switch msg.(type) {
	case *DepositTxAndDelayedPayoutTxMessage:
		return "DepositTxAndDelayedPayoutTxMessage"
	case *CounterCurrencyTransferStartedMessage:
		return "CounterCurrencyTransferStartedMessage"
	case *PayoutTxPublishedMessage:
		return "PayoutTxPublishedMessage"
	case *PaymentAccountPayloadMessage:
		return "PaymentAccountPayloadMessage"
	case *MediatedPayoutTxSignatureMessage:
		return "MediatedPayoutTxSignatureMessage"
	case *MediatedPayoutTxPublishedMessage:
		return "MediatedPayoutTxPublishedMessage"
	case *PeerPublishedDelayedPayoutTxMessage:
		return "PeerPublishedDelayedPayoutTxMessage"
	default:
		return fmt.Sprintf("%T", msg)
	}
}

// topicForSourceType maps an ack's source message type to the long-running
// message state it settles, if any.
func topicForSourceType(sourceType string) (domain.MessageStateTopic, bool) {
	switch sourceType {
	case "CounterCurrencyTransferStartedMessage":
		return domain.PaymentStartedMessageTopic, true
	case "DepositTxAndDelayedPayoutTxMessage":
		return domain.DepositTxMessageTopic, true
	case "PaymentAccountPayloadMessage":
		return domain.PaymentAccountMessageTopic, true
	default:
		return "", false
	}
}
