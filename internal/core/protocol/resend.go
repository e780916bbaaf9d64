package protocol

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	"github.com/peertrade-network/peertrade-daemon/internal/core/ports"
)

// ResendPolicy drives the retry loop of one reliable send: exponential
// backoff starting at BaseDelay, doubling after each attempt, capped at
// MaxAttempts. FailOnExhaustion decides whether running out of attempts is a
// hard failure of the owning operation or just leaves a send-failed marker on
// the trade.
type ResendPolicy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	FailOnExhaustion bool
}

// DelayFor returns the backoff delay scheduled after the given attempt
// (1-based): BaseDelay * 2^(attempt-1).
func (p ResendPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << uint(attempt-1)
}

// ResendPolicies holds the per-message-type retry configuration. The values
// reflect how time-critical each step is: the deposit tx and payment account
// messages block the peer's next step and retry fast, the payment started
// message covers a days-long fiat settlement window and retries slowly.
type ResendPolicies struct {
	DepositTx      ResendPolicy
	PaymentStarted ResendPolicy
	PaymentAccount ResendPolicy
}

// DefaultResendPolicies returns the standard per-message-type retry settings.
func DefaultResendPolicies() ResendPolicies {
	return ResendPolicies{
		DepositTx:      ResendPolicy{MaxAttempts: 7, BaseDelay: 4 * time.Second, FailOnExhaustion: true},
		PaymentStarted: ResendPolicy{MaxAttempts: 10, BaseDelay: 15 * time.Minute},
		PaymentAccount: ResendPolicy{MaxAttempts: 7, BaseDelay: 4 * time.Second},
	}
}

// sendStateMarkers are the trade states a reliable send task walks through as
// the transport reports progress. All four belong to the same phase, so they
// are always valid refinements. The zero value tracks delivery on the message
// state topic only, without touching the trade state.
type sendStateMarkers struct {
	Sent            domain.TradeState
	Arrived         domain.TradeState
	StoredInMailbox domain.TradeState
	SendFailed      domain.TradeState
}

func (m sendStateMarkers) empty() bool {
	return m == sendStateMarkers{}
}

type sendOutcome int

const (
	outcomeArrived sendOutcome = iota
	outcomeStoredInMailbox
	outcomeFault
)

// attemptListener funnels the transport callbacks of one send attempt into
// the resend loop's channel.
type attemptListener struct {
	ch chan<- sendOutcome
}

func (l attemptListener) OnArrived()         { l.ch <- outcomeArrived }
func (l attemptListener) OnStoredInMailbox() { l.ch <- outcomeStoredInMailbox }
func (l attemptListener) OnFault(err error)  { l.ch <- outcomeFault }

// reliableSend drives one long-running reliable send: it sends the same
// message object on every attempt (same deterministic uid, so the receiver
// deduplicates), walks the trade through the send state markers, and defers
// completion until the message state property reaches ACKNOWLEDGED rather
// than when the transport reports delivery. Termination: ack observed
// (success), attempts exhausted (hard failure or send-failed marker,
// depending on policy), or the moot condition makes further sends pointless
// (short-circuit success).
type reliableSend struct {
	msg        ports.Envelope
	peer       domain.NodeAddress
	peerPubKey []byte
	policy     ResendPolicy
	topic      domain.MessageStateTopic
	markers    sendStateMarkers

	// moot reports that an externally observed condition (e.g. payout already
	// published) makes the send unnecessary.
	moot func(tc *TaskContext) bool
}

// run fires the first attempt and suspends the owning pipeline: the retry
// loop keeps going on its own goroutine without holding the trade's
// serialization, so other pipelines of the trade stay runnable while the
// send waits for its ack. The pipeline settles when the loop terminates.
func (s *reliableSend) run(tc *TaskContext) error {
	if tc.Suspend == nil {
		return errors.New("reliable send must run inside a task pipeline")
	}

	ackCh := make(chan domain.MessageState, 8)
	onMsgState := func(state domain.MessageState) {
		ackCh <- state
	}
	if err := tc.Process.SubscribeMessageState(s.topic, onMsgState); err != nil {
		return fmt.Errorf("subscribing to message state: %w", err)
	}
	unsubscribe := func() {
		tc.Process.UnsubscribeMessageState(s.topic, onMsgState)
	}

	if tc.Process.MessageStateFor(s.topic) == domain.MessageStateAcknowledged {
		unsubscribe()
		return nil
	}

	outCh := make(chan sendOutcome, 1)
	attempt := 0

	// send fires one attempt. The caller must hold the trade's serialization
	// for the state marker.
	send := func() {
		attempt++
		s.mark(tc, s.markers.Sent, domain.MessageStateSent)
		log.WithField("trade", tc.Trade.ShortId()).Debugf(
			"sending %T, attempt %d/%d", s.msg, attempt, s.policy.MaxAttempts,
		)
		tc.Services.Messenger.SendEncryptedMailboxMessage(
			s.peer, s.peerPubKey, s.msg, attemptListener{outCh},
		)
	}
	send()

	settle := tc.Suspend()
	go func() {
		defer unsubscribe()
		settle(s.await(tc, ackCh, outCh, send, &attempt))
	}()
	return nil
}

// await is the resend loop. It runs off the trade's serialization and takes
// it only for the short state mutations.
func (s *reliableSend) await(
	tc *TaskContext,
	ackCh <-chan domain.MessageState,
	outCh <-chan sendOutcome,
	send func(),
	attempt *int,
) error {
	trade := tc.Trade

	var retryTimer *time.Timer
	var retryCh <-chan time.Time
	stopRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryCh = nil
		}
	}
	defer stopRetry()

	lastOutcome := outcomeFault
	scheduleRetry := func() (done bool, err error) {
		if *attempt >= s.policy.MaxAttempts {
			tc.exclusive(func() { err = s.exhausted(tc, lastOutcome) })
			return true, err
		}
		delay := s.policy.DelayFor(*attempt)
		log.WithField("trade", trade.ShortId()).Debugf(
			"scheduling resend of %T in %s", s.msg, delay,
		)
		retryTimer = time.NewTimer(delay)
		retryCh = retryTimer.C
		return false, nil
	}

	arrived := false
	for {
		select {
		case state := <-ackCh:
			switch state {
			case domain.MessageStateAcknowledged:
				return nil
			case domain.MessageStateFailed:
				// negative ack: the peer rejected the message, keep the retry
				// loop running, a later retry may hit a recovered peer.
				log.WithField("trade", trade.ShortId()).
					Warnf("peer nacked %T", s.msg)
			}

		case outcome := <-outCh:
			lastOutcome = outcome
			switch outcome {
			case outcomeArrived:
				// delivery confirmed at the transport level: stop resending
				// but keep waiting for the explicit ack, the peer's protocol
				// has only progressed once it acknowledged.
				arrived = true
				stopRetry()
				tc.exclusive(func() {
					s.mark(tc, s.markers.Arrived, domain.MessageStateArrived)
				})
			case outcomeStoredInMailbox:
				tc.exclusive(func() {
					s.mark(tc, s.markers.StoredInMailbox, domain.MessageStateStoredInMailbox)
				})
				if !arrived {
					if done, err := scheduleRetry(); done {
						return err
					}
				}
			case outcomeFault:
				if !arrived {
					if done, err := scheduleRetry(); done {
						return err
					}
				}
			}

		case <-retryCh:
			stopRetry()
			mootNow := false
			tc.exclusive(func() {
				mootNow = s.moot != nil && s.moot(tc)
				if !mootNow {
					send()
				}
			})
			if mootNow {
				log.WithField("trade", trade.ShortId()).Debugf(
					"resend of %T no longer needed", s.msg,
				)
				return nil
			}

		case <-tc.Ctx.Done():
			return tc.Ctx.Err()
		}
	}
}

// exhausted handles running out of attempts. Depending on the policy this is
// a hard failure of the owning operation (fail closed rather than proceed on
// an unconfirmed assumption) or a send-failed marker on the trade. The caller
// must hold the trade's serialization.
func (s *reliableSend) exhausted(tc *TaskContext, last sendOutcome) error {
	if s.policy.FailOnExhaustion {
		return fmt.Errorf(
			"%T not acked after %d attempts", s.msg, s.policy.MaxAttempts,
		)
	}
	if last == outcomeFault {
		s.mark(tc, s.markers.SendFailed, domain.MessageStateFailed)
	} else {
		// the message sits in the peer's mailbox; the marker keeps the
		// stored-in-mailbox detail so the trade can resume when the peer
		// comes back.
		s.mark(tc, s.markers.StoredInMailbox, domain.MessageStateStoredInMailbox)
	}
	log.WithField("trade", tc.Trade.ShortId()).Warnf(
		"giving up resending %T after %d attempts", s.msg, s.policy.MaxAttempts,
	)
	return nil
}

func (s *reliableSend) mark(tc *TaskContext, state domain.TradeState, msgState domain.MessageState) {
	if !s.markers.empty() {
		if err := tc.Trade.ToState(state); err != nil {
			log.WithField("trade", tc.Trade.ShortId()).
				WithError(err).Warnf("cannot apply send marker %s", state)
		}
	}
	tc.Process.SetMessageState(s.topic, msgState)
	tc.Services.TradeManager.RequestPersistence(tc.Trade)
}

// sendMailboxMessage is the plain fire-once variant used for messages that do
// not need the ack-driven resend loop: it completes as soon as the transport
// reports arrival or mailbox storage.
func sendMailboxMessage(
	tc *TaskContext, peer domain.NodeAddress, peerPubKey []byte, msg ports.Envelope,
) (sendOutcome, error) {
	outCh := make(chan sendOutcome, 1)
	tc.Services.Messenger.SendEncryptedMailboxMessage(
		peer, peerPubKey, msg, attemptListener{outCh},
	)
	select {
	case outcome := <-outCh:
		if outcome == outcomeFault {
			return outcome, fmt.Errorf("sending %T to %s failed", msg, peer)
		}
		return outcome, nil
	case <-tc.Ctx.Done():
		return outcomeFault, tc.Ctx.Err()
	}
}
