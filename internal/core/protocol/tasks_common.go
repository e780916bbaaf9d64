package protocol

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

// errUnexpectedTrigger is returned when a task finds a trigger message of the
// wrong type in the process model.
func errUnexpectedTrigger(tc *TaskContext) error {
	return fmt.Errorf("unexpected trigger message %T", tc.Process.TradeMessage)
}

// ProcessPaymentAccountPayload stores the peer's payment account data shared
// early in the trade.
type ProcessPaymentAccountPayload struct{}

func (t *ProcessPaymentAccountPayload) Name() string { return "ProcessPaymentAccountPayload" }

func (t *ProcessPaymentAccountPayload) Run(tc *TaskContext) error {
	msg, ok := tc.Process.TradeMessage.(*PaymentAccountPayloadMessage)
	if !ok {
		return errUnexpectedTrigger(tc)
	}
	if len(msg.PaymentAccountPayload) == 0 {
		return errors.New("empty payment account payload")
	}

	peer := tc.Process.TradingPeer
	peer.PaymentAccountPayload = msg.PaymentAccountPayload
	peer.PaymentMethodId = msg.PaymentMethodId
	tc.Services.TradeManager.RequestPersistence(tc.Trade)
	return nil
}

// SetupDepositConfirmationWatcher leaves a watcher behind that advances the
// trade once the deposit tx reaches the required confirmation depth. The
// watcher outlives the pipeline on purpose and is bound to the protocol's
// lifetime.
type SetupDepositConfirmationWatcher struct {
	// Depth overrides the default confirmation depth when non-zero.
	Depth uint32
}

func (t *SetupDepositConfirmationWatcher) Name() string { return "SetupDepositConfirmationWatcher" }

const defaultConfirmationDepth = 1

func (t *SetupDepositConfirmationWatcher) Run(tc *TaskContext) error {
	txId := tc.Trade.DepositTxId
	if txId == "" {
		return errors.New("no deposit tx id to watch")
	}
	depth := t.Depth
	if depth == 0 {
		depth = tc.Services.ConfirmationDepth
	}
	if depth == 0 {
		depth = defaultConfirmationDepth
	}

	trade := tc.Trade
	wallet := tc.Services.Wallet
	manager := tc.Services.TradeManager
	hostCtx := tc.HostCtx

	go func() {
		if err := wallet.WaitForConfirmation(hostCtx, txId, depth); err != nil {
			log.WithField("trade", trade.ShortId()).
				WithError(err).Debug("deposit confirmation watcher stopped")
			return
		}
		tc.exclusive(func() {
			if err := trade.ToState(domain.StateDepositConfirmedInBlockchain); err != nil {
				log.WithField("trade", trade.ShortId()).
					WithError(err).Warn("cannot apply deposit confirmation")
				return
			}
			log.WithField("trade", trade.ShortId()).Infof("deposit tx %s confirmed", txId)
			manager.RequestPersistence(trade)
		})
	}()
	return nil
}

// SendPaymentAccountPayload runs the fast reliable send of our own payment
// account data. Exhaustion is not fatal: the payload sits in the peer's
// mailbox and the exchange resumes when the peer comes back. Delivery is
// tracked on the message state topic only, the trade state is not touched.
type SendPaymentAccountPayload struct{}

func (t *SendPaymentAccountPayload) Name() string { return "SendPaymentAccountPayload" }

func (t *SendPaymentAccountPayload) Run(tc *TaskContext) error {
	if len(tc.Process.PaymentAccountPayload) == 0 {
		return errors.New("no payment account payload to share")
	}

	trade := tc.Trade
	msg := NewPaymentAccountPayloadMessage(
		trade.Id,
		tc.Services.Messenger.MyAddress(),
		tc.Process.PaymentAccountPayload,
		tc.Process.PaymentMethodId,
	)
	send := &reliableSend{
		msg:        msg,
		peer:       trade.PeerNodeAddress,
		peerPubKey: trade.PeerPubKey,
		policy:     tc.Services.Policies.PaymentAccount,
		topic:      domain.PaymentAccountMessageTopic,
	}
	return send.run(tc)
}
