package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	"github.com/peertrade-network/peertrade-daemon/internal/core/ports"
	"github.com/peertrade-network/peertrade-daemon/internal/core/protocol"
)

// ErrTradeNotManaged is returned for operations on a trade the host does not
// run a protocol for.
var ErrTradeNotManaged = errors.New("trade is not managed by this host")

// persistFlushInterval is how long persistence requests are coalesced before
// the batch is written out.
const persistFlushInterval = 100 * time.Millisecond

// periodCheckInterval is how often the open trades' period state is
// recomputed.
const periodCheckInterval = time.Minute

// TradeService is the protocol host. It owns one protocol instance per open
// trade, fans inbound network messages out to them and exposes the user
// triggered trade operations.
type TradeService interface {
	// Start loads the open trades from the repository, spins their protocols
	// up and attaches the host to the messenger.
	Start() error
	// Stop detaches the host and flushes pending persistence.
	Stop()
	// NewTrade registers a freshly taken offer and starts its protocol.
	NewTrade(
		ctx context.Context,
		offerId string,
		role domain.TradeRole,
		amount uint64,
		price decimal.Decimal,
		peer domain.NodeAddress,
		peerPubKey []byte,
	) (*domain.Trade, error)
	// ListTrades returns all trades known to the repository.
	ListTrades(ctx context.Context) ([]*domain.Trade, error)
	// GetTradeById returns a single trade from the repository.
	GetTradeById(ctx context.Context, tradeId string) (*domain.Trade, error)
	// PublishDeposit hands the prepared deposit and delayed payout txs to the
	// seller protocol, which shares them with the buyer before broadcasting.
	PublishDeposit(ctx context.Context, tradeId string, depositTx, delayedPayoutTx []byte) error
	// SharePaymentAccount hands our payment account data to the peer through
	// the protocol's reliable send.
	SharePaymentAccount(ctx context.Context, tradeId string, payload []byte, paymentMethodId string) error
	// ConfirmPaymentStarted is the buyer's confirmation that the counter
	// currency transfer has been initiated.
	ConfirmPaymentStarted(ctx context.Context, tradeId, counterCurrencyTxId, extraData string) error
	// ConfirmPaymentReceived is the seller's confirmation that the counter
	// currency payment arrived, releasing the payout.
	ConfirmPaymentReceived(ctx context.Context, tradeId string) error
	// AcceptMediationResult signs the mediator's payout proposal.
	AcceptMediationResult(ctx context.Context, tradeId string) error
	// RequestArbitration escalates the trade to the refund agent by
	// publishing the delayed payout tx.
	RequestArbitration(ctx context.Context, tradeId string) error
	// CompleteTrade marks the trade funds as withdrawn and closes its
	// protocol.
	CompleteTrade(ctx context.Context, tradeId string) error
}

type tradeService struct {
	repo        domain.TradeRepository
	messenger   ports.Messenger
	wallet      ports.WalletService
	policies    protocol.ResendPolicies
	stepTimeout time.Duration
	depth       uint32
	tradePeriod time.Duration

	mu        sync.Mutex
	protocols map[string]*protocol.TradeProtocol

	persistCh chan string
	quit      chan struct{}
	done      chan struct{}
}

// NewTradeService returns a new protocol host on top of the given repository,
// messenger and wallet. A zero stepTimeout, confirmationDepth or tradePeriod
// picks the protocol default.
func NewTradeService(
	repo domain.TradeRepository,
	messenger ports.Messenger,
	wallet ports.WalletService,
	policies protocol.ResendPolicies,
	stepTimeout time.Duration,
	confirmationDepth uint32,
	tradePeriod time.Duration,
) TradeService {
	return &tradeService{
		repo:        repo,
		messenger:   messenger,
		wallet:      wallet,
		policies:    policies,
		stepTimeout: stepTimeout,
		depth:       confirmationDepth,
		tradePeriod: tradePeriod,
		protocols:   map[string]*protocol.TradeProtocol{},
		persistCh:   make(chan string, 256),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *tradeService) Start() error {
	ctx := context.Background()
	openTrades, err := s.repo.GetOpenTrades(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, trade := range openTrades {
		p := protocol.ProtocolFor(trade, s.services())
		s.protocols[trade.Id] = p
	}
	protocols := s.snapshotLocked()
	s.mu.Unlock()

	s.messenger.AddDirectMessageListener(s)
	s.messenger.AddMailboxMessageListener(s)
	go s.persistLoop()
	go s.periodLoop()

	for _, p := range protocols {
		p.Initialize()
	}
	log.Infof("trade host started with %d open trades", len(protocols))
	return nil
}

func (s *tradeService) Stop() {
	close(s.quit)
	<-s.done
	log.Info("trade host stopped")
}

func (s *tradeService) services() protocol.Services {
	return protocol.Services{
		Messenger:         s.messenger,
		Wallet:            s.wallet,
		TradeManager:      s,
		Policies:          s.policies,
		StepTimeout:       s.stepTimeout,
		ConfirmationDepth: s.depth,
		MaxTradePeriod:    s.tradePeriod,
	}
}

func (s *tradeService) NewTrade(
	ctx context.Context,
	offerId string,
	role domain.TradeRole,
	amount uint64,
	price decimal.Decimal,
	peer domain.NodeAddress,
	peerPubKey []byte,
) (*domain.Trade, error) {
	trade := domain.NewTrade(offerId, role, amount, price, peer)
	trade.PeerPubKey = peerPubKey
	if err := s.repo.AddTrade(ctx, trade); err != nil {
		return nil, err
	}

	p := protocol.ProtocolFor(trade, s.services())
	s.mu.Lock()
	s.protocols[trade.Id] = p
	s.mu.Unlock()
	p.Initialize()

	log.WithField("trade", trade.ShortId()).Infof(
		"new trade for offer %s as %s", offerId, role,
	)
	return trade, nil
}

func (s *tradeService) ListTrades(ctx context.Context) ([]*domain.Trade, error) {
	return s.repo.GetAllTrades(ctx)
}

func (s *tradeService) GetTradeById(ctx context.Context, tradeId string) (*domain.Trade, error) {
	return s.repo.GetTrade(ctx, tradeId)
}

func (s *tradeService) PublishDeposit(
	ctx context.Context, tradeId string, depositTx, delayedPayoutTx []byte,
) error {
	p, ok := s.protocol(tradeId)
	if !ok {
		return ErrTradeNotManaged
	}
	resCh := make(chan error, 1)
	if err := p.OnDepositTxPrepared(
		depositTx, delayedPayoutTx,
		func() { resCh <- nil },
		func(errMsg string) { resCh <- errors.New(errMsg) },
	); err != nil {
		return err
	}
	return await(ctx, resCh)
}

func (s *tradeService) SharePaymentAccount(
	ctx context.Context, tradeId string, payload []byte, paymentMethodId string,
) error {
	p, ok := s.protocol(tradeId)
	if !ok {
		return ErrTradeNotManaged
	}
	resCh := make(chan error, 1)
	p.OnSharePaymentAccount(
		payload, paymentMethodId,
		func() { resCh <- nil },
		func(errMsg string) { resCh <- errors.New(errMsg) },
	)
	return await(ctx, resCh)
}

func (s *tradeService) ConfirmPaymentStarted(
	ctx context.Context, tradeId, counterCurrencyTxId, extraData string,
) error {
	p, ok := s.protocol(tradeId)
	if !ok {
		return ErrTradeNotManaged
	}
	resCh := make(chan error, 1)
	if err := p.OnPaymentStarted(
		counterCurrencyTxId, extraData,
		func() { resCh <- nil },
		func(errMsg string) { resCh <- errors.New(errMsg) },
	); err != nil {
		return err
	}
	return await(ctx, resCh)
}

func (s *tradeService) ConfirmPaymentReceived(ctx context.Context, tradeId string) error {
	p, ok := s.protocol(tradeId)
	if !ok {
		return ErrTradeNotManaged
	}
	resCh := make(chan error, 1)
	if err := p.OnPaymentReceived(
		func() { resCh <- nil },
		func(errMsg string) { resCh <- errors.New(errMsg) },
	); err != nil {
		return err
	}
	return await(ctx, resCh)
}

func (s *tradeService) AcceptMediationResult(ctx context.Context, tradeId string) error {
	p, ok := s.protocol(tradeId)
	if !ok {
		return ErrTradeNotManaged
	}
	resCh := make(chan error, 1)
	p.OnAcceptMediationResult(
		func() { resCh <- nil },
		func(errMsg string) { resCh <- errors.New(errMsg) },
	)
	return await(ctx, resCh)
}

func (s *tradeService) RequestArbitration(ctx context.Context, tradeId string) error {
	p, ok := s.protocol(tradeId)
	if !ok {
		return ErrTradeNotManaged
	}
	resCh := make(chan error, 1)
	p.OnArbitrationRequested(
		func() { resCh <- nil },
		func(errMsg string) { resCh <- errors.New(errMsg) },
	)
	return await(ctx, resCh)
}

func (s *tradeService) CompleteTrade(ctx context.Context, tradeId string) error {
	p, ok := s.protocol(tradeId)
	if !ok {
		return ErrTradeNotManaged
	}
	return p.OnWithdrawCompleted()
}

// OnDirectMessage implements ports.DirectMessageListener, routing the message
// to the protocol of its trade.
func (s *tradeService) OnDirectMessage(
	msg domain.TradeMessage, senderPubKey []byte, sender domain.NodeAddress,
) {
	p, ok := s.protocol(msg.GetTradeId())
	if !ok {
		log.Debugf("dropping direct %T for unknown trade %s", msg, msg.GetTradeId())
		return
	}
	p.OnDirectMessage(msg, senderPubKey, sender)
}

// OnMailboxMessage implements ports.MailboxMessageListener.
func (s *tradeService) OnMailboxMessage(
	msg domain.TradeMessage, senderPubKey []byte, sender domain.NodeAddress,
) {
	p, ok := s.protocol(msg.GetTradeId())
	if !ok {
		log.Debugf("dropping mailbox %T for unknown trade %s", msg, msg.GetTradeId())
		return
	}
	p.OnMailboxMessage(msg, senderPubKey, sender)
}

// RequestPersistence implements ports.TradeManager. The request is coalesced
// with others for the same trade and written out by the persist loop; the
// caller never blocks on the write.
func (s *tradeService) RequestPersistence(trade *domain.Trade) {
	select {
	case s.persistCh <- trade.Id:
	default:
		// A full queue means a flush is imminent anyway.
	}
}

// OnTradeCompleted implements ports.TradeManager.
func (s *tradeService) OnTradeCompleted(trade *domain.Trade) {
	s.RequestPersistence(trade)
	log.WithField("trade", trade.ShortId()).Info("trade completed")
}

// GetTrade implements ports.TradeManager.
func (s *tradeService) GetTrade(tradeId string) (*domain.Trade, bool) {
	p, ok := s.protocol(tradeId)
	if !ok {
		return nil, false
	}
	return p.Trade(), true
}

func (s *tradeService) protocol(tradeId string) (*protocol.TradeProtocol, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.protocols[tradeId]
	return p, ok
}

func (s *tradeService) snapshotLocked() []*protocol.TradeProtocol {
	protocols := make([]*protocol.TradeProtocol, 0, len(s.protocols))
	for _, p := range s.protocols {
		protocols = append(protocols, p)
	}
	return protocols
}

// persistLoop batches persistence requests: requests arriving within the
// flush interval collapse into a single write per trade.
func (s *tradeService) persistLoop() {
	defer close(s.done)

	pending := map[string]struct{}{}
	ticker := time.NewTicker(persistFlushInterval)
	defer ticker.Stop()

	flush := func() {
		for tradeId := range pending {
			s.persistTrade(tradeId)
			delete(pending, tradeId)
		}
	}

	for {
		select {
		case tradeId := <-s.persistCh:
			pending[tradeId] = struct{}{}
		case <-ticker.C:
			flush()
		case <-s.quit:
			// Drain what is queued, then flush one last time.
			for {
				select {
				case tradeId := <-s.persistCh:
					pending[tradeId] = struct{}{}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *tradeService) persistTrade(tradeId string) {
	p, ok := s.protocol(tradeId)
	if !ok {
		return
	}
	snapshot := p.Snapshot()

	err := s.repo.UpdateTrade(
		context.Background(), tradeId,
		func(_ *domain.Trade) (*domain.Trade, error) {
			return snapshot, nil
		},
	)
	if err != nil {
		log.WithField("trade", snapshot.ShortId()).
			WithError(err).Warn("cannot persist trade")
	}
}

// periodLoop periodically recomputes how far into the allowed trade period
// the open trades are.
func (s *tradeService) periodLoop() {
	ticker := time.NewTicker(periodCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			protocols := s.snapshotLocked()
			s.mu.Unlock()
			for _, p := range protocols {
				p.RefreshPeriodState()
			}
		case <-s.quit:
			return
		}
	}
}

// await turns the protocol's callback pair into a synchronous result, bounded
// by the caller's context.
func await(ctx context.Context, resCh chan error) error {
	select {
	case err := <-resCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
