// Package simulator provides a self-contained wallet backend for local
// simulations and tests. Transactions are real in the wire-format sense but
// never leave the process: broadcasting registers them in an in-memory chain
// view that confirms them as simulated blocks pass.
package simulator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/ports"
	"github.com/peertrade-network/peertrade-daemon/pkg/observer"
	"github.com/peertrade-network/peertrade-daemon/pkg/txutil"
)

// ErrTxNotFound is returned when looking up a transaction that was never
// broadcast through this wallet.
var ErrTxNotFound = errors.New("transaction not found")

const (
	defaultBlockInterval = 2 * time.Second
	defaultPollInterval  = 500 * time.Millisecond
	defaultFeeRate       = 2
)

type broadcastTx struct {
	txBytes []byte
	seenAt  time.Time
}

type walletService struct {
	blockInterval time.Duration

	mu    sync.Mutex
	txs   map[string]broadcastTx
	obs   observer.Service
	wait  map[string][]chan struct{}
	depth map[string]uint32
}

// NewWalletService returns a simulated wallet confirming broadcast
// transactions every blockInterval. A zero blockInterval picks the default.
func NewWalletService(blockInterval time.Duration) ports.WalletService {
	if blockInterval <= 0 {
		blockInterval = defaultBlockInterval
	}
	w := &walletService{
		blockInterval: blockInterval,
		txs:           map[string]broadcastTx{},
		wait:          map[string][]chan struct{}{},
		depth:         map[string]uint32{},
	}
	w.obs = observer.NewService(w, defaultPollInterval, func(err error) {
		if err != ErrTxNotFound {
			log.WithError(err).Warn("tx observer")
		}
	})
	go w.obs.Start()
	go w.dispatchEvents()
	return w
}

// GetTransactionInfo implements observer.TxGetter.
func (w *walletService) GetTransactionInfo(txId string) (*ports.TxInfo, error) {
	return w.lookup(txId)
}

func (w *walletService) GetTransaction(_ context.Context, txId string) (*ports.TxInfo, error) {
	return w.lookup(txId)
}

func (w *walletService) lookup(txId string) (*ports.TxInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, ok := w.txs[txId]
	if !ok {
		return nil, ErrTxNotFound
	}
	confirmations := uint32(time.Since(tx.seenAt) / w.blockInterval)
	return &ports.TxInfo{
		TxId:          txId,
		TxBytes:       tx.txBytes,
		Confirmations: confirmations,
	}, nil
}

func (w *walletService) WaitForConfirmation(
	ctx context.Context, txId string, depth uint32,
) error {
	confirmed := make(chan struct{})

	w.mu.Lock()
	w.wait[txId] = append(w.wait[txId], confirmed)
	w.depth[txId] = depth
	w.mu.Unlock()
	w.obs.AddObservable(&observer.TxObservable{TxId: txId, Depth: depth})

	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchEvents fans the observer's confirmation events out to the blocked
// WaitForConfirmation calls.
func (w *walletService) dispatchEvents() {
	for event := range w.obs.GetEventChannel() {
		txEvent, ok := event.(observer.TxEvent)
		if !ok || txEvent.Type() != observer.TransactionConfirmed {
			continue
		}

		w.mu.Lock()
		waiters := w.wait[txEvent.TxId]
		delete(w.wait, txEvent.TxId)
		delete(w.depth, txEvent.TxId)
		w.mu.Unlock()

		w.obs.RemoveObservable(&observer.TxObservable{TxId: txEvent.TxId})
		for _, ch := range waiters {
			close(ch)
		}
	}
}

func (w *walletService) EstimateFee(_ context.Context) (uint64, error) {
	return defaultFeeRate, nil
}

// CreatePayoutTx builds a deterministic payout transaction for the trade so
// both sides construct the exact same unsigned tx.
func (w *walletService) CreatePayoutTx(_ context.Context, tradeId string) ([]byte, error) {
	seed := sha256.Sum256([]byte("payout:" + tradeId))
	var prevHash chainhash.Hash
	copy(prevHash[:], seed[:])

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, seed[:20]))

	buf := &bytes.Buffer{}
	if err := tx.Serialize(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *walletService) SignPayoutTx(
	_ context.Context, tradeId string, payoutTx []byte,
) ([]byte, error) {
	sig := sha256.Sum256(append([]byte("sig:"+tradeId+":"), payoutTx...))
	return sig[:], nil
}

func (w *walletService) FinalizePayoutTx(
	_ context.Context, tradeId string, payoutTx, mySig, peerSig []byte,
) ([]byte, error) {
	if len(mySig) == 0 || len(peerSig) == 0 {
		return nil, errors.New("both signatures are required")
	}
	return payoutTx, nil
}

func (w *walletService) BroadcastTx(_ context.Context, txBytes []byte) (string, error) {
	txId, err := txutil.TxIdFromBytes(txBytes)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	if _, ok := w.txs[txId]; !ok {
		w.txs[txId] = broadcastTx{txBytes: txBytes, seenAt: time.Now()}
	}
	w.mu.Unlock()

	log.Debugf("broadcast tx %s", txId)
	return txId, nil
}
