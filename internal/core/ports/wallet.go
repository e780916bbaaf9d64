package ports

import "context"

// TxInfo is the wallet's view of a transaction relevant to a trade.
type TxInfo struct {
	TxId          string
	TxBytes       []byte
	Confirmations uint32
}

// WalletService is the wallet/blockchain capability consumed by the protocol
// tasks. Transaction construction and confidence tracking happen behind this
// boundary; the protocol only consumes opaque transactions and confirmation
// depths.
type WalletService interface {
	// GetTransaction looks a transaction up by id.
	GetTransaction(ctx context.Context, txId string) (*TxInfo, error)
	// WaitForConfirmation blocks until the transaction reaches the given
	// confirmation depth or the context is cancelled.
	WaitForConfirmation(ctx context.Context, txId string, depth uint32) error
	// EstimateFee returns the current fee rate in sats per vbyte.
	EstimateFee(ctx context.Context) (uint64, error)
	// CreatePayoutTx builds the unsigned payout transaction for the trade.
	CreatePayoutTx(ctx context.Context, tradeId string) ([]byte, error)
	// SignPayoutTx signs the payout transaction for the trade and returns the
	// signature.
	SignPayoutTx(ctx context.Context, tradeId string, payoutTx []byte) ([]byte, error)
	// FinalizePayoutTx combines both parties' signatures into a broadcastable
	// payout transaction.
	FinalizePayoutTx(ctx context.Context, tradeId string, payoutTx, mySig, peerSig []byte) ([]byte, error)
	// BroadcastTx publishes a raw transaction and returns its id.
	BroadcastTx(ctx context.Context, txBytes []byte) (string, error)
}
