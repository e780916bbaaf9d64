package txutil

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"
)

// TxIdFromBytes computes the transaction id of a serialized transaction.
func TxIdFromBytes(rawTx []byte) (string, error) {
	tx, err := decode(rawTx)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

// LockTimeOf returns the nLockTime field of a serialized transaction.
func LockTimeOf(rawTx []byte) (uint32, error) {
	tx, err := decode(rawTx)
	if err != nil {
		return 0, err
	}
	return tx.LockTime, nil
}

func decode(rawTx []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, err
	}
	return tx, nil
}
