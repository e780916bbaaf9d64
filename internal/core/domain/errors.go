package domain

import "errors"

var (
	// ErrPhaseRegression is thrown when a state transition would bring the
	// trade back to a lower phase.
	ErrPhaseRegression = errors.New("state transition would regress the trade phase")
	// ErrTradeNotFound ...
	ErrTradeNotFound = errors.New("trade not found")
	// ErrTradeCompleted is thrown when trying to advance a trade that already
	// reached its terminal state.
	ErrTradeCompleted = errors.New("trade is already completed")
)
