package engine

import "errors"

var (
	// ErrProjectNotFound is returned when an event references an unknown project.
	ErrProjectNotFound = errors.New("project not found")
	// ErrEventNotFound is returned for unknown event ids.
	ErrEventNotFound = errors.New("event not found")
	// ErrTransactionNotFound is returned when a receipt is not available.
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTxHash       = errors.New("invalid transaction hash")
)
