package ledger

import "errors"

var (
	// ErrNotFound is returned when a user, asset or transaction does not
	// exist (or belongs to another user).
	ErrNotFound = errors.New("ledger: not found")

	// ErrInvalidAmount is returned for non-positive amounts or prices.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidQuantity is returned when a lot would be opened with a
	// non-positive quantity.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

	// ErrInsufficientFunds is returned when a withdrawal (or a funded BUY)
	// exceeds the cash balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientPosition is returned when a SELL exceeds the open
	// FIFO quantity of the asset.
	ErrInsufficientPosition = errors.New("ledger: insufficient position")

	// ErrInvalidType is returned for an unknown transaction type.
	ErrInvalidType = errors.New("ledger: invalid transaction type")

	// ErrInvalidUsername is returned when a user is created with a blank
	// username.
	ErrInvalidUsername = errors.New("ledger: username is required")

	// ErrMissingTicker is returned for a BUY or SELL without a ticker.
	ErrMissingTicker = errors.New("ledger: trade requires a ticker")
)
