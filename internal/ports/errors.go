package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown          = errors.New("unknown error occurred")
	ErrInvalidRequest   = errors.New("invalid request parameters or format")
	ErrNotFound         = errors.New("resource not found")
	ErrTimeout          = errors.New("operation timed out")
	ErrContextCanceled  = errors.New("operation canceled via context")
	ErrConfigurationErr = errors.New("invalid or missing configuration")

	// Broker Specific Errors
	ErrBrokerUnavailable    = errors.New("broker API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the broker")
	ErrNotConnected         = errors.New("not connected to the broker")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("broker authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrDuplicateOrder       = errors.New("order id already exists")
	ErrDuplicateExecution   = errors.New("execution id already recorded")

	// Recovery Errors
	ErrRecoveryInProgress = errors.New("connection recovery already in progress")
	ErrRecoveryExhausted  = errors.New("connection recovery failed after maximum attempts")
)
