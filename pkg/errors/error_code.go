package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidOrderRequest  ErrorCode = 102
	ErrCodeInvalidOrder         ErrorCode = 103
	ErrCodeInvalidTransition    ErrorCode = 104
	ErrCodeMissingParameter     ErrorCode = 105
	ErrCodeInvalidSize          ErrorCode = 106
	ErrCodeInvalidUnit          ErrorCode = 107

	// Data/Resource errors (200-299)
	ErrCodeDataNotFound  ErrorCode = 200
	ErrCodeOrderNotFound ErrorCode = 201
	ErrCodeUnitNotFound  ErrorCode = 202

	// Exchange and order errors (500-599)
	ErrCodeOrderFailed        ErrorCode = 500
	ErrCodeTransientNetwork   ErrorCode = 501
	ErrCodeOrderRejected      ErrorCode = 502
	ErrCodeDuplicateFill      ErrorCode = 503
	ErrCodeExchangeNotReady   ErrorCode = 504
	ErrCodeUnsupportedVenue   ErrorCode = 505
	ErrCodeFillStreamFailed   ErrorCode = 506
	ErrCodePriceStreamFailed  ErrorCode = 507
	ErrCodePositionQueryError ErrorCode = 508

	// Engine errors (600-699)
	ErrCodeEngineNotRunning    ErrorCode = 600
	ErrCodeEngineHalted        ErrorCode = 601
	ErrCodeEngineStopped       ErrorCode = 602
	ErrCodeUncoveredUnit       ErrorCode = 603
	ErrCodeInvariantViolation  ErrorCode = 604
	ErrCodeInboxFull           ErrorCode = 605
	ErrCodeEngineInitFailed    ErrorCode = 606
	ErrCodeInstanceNotFound    ErrorCode = 607
	ErrCodeInstanceAlreadyUsed ErrorCode = 608

	// Reconciliation errors (700-799)
	ErrCodeStateDrift            ErrorCode = 700
	ErrCodeUnrecoverableDrift    ErrorCode = 701
	ErrCodeReconciliationAborted ErrorCode = 702
	ErrCodeReconciliationFailed  ErrorCode = 703

	// Persistence errors (800-899)
	ErrCodeWriterNotInitialized ErrorCode = 800
	ErrCodeWriteFailed          ErrorCode = 801
	ErrCodeSessionFailed        ErrorCode = 802
)
