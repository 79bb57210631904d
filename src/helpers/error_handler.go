package helpers

import (
	"errors"
	"fmt"
	"time"

	"signal-hub/src/logger"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidCriteria  = errors.New("invalid criteria")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrDeliveryFailure  = errors.New("delivery failure")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrBufferOverflow   = errors.New("buffer overflow")
	ErrQueueFull        = errors.New("ingress queue full")
	ErrNotFound         = errors.New("not found")
	ErrClosed           = errors.New("closed")
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type FanoutError struct {
	Message string
	Cause   error
}

func (e *FanoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *FanoutError) Unwrap() error {
	return e.Cause
}

// Distinct error types for type assertions; each unwraps to its sentinel.
type InvalidCriteriaError struct{ FanoutError }
type UnknownEventTypeError struct {
	FanoutError
	EventType string
}
type DeliveryFailureError struct {
	FanoutError
	ConnectionID string
	UserID       string
}
type RateLimitExceededError struct {
	FanoutError
	UserID string
}
type BufferOverflowError struct {
	FanoutError
	UserID string
}

func (e *InvalidCriteriaError) Is(target error) bool   { return target == ErrInvalidCriteria }
func (e *UnknownEventTypeError) Is(target error) bool  { return target == ErrUnknownEventType }
func (e *DeliveryFailureError) Is(target error) bool   { return target == ErrDeliveryFailure }
func (e *RateLimitExceededError) Is(target error) bool { return target == ErrRateLimited }
func (e *BufferOverflowError) Is(target error) bool    { return target == ErrBufferOverflow }

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

func NewInvalidCriteria(cause error) error {
	return &InvalidCriteriaError{FanoutError{Message: "invalid criteria", Cause: cause}}
}

func NewUnknownEventType(eventType string) error {
	return &UnknownEventTypeError{
		FanoutError: FanoutError{Message: fmt.Sprintf("no routing rule for event type %q", eventType)},
		EventType:   eventType,
	}
}

func NewDeliveryFailure(userID, connID string, cause error) error {
	return &DeliveryFailureError{
		FanoutError:  FanoutError{Message: fmt.Sprintf("delivery to connection %s failed", connID), Cause: cause},
		ConnectionID: connID,
		UserID:       userID,
	}
}

func NewRateLimitExceeded(userID string, deferred int) error {
	return &RateLimitExceededError{
		FanoutError: FanoutError{Message: fmt.Sprintf("rate limit reached, %d events deferred", deferred)},
		UserID:      userID,
	}
}

func NewBufferOverflow(userID string, dropped int) error {
	return &BufferOverflowError{
		FanoutError: FanoutError{Message: fmt.Sprintf("pending buffer full, dropped %d oldest events", dropped)},
		UserID:      userID,
	}
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff attempts to execute the operation up to maxRetries times with exponential backoff.
func RetryWithBackoff(log *logger.Logger, operation string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		if log != nil {
			log.Warning("Attempt %d/%d failed for %s: %v. Retrying in %v", attempt+1, maxRetries, operation, err, delay)
		}
		time.Sleep(delay)
	}

	return &FanoutError{Message: fmt.Sprintf("%s failed after %d attempts", operation, maxRetries), Cause: lastErr}
}

// -----------------------------------------------------------------------------
// Error Handler
// -----------------------------------------------------------------------------

// ErrorHandler logs delivery-path errors that never reach the producer.
type ErrorHandler struct {
	Logger *logger.Logger
}

func NewErrorHandler(log *logger.Logger) *ErrorHandler {
	if log == nil {
		log = logger.NewLogger(nil, "ErrorHandler")
	}
	return &ErrorHandler{Logger: log}
}

// -----------------------------------------------------------------------------

// Handle logs err at a severity matching its category.
func (e *ErrorHandler) Handle(err error, context string) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUnknownEventType):
		e.Logger.Debug("%s: %v", context, err)
	case errors.Is(err, ErrBufferOverflow), errors.Is(err, ErrDeliveryFailure), errors.Is(err, ErrQueueFull):
		e.Logger.Warning("%s: %v", context, err)
	default:
		e.Logger.Error("Error in %s: %v", context, err)
	}
}
