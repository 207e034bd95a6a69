package gateway

import (
	"errors"
	"fmt"

	"tweet-scheduler/internal/models"
)

// DeliveryError is the classified failure the gateway hands back for every
// non-success outcome. The worker never sees a bare error from delivery:
// anything unclassified defaults to a non-retryable unknown, failing closed
// because blind retries on unknown failure modes risk duplicate posts.
type DeliveryError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newDeliveryError(code, message string, retryable bool) *DeliveryError {
	return &DeliveryError{Code: code, Message: message, Retryable: retryable}
}

// Classify extracts the DeliveryError from err, wrapping anything else as a
// non-retryable UNKNOWN_ERROR.
func Classify(err error) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return &DeliveryError{
		Code:      models.ErrCodeUnknown,
		Message:   err.Error(),
		Retryable: false,
	}
}
