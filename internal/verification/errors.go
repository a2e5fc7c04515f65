package verification

import (
	"fmt"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// InconclusiveError is a VerificationInconclusive: no path could reach a
// confident verdict.
type InconclusiveError struct {
	ItemID string
	Method models.VerifyMethod
	Reason string
	// Tried lists every method attempted, in order.
	Tried []models.VerifyMethod
}

func (e *InconclusiveError) Error() string {
	return fmt.Sprintf("verification of item %s inconclusive (%s): %s", e.ItemID, e.Method, e.Reason)
}

// Retryable reports false so the gateway never retries it.
func (e *InconclusiveError) Retryable() bool { return false }

func inconclusive(itemID string, method models.VerifyMethod, format string, args ...any) *InconclusiveError {
	return &InconclusiveError{ItemID: itemID, Method: method, Reason: fmt.Sprintf(format, args...), Tried: []models.VerifyMethod{method}}
}
