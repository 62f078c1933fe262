package audit

import (
	"time"

	"github.com/google/uuid"
)

// VerificationReason explains a failed verification
type VerificationReason string

const (
	ReasonChecksumMismatch VerificationReason = "CHECKSUM_MISMATCH"
	ReasonSignatureInvalid VerificationReason = "SIGNATURE_INVALID"
	ReasonSignatureMissing VerificationReason = "SIGNATURE_MISSING"
)

// VerificationResult is the outcome of re-checking a stored event. A failed
// verification is data, not an error.
type VerificationResult struct {
	EventID    uuid.UUID          `json:"event_id"`
	Valid      bool               `json:"valid"`
	Reason     VerificationReason `json:"reason,omitempty"`
	Detail     string             `json:"detail,omitempty"`
	VerifiedAt time.Time          `json:"verified_at"`
}

// Passed builds a successful result
func Passed(id uuid.UUID, at time.Time) VerificationResult {
	return VerificationResult{EventID: id, Valid: true, VerifiedAt: at.UTC()}
}

// Failed builds a failed result
func Failed(id uuid.UUID, reason VerificationReason, detail string, at time.Time) VerificationResult {
	return VerificationResult{EventID: id, Valid: false, Reason: reason, Detail: detail, VerifiedAt: at.UTC()}
}
