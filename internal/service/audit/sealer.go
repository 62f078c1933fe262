package audit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// Supported digest algorithms. The algorithm name prefixes every stored
// checksum so verification never depends on current configuration.
const (
	DigestSHA256     = "sha256"
	DigestBLAKE2b256 = "blake2b-256"
)

var digests = map[string]func([]byte) []byte{
	DigestSHA256: func(b []byte) []byte {
		sum := sha256.Sum256(b)
		return sum[:]
	},
	DigestBLAKE2b256: func(b []byte) []byte {
		sum := blake2b.Sum256(b)
		return sum[:]
	},
}

// IsSupportedDigest reports whether name is a known digest algorithm
func IsSupportedDigest(name string) bool {
	_, ok := digests[name]
	return ok
}

// ComputeChecksum returns "<alg>:<hex digest>" over the event's canonical form
func ComputeChecksum(algorithm string, e *audit.Event) (string, error) {
	digest, ok := digests[algorithm]
	if !ok {
		return "", errors.NewCryptoError("UNKNOWN_DIGEST", "unknown digest algorithm: "+algorithm)
	}
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return "", errors.NewCryptoError("CANONICALIZATION_FAILED", "failed to canonicalize event").WithCause(err)
	}
	return algorithm + ":" + hex.EncodeToString(digest(canonical)), nil
}

// Sealer attaches a checksum and, when a signer is configured, a signature to
// incoming events. It performs no I/O.
type Sealer struct {
	algorithm string
	signer    *Signer
	keys      *KeyRing
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// SealerOption customises a Sealer
type SealerOption func(*Sealer)

// WithSigner signs every sealed event and trusts the signer's public key
func WithSigner(signer *Signer) SealerOption {
	return func(s *Sealer) {
		s.signer = signer
	}
}

// WithTrustedKeys adds public keys accepted during verification, e.g. keys
// that have been rotated out
func WithTrustedKeys(keys *KeyRing) SealerOption {
	return func(s *Sealer) {
		s.keys = keys
	}
}

// WithClock overrides the sealing clock
func WithClock(now func() time.Time) SealerOption {
	return func(s *Sealer) {
		s.now = now
	}
}

// NewSealer creates a sealer using the named digest algorithm
func NewSealer(algorithm string, logger *zap.Logger, opts ...SealerOption) (*Sealer, error) {
	if algorithm == "" {
		algorithm = DigestSHA256
	}
	if !IsSupportedDigest(algorithm) {
		return nil, errors.NewCryptoError("UNKNOWN_DIGEST", "unknown digest algorithm: "+algorithm)
	}
	s := &Sealer{
		algorithm: algorithm,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer("audit.sealer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keys == nil {
		s.keys = NewKeyRing()
	}
	if s.signer != nil {
		s.keys.Add(s.signer.PublicKey())
	}
	return s, nil
}

// Signer returns the configured signer, or nil
func (s *Sealer) Signer() *Signer {
	return s.signer
}

// Algorithm returns the digest algorithm used for new events
func (s *Sealer) Algorithm() string {
	return s.algorithm
}

// Seal validates the raw event and returns a sealed copy. The input is never
// modified.
func (s *Sealer) Seal(ctx context.Context, raw *audit.Event) (*audit.Event, error) {
	_, span := s.tracer.Start(ctx, "audit.Seal")
	defer span.End()

	if raw == nil {
		return nil, errors.NewValidationError("MISSING_EVENT", "event is required")
	}

	e := raw.Clone()
	e.Checksum = ""
	e.Signature = ""
	e.IntegrityVerified = nil
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Normalize()

	if err := e.Validate(); err != nil {
		return nil, err
	}

	checksum, err := ComputeChecksum(s.algorithm, e)
	if err != nil {
		s.logger.Error("Failed to compute event checksum",
			zap.String("event_id", e.ID.String()),
			zap.Error(err))
		return nil, err
	}
	e.Checksum = checksum

	if s.signer != nil {
		sig, err := s.signer.Sign(checksum)
		if err != nil {
			s.logger.Error("Failed to sign event",
				zap.String("event_id", e.ID.String()),
				zap.Error(err))
			return nil, err
		}
		e.Signature = sig
	}

	span.SetAttributes(
		attribute.String("audit.event_id", e.ID.String()),
		attribute.Bool("audit.signed", e.Signature != ""),
	)
	return e, nil
}

// Check recomputes the checksum of a stored event and validates its
// signature. It has no side effects.
func (s *Sealer) Check(e *audit.Event) audit.VerificationResult {
	now := s.now()

	algorithm, _, ok := strings.Cut(e.Checksum, ":")
	if e.Checksum == "" || !ok {
		return audit.Failed(e.ID, audit.ReasonChecksumMismatch, "event carries no valid checksum", now)
	}
	if !IsSupportedDigest(algorithm) {
		return audit.Failed(e.ID, audit.ReasonChecksumMismatch, "unknown digest algorithm", now)
	}

	expected, err := ComputeChecksum(algorithm, e)
	if err != nil {
		return audit.Failed(e.ID, audit.ReasonChecksumMismatch, fmt.Sprintf("checksum could not be recomputed: %v", err), now)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(e.Checksum)) != 1 {
		return audit.Failed(e.ID, audit.ReasonChecksumMismatch, "stored checksum does not match event content", now)
	}

	if e.Signature == "" {
		if s.signer != nil {
			return audit.Failed(e.ID, audit.ReasonSignatureMissing, "signing is enabled but the event is unsigned", now)
		}
		return audit.Passed(e.ID, now)
	}

	if valid, detail := s.keys.verify(e.Checksum, e.Signature); !valid {
		return audit.Failed(e.ID, audit.ReasonSignatureInvalid, detail, now)
	}
	return audit.Passed(e.ID, now)
}
