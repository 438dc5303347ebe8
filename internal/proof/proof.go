// Package proof implements credential proof verification. A Verifier checks
// that a submitted proof asserts the commitment stored for an identity; the
// groth16 backend runs the real pairing check against a verification key,
// the commitment backend performs structural checks only and exists for
// test and staging environments.
package proof

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"go.uber.org/zap"
)

// Proof is the wire representation of a groth16 proof as produced by
// snarkjs: three curve points in decimal coordinates plus protocol tags.
type Proof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve,omitempty"`

	// Tampered marks a proof whose envelope failed an upstream integrity
	// check. Both backends reject it outright.
	Tampered bool `json:"tampered,omitempty"`
}

// PublicSignals are the ordered public inputs accompanying a proof. By
// convention element 0 is the asserted commitment and element 1, when
// present, is a freshness nonce in unix seconds.
type PublicSignals []string

// Reason classifies why a proof was rejected.
type Reason string

const (
	ReasonMalformedProof       Reason = "malformed_proof"
	ReasonSignalMismatch       Reason = "signal_mismatch"
	ReasonCryptographicFailure Reason = "cryptographic_failure"
	ReasonTampered             Reason = "tampered"
	ReasonReplaySuspected      Reason = "replay_suspected"
)

// VerifyError is a proof rejection. It means the verifier ran and refused
// the proof; faults that prevented verification from running at all are
// returned as plain errors instead.
type VerifyError struct {
	Reason Reason
	Detail string
}

func (e *VerifyError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func reject(reason Reason, format string, args ...interface{}) *VerifyError {
	return &VerifyError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsVerifyError unwraps err into a rejection, or returns false when err is
// a verification fault rather than a verdict.
func AsVerifyError(err error) (*VerifyError, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Verifier checks a proof against the commitment stored for an identity.
// A nil return means the proof is valid for that commitment.
type Verifier interface {
	Verify(ctx context.Context, p *Proof, signals PublicSignals, commitment string) error
}

// Config selects and parameterizes the verification backend. The backend
// is chosen once at startup; missing key material under the groth16
// backend is a construction error, never a silent fallback.
type Config struct {
	Backend          string // "groth16" or "commitment"
	VerifyingKeyPath string
	KeyFormat        string // "snarkjs" or "gnark"
	MaxProofAge      time.Duration
	ClockSkew        time.Duration
}

// NewVerifier builds the configured backend.
func NewVerifier(config Config, logger *zap.Logger) (Verifier, error) {
	switch config.Backend {
	case "groth16":
		return NewGroth16Verifier(config, logger)
	case "commitment":
		return NewCommitmentVerifier(config, logger), nil
	default:
		return nil, fmt.Errorf("unknown verifier backend: %q", config.Backend)
	}
}

// validateStructure checks the snarkjs envelope: field lengths and the
// protocol tag. Curve coordinates are not parsed here.
func (p *Proof) validateStructure() *VerifyError {
	if p == nil {
		return reject(ReasonMalformedProof, "missing proof")
	}
	if p.Protocol != "groth16" {
		return reject(ReasonMalformedProof, "unrecognized protocol %q", p.Protocol)
	}
	switch p.Curve {
	case "", "bn128", "bn254":
	default:
		return reject(ReasonMalformedProof, "unsupported curve %q", p.Curve)
	}
	if len(p.PiA) != 3 {
		return reject(ReasonMalformedProof, "pi_a must have 3 coordinates, got %d", len(p.PiA))
	}
	if len(p.PiC) != 3 {
		return reject(ReasonMalformedProof, "pi_c must have 3 coordinates, got %d", len(p.PiC))
	}
	if len(p.PiB) != 3 {
		return reject(ReasonMalformedProof, "pi_b must have 3 coordinate pairs, got %d", len(p.PiB))
	}
	for i, pair := range p.PiB {
		if len(pair) != 2 {
			return reject(ReasonMalformedProof, "pi_b[%d] must have 2 components, got %d", i, len(pair))
		}
	}
	return nil
}

// checkFreshness enforces the replay window on the optional nonce signal.
// A missing nonce passes; enforcement of nonce presence belongs to the
// circuit, not this layer.
func checkFreshness(signals PublicSignals, maxAge, skew time.Duration, now time.Time) *VerifyError {
	if len(signals) < 2 || maxAge <= 0 {
		return nil
	}
	ts, err := strconv.ParseInt(signals[1], 10, 64)
	if err != nil {
		return reject(ReasonMalformedProof, "freshness nonce is not an integer")
	}
	issued := time.Unix(ts, 0)
	if issued.After(now.Add(skew)) {
		return reject(ReasonReplaySuspected, "freshness nonce is in the future")
	}
	if now.Sub(issued) > maxAge+skew {
		return reject(ReasonReplaySuspected, "proof is older than %s", maxAge)
	}
	return nil
}

// parseSignal parses a decimal public signal into the scalar field.
func parseSignal(s string) (fr.Element, *VerifyError) {
	var e fr.Element
	if _, err := e.SetString(s); err != nil {
		return e, reject(ReasonMalformedProof, "public signal %q is not a field element", s)
	}
	return e, nil
}

// matchCommitment checks that the proof asserts the stored commitment.
// The stored value not parsing is a server-side fault, not a verdict.
func matchCommitment(signals PublicSignals, commitment string) error {
	if len(signals) == 0 {
		return reject(ReasonMalformedProof, "missing public signals")
	}
	asserted, verr := parseSignal(signals[0])
	if verr != nil {
		return verr
	}
	var expected fr.Element
	if _, err := expected.SetString(commitment); err != nil {
		return fmt.Errorf("stored commitment is not a field element: %w", err)
	}
	if !asserted.Equal(&expected) {
		return reject(ReasonSignalMismatch, "proof does not assert the expected commitment")
	}
	return nil
}
