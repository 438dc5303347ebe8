package proof

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CommitmentVerifier is the structural fallback backend. It checks that the
// proof envelope is complete and that the first public signal equals the
// stored commitment. It performs no pairing check and must not be deployed
// where real cryptographic assurance is required.
type CommitmentVerifier struct {
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewCommitmentVerifier builds the fallback backend.
func NewCommitmentVerifier(config Config, logger *zap.Logger) *CommitmentVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("commitment verifier selected: proofs are checked structurally only, without cryptographic assurance")
	return &CommitmentVerifier{
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Verify implements Verifier.
func (v *CommitmentVerifier) Verify(ctx context.Context, p *Proof, signals PublicSignals, commitment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if verr := p.validateStructure(); verr != nil {
		return verr
	}
	if p.Tampered {
		return reject(ReasonTampered, "proof is flagged as tampered")
	}
	if verr := checkFreshness(signals, v.config.MaxProofAge, v.config.ClockSkew, v.now()); verr != nil {
		return verr
	}
	return matchCommitment(signals, commitment)
}
