package proof

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	gnark_groth16 "github.com/consensys/gnark/backend/groth16"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"
	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
)

// Groth16Verifier runs the real pairing check against a verification key
// loaded once at construction.
type Groth16Verifier struct {
	config   Config
	logger   *zap.Logger
	vk       *groth16_bn254.VerifyingKey
	nbPublic int
	now      func() time.Time
}

// NewGroth16Verifier loads the verification key and prepares the backend.
// Missing or unparseable key material is a hard error.
func NewGroth16Verifier(config Config, logger *zap.Logger) (*Groth16Verifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// gnark writes progress to its own global logger; route it nowhere.
	gnarklogger.Set(zerolog.New(io.Discard).Level(zerolog.Disabled))

	if config.VerifyingKeyPath == "" {
		return nil, fmt.Errorf("groth16 backend requires a verification key path")
	}
	data, err := os.ReadFile(config.VerifyingKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read verification key: %w", err)
	}

	var vk *groth16_bn254.VerifyingKey
	switch config.KeyFormat {
	case "", "snarkjs":
		vk, err = parseSnarkJSVerifyingKey(data)
	case "gnark":
		vk, err = parseGnarkVerifyingKey(data)
	default:
		return nil, fmt.Errorf("unknown verification key format: %q", config.KeyFormat)
	}
	if err != nil {
		return nil, err
	}

	nbPublic := len(vk.G1.K) - 1
	if nbPublic < 1 {
		return nil, fmt.Errorf("verification key binds no public signals")
	}

	logger.Info("groth16 verifier ready",
		zap.String("key_path", config.VerifyingKeyPath),
		zap.Int("public_signals", nbPublic))

	return &Groth16Verifier{
		config:   config,
		logger:   logger,
		vk:       vk,
		nbPublic: nbPublic,
		now:      time.Now,
	}, nil
}

// Verify implements Verifier. Cheap checks run before the pairing so that
// policy-rejected and malformed proofs never reach the expensive path.
func (v *Groth16Verifier) Verify(ctx context.Context, p *Proof, signals PublicSignals, commitment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if verr := p.validateStructure(); verr != nil {
		return verr
	}
	if p.Tampered {
		return reject(ReasonTampered, "proof is flagged as tampered")
	}
	if len(signals) != v.nbPublic {
		return reject(ReasonMalformedProof, "expected %d public signals, got %d", v.nbPublic, len(signals))
	}
	if verr := checkFreshness(signals, v.config.MaxProofAge, v.config.ClockSkew, v.now()); verr != nil {
		return verr
	}
	if err := matchCommitment(signals, commitment); err != nil {
		return err
	}

	gnarkProof, verr := convertProof(p)
	if verr != nil {
		return verr
	}
	publicWitness, verr := buildPublicWitness(signals)
	if verr != nil {
		return verr
	}

	if err := gnark_groth16.Verify(gnarkProof, v.vk, publicWitness); err != nil {
		return reject(ReasonCryptographicFailure, "pairing check rejected the proof")
	}
	return nil
}

// publicInputCircuit mirrors an arbitrary circuit's public interface so a
// witness can be built from ordered signals without the original circuit
// definition.
type publicInputCircuit struct {
	PublicInputs []frontend.Variable `gnark:",public"`
}

func (c *publicInputCircuit) Define(api frontend.API) error {
	for i := range c.PublicInputs {
		api.AssertIsEqual(c.PublicInputs[i], c.PublicInputs[i])
	}
	return nil
}

func buildPublicWitness(signals PublicSignals) (witness.Witness, *VerifyError) {
	assignment := &publicInputCircuit{PublicInputs: make([]frontend.Variable, len(signals))}
	for i, s := range signals {
		value, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, reject(ReasonMalformedProof, "public signal %d is not a decimal integer", i)
		}
		assignment.PublicInputs[i] = value
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return nil, reject(ReasonMalformedProof, "failed to build public witness: %v", err)
	}
	return w, nil
}
