package proof

import (
	"bytes"
	"encoding/json"
	"fmt"

	curve "github.com/consensys/gnark-crypto/ecc/bn254"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
)

// snarkJSVerifyingKey is the verification_key.json layout exported by
// snarkjs. Coordinates are decimal strings; G2 elements are pairs of
// base-field components.
type snarkJSVerifyingKey struct {
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	NPublic  int        `json:"nPublic"`
	VkAlpha1 []string   `json:"vk_alpha_1"`
	VkBeta2  [][]string `json:"vk_beta_2"`
	VkGamma2 [][]string `json:"vk_gamma_2"`
	VkDelta2 [][]string `json:"vk_delta_2"`
	IC       [][]string `json:"IC"`
}

// g1FromStrings builds an affine G1 point from snarkjs projective decimal
// coordinates. snarkjs always exports affine points, so the trailing
// projective coordinate must be exactly 1.
func g1FromStrings(coords []string) (curve.G1Affine, error) {
	var p curve.G1Affine
	if len(coords) != 3 {
		return p, fmt.Errorf("g1 point needs 3 coordinates, got %d", len(coords))
	}
	if coords[2] != "1" {
		return p, fmt.Errorf("g1 point is not in affine form")
	}
	if _, err := p.X.SetString(coords[0]); err != nil {
		return p, fmt.Errorf("invalid g1 x coordinate: %w", err)
	}
	if _, err := p.Y.SetString(coords[1]); err != nil {
		return p, fmt.Errorf("invalid g1 y coordinate: %w", err)
	}
	return p, nil
}

// g2FromStrings builds an affine G2 point from the snarkjs component-pair
// layout [[x0,x1],[y0,y1],[1,0]].
func g2FromStrings(coords [][]string) (curve.G2Affine, error) {
	var p curve.G2Affine
	if len(coords) != 3 {
		return p, fmt.Errorf("g2 point needs 3 coordinate pairs, got %d", len(coords))
	}
	for i, pair := range coords {
		if len(pair) != 2 {
			return p, fmt.Errorf("g2 coordinate %d needs 2 components, got %d", i, len(pair))
		}
	}
	if coords[2][0] != "1" || coords[2][1] != "0" {
		return p, fmt.Errorf("g2 point is not in affine form")
	}
	if _, err := p.X.A0.SetString(coords[0][0]); err != nil {
		return p, fmt.Errorf("invalid g2 x0 coordinate: %w", err)
	}
	if _, err := p.X.A1.SetString(coords[0][1]); err != nil {
		return p, fmt.Errorf("invalid g2 x1 coordinate: %w", err)
	}
	if _, err := p.Y.A0.SetString(coords[1][0]); err != nil {
		return p, fmt.Errorf("invalid g2 y0 coordinate: %w", err)
	}
	if _, err := p.Y.A1.SetString(coords[1][1]); err != nil {
		return p, fmt.Errorf("invalid g2 y1 coordinate: %w", err)
	}
	return p, nil
}

// convertProof maps a snarkjs proof onto gnark's bn254 representation.
// Well-formed encodings of points outside the curve or its prime-order
// subgroup are classified as tampering rather than malformation.
func convertProof(p *Proof) (*groth16_bn254.Proof, *VerifyError) {
	ar, err := g1FromStrings(p.PiA)
	if err != nil {
		return nil, reject(ReasonMalformedProof, "pi_a: %v", err)
	}
	bs, err := g2FromStrings(p.PiB)
	if err != nil {
		return nil, reject(ReasonMalformedProof, "pi_b: %v", err)
	}
	krs, err := g1FromStrings(p.PiC)
	if err != nil {
		return nil, reject(ReasonMalformedProof, "pi_c: %v", err)
	}

	if !ar.IsOnCurve() || !ar.IsInSubGroup() {
		return nil, reject(ReasonTampered, "pi_a is not a valid group element")
	}
	if !bs.IsOnCurve() || !bs.IsInSubGroup() {
		return nil, reject(ReasonTampered, "pi_b is not a valid group element")
	}
	if !krs.IsOnCurve() || !krs.IsInSubGroup() {
		return nil, reject(ReasonTampered, "pi_c is not a valid group element")
	}

	return &groth16_bn254.Proof{Ar: ar, Bs: bs, Krs: krs}, nil
}

// parseSnarkJSVerifyingKey builds a gnark verifying key from
// verification_key.json contents, including the pairing precomputation.
func parseSnarkJSVerifyingKey(data []byte) (*groth16_bn254.VerifyingKey, error) {
	var vkj snarkJSVerifyingKey
	if err := json.Unmarshal(data, &vkj); err != nil {
		return nil, fmt.Errorf("failed to parse verification key json: %w", err)
	}
	if vkj.Protocol != "groth16" {
		return nil, fmt.Errorf("verification key protocol is %q, want groth16", vkj.Protocol)
	}
	switch vkj.Curve {
	case "bn128", "bn254":
	default:
		return nil, fmt.Errorf("verification key curve is %q, want bn128", vkj.Curve)
	}
	if len(vkj.IC) == 0 {
		return nil, fmt.Errorf("verification key has no IC points")
	}
	if vkj.NPublic != len(vkj.IC)-1 {
		return nil, fmt.Errorf("verification key nPublic %d does not match %d IC points", vkj.NPublic, len(vkj.IC))
	}

	vk := &groth16_bn254.VerifyingKey{}
	var err error
	if vk.G1.Alpha, err = g1FromStrings(vkj.VkAlpha1); err != nil {
		return nil, fmt.Errorf("vk_alpha_1: %w", err)
	}
	if vk.G2.Beta, err = g2FromStrings(vkj.VkBeta2); err != nil {
		return nil, fmt.Errorf("vk_beta_2: %w", err)
	}
	if vk.G2.Gamma, err = g2FromStrings(vkj.VkGamma2); err != nil {
		return nil, fmt.Errorf("vk_gamma_2: %w", err)
	}
	if vk.G2.Delta, err = g2FromStrings(vkj.VkDelta2); err != nil {
		return nil, fmt.Errorf("vk_delta_2: %w", err)
	}
	vk.G1.K = make([]curve.G1Affine, len(vkj.IC))
	for i, ic := range vkj.IC {
		if vk.G1.K[i], err = g1FromStrings(ic); err != nil {
			return nil, fmt.Errorf("IC[%d]: %w", i, err)
		}
	}
	for i := range vk.G1.K {
		if !vk.G1.K[i].IsOnCurve() || !vk.G1.K[i].IsInSubGroup() {
			return nil, fmt.Errorf("IC[%d] is not a valid group element", i)
		}
	}

	if err := vk.Precompute(); err != nil {
		return nil, fmt.Errorf("failed to precompute verification key: %w", err)
	}
	return vk, nil
}

// parseGnarkVerifyingKey reads a verifying key in gnark's binary
// serialization.
func parseGnarkVerifyingKey(data []byte) (*groth16_bn254.VerifyingKey, error) {
	vk := &groth16_bn254.VerifyingKey{}
	if _, err := vk.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read gnark verification key: %w", err)
	}
	if err := vk.Precompute(); err != nil {
		return nil, fmt.Errorf("failed to precompute verification key: %w", err)
	}
	return vk, nil
}
