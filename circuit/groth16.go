// Package circuit checks chain state proofs made with Groth16 over BN254.
//
// A proof's public inputs are the chain state digest and the accumulator root,
// each split into two 128 bit halves so they fit in the scalar field:
//
//	[chain state hi, chain state lo, root hi, root lo]
package circuit

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"go.uber.org/zap"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/spv"
)

const (
	curve = ecc.BN254

	provingKeyFile   = "statement.pk"
	verifyingKeyFile = "statement.vk"
)

// Statement is the public part of a chain state circuit.
type Statement struct {
	ChainStateHi frontend.Variable `gnark:",public"`
	ChainStateLo frontend.Variable `gnark:",public"`
	RootHi       frontend.Variable `gnark:",public"`
	RootLo       frontend.Variable `gnark:",public"`
}

// Define only range checks the halves.
func (s *Statement) Define(api frontend.API) error {
	for _, v := range []frontend.Variable{s.ChainStateHi, s.ChainStateLo, s.RootHi, s.RootLo} {
		api.ToBinary(v, 128)
	}
	return nil
}

func halves(h blockmmr.Hash) (*big.Int, *big.Int) {
	return new(big.Int).SetBytes(h[:16]), new(big.Int).SetBytes(h[16:])
}

// NewStatement returns the assignment for the given chain state and root.
func NewStatement(state spv.ChainState, root blockmmr.Hash) (*Statement, error) {
	digest, err := state.Digest()
	if err != nil {
		return nil, fmt.Errorf("chain state digest: %w", err)
	}
	stateHi, stateLo := halves(digest)
	rootHi, rootLo := halves(root)
	return &Statement{
		ChainStateHi: stateHi,
		ChainStateLo: stateLo,
		RootHi:       rootHi,
		RootLo:       rootLo,
	}, nil
}

var _ spv.CircuitVerifier = (*Groth16Verifier)(nil)

// Groth16Verifier implements spv.CircuitVerifier.
type Groth16Verifier struct {
	vk     groth16.VerifyingKey
	logger *zap.Logger
}

// NewGroth16Verifier returns a verifier for proofs made with the proving key
// matching vk.
func NewGroth16Verifier(vk groth16.VerifyingKey, logger *zap.Logger) *Groth16Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Groth16Verifier{vk: vk, logger: logger.Named("groth16")}
}

// ReadVerifyingKey reads a BN254 verifying key.
func ReadVerifyingKey(r io.Reader) (groth16.VerifyingKey, error) {
	vk := groth16.NewVerifyingKey(curve)
	if _, err := vk.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("failed to read verifying key: %w", err)
	}
	return vk, nil
}

// LoadVerifyingKey reads a verifying key from a file.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadVerifyingKey(f)
}

// Verify returns whether payload is a valid proof of the statement made of
// state and root.
func (v *Groth16Verifier) Verify(state spv.ChainState, root blockmmr.Hash, payload []byte) bool {
	statement, err := NewStatement(state, root)
	if err != nil {
		v.logger.Debug("bad chain state", zap.Error(err))
		return false
	}
	public, err := frontend.NewWitness(statement, curve.ScalarField(), frontend.PublicOnly())
	if err != nil {
		v.logger.Debug("failed to build public witness", zap.Error(err))
		return false
	}

	proof := groth16.NewProof(curve)
	if _, err := proof.ReadFrom(bytes.NewReader(payload)); err != nil {
		v.logger.Debug("failed to decode proof", zap.Error(err))
		return false
	}

	if err := groth16.Verify(proof, v.vk, public); err != nil {
		v.logger.Debug("proof rejected", zap.Error(err))
		return false
	}
	return true
}

// Groth16Prover proves bare statements. It has no knowledge of the chain and
// attests whatever it's given, so it's only fit for trusted deployments and
// tests.
type Groth16Prover struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

func compile() (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(curve.ScalarField(), r1cs.NewBuilder, &Statement{})
	if err != nil {
		return nil, fmt.Errorf("failed to compile statement circuit: %w", err)
	}
	return ccs, nil
}

// NewGroth16Prover runs a fresh setup.
func NewGroth16Prover() (*Groth16Prover, error) {
	ccs, err := compile()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup: %w", err)
	}
	return &Groth16Prover{ccs: ccs, pk: pk, vk: vk}, nil
}

// OpenGroth16Prover loads the keys kept in dir, running the setup and saving
// them there first if they're missing.
func OpenGroth16Prover(dir string) (*Groth16Prover, error) {
	pkPath := filepath.Join(dir, provingKeyFile)
	vkPath := filepath.Join(dir, verifyingKeyFile)

	if _, err := os.Stat(pkPath); os.IsNotExist(err) {
		p, err := NewGroth16Prover()
		if err != nil {
			return nil, err
		}
		if err := p.save(dir); err != nil {
			return nil, err
		}
		return p, nil
	}

	ccs, err := compile()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(pkPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(curve)
	if _, err := pk.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("failed to read proving key: %w", err)
	}
	vk, err := LoadVerifyingKey(vkPath)
	if err != nil {
		return nil, err
	}
	return &Groth16Prover{ccs: ccs, pk: pk, vk: vk}, nil
}

func writeKey(path string, key io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := key.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func (p *Groth16Prover) save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := writeKey(filepath.Join(dir, provingKeyFile), p.pk); err != nil {
		return err
	}
	return writeKey(filepath.Join(dir, verifyingKeyFile), p.vk)
}

// VerifyingKey returns the key proofs from p verify against.
func (p *Groth16Prover) VerifyingKey() groth16.VerifyingKey {
	return p.vk
}

// Prove returns a serialized proof of the statement.
func (p *Groth16Prover) Prove(state spv.ChainState, root blockmmr.Hash) ([]byte, error) {
	statement, err := NewStatement(state, root)
	if err != nil {
		return nil, err
	}
	full, err := frontend.NewWitness(statement, curve.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("failed to build witness: %w", err)
	}
	proof, err := groth16.Prove(p.ccs, p.pk, full)
	if err != nil {
		return nil, fmt.Errorf("groth16 prove: %w", err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize proof: %w", err)
	}
	return buf.Bytes(), nil
}
