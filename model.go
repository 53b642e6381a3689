package statechain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ModelConfig describes a linear time-invariant system
//
//	x[k+1] = A·x[k] + B·u[k]
//	y[k]   = C·x[k] + D·u[k]
//
// Matrices are given row-major as [][]float64 and must be rectangular.
type ModelConfig struct {
	StateSize  int         `yaml:"state_size"`
	InputSize  int         `yaml:"input_size"`
	OutputSize int         `yaml:"output_size"`
	A          [][]float64 `yaml:"a"` // StateSize x StateSize
	B          [][]float64 `yaml:"b"` // StateSize x InputSize
	C          [][]float64 `yaml:"c"` // OutputSize x StateSize
	D          [][]float64 `yaml:"d"` // OutputSize x InputSize

	// Signer is the key pair that commits this model's transitions.
	// A fresh Ed25519 key pair is generated when nil.
	Signer *Signer `yaml:"-"`

	// Clock stamps transition records; defaults to time.Now.
	Clock func() time.Time `yaml:"-"`
}

// TransitionRecord is the result of exactly one Model.Transition call.
// All slices are private copies; the record is never mutated afterwards.
type TransitionRecord struct {
	PreviousState []float64
	NextState     []float64
	Input         []float64
	Output        []float64
	Timestamp     int64 // unix millis
}

// SameTransition reports whether two records describe the same step,
// ignoring Timestamp. Used for replay determinism checks.
func (r TransitionRecord) SameTransition(o TransitionRecord) bool {
	return equalVec(r.PreviousState, o.PreviousState) &&
		equalVec(r.NextState, o.NextState) &&
		equalVec(r.Input, o.Input) &&
		equalVec(r.Output, o.Output)
}

// Model is the linear state-space engine. It owns its state vector and its
// signing key; both are only reachable through methods.
//
// Results are reproducible for a given binary and platform. IEEE-754 alone
// does not make gonum's dot products bit-identical across architectures, so
// replays on different hardware should compare with a tolerance.
type Model struct {
	mu sync.Mutex

	stateSize  int
	inputSize  int
	outputSize int

	a, b, c, d *mat.Dense
	state      *mat.VecDense
	digest     Hash

	signer *Signer
	now    func() time.Time
}

// NewModel validates cfg and returns a model at the all-zero state.
func NewModel(cfg ModelConfig) (*Model, error) {
	if cfg.StateSize < 1 || cfg.InputSize < 1 || cfg.OutputSize < 1 {
		return nil, &ConfigurationError{
			Matrix:   "sizes",
			Expected: "state, input and output sizes >= 1",
			Actual:   fmt.Sprintf("state=%d input=%d output=%d", cfg.StateSize, cfg.InputSize, cfg.OutputSize),
		}
	}

	a, err := denseFrom("A", cfg.A, cfg.StateSize, cfg.StateSize)
	if err != nil {
		return nil, err
	}
	b, err := denseFrom("B", cfg.B, cfg.StateSize, cfg.InputSize)
	if err != nil {
		return nil, err
	}
	c, err := denseFrom("C", cfg.C, cfg.OutputSize, cfg.StateSize)
	if err != nil {
		return nil, err
	}
	d, err := denseFrom("D", cfg.D, cfg.OutputSize, cfg.InputSize)
	if err != nil {
		return nil, err
	}

	signer := cfg.Signer
	if signer == nil {
		signer, err = GenerateSigner()
		if err != nil {
			return nil, err
		}
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Model{
		stateSize:  cfg.StateSize,
		inputSize:  cfg.InputSize,
		outputSize: cfg.OutputSize,
		a:          a,
		b:          b,
		c:          c,
		d:          d,
		state:      mat.NewVecDense(cfg.StateSize, nil),
		digest:     sha256.Sum256(encodeSystem(cfg)),
		signer:     signer,
		now:        now,
	}, nil
}

// denseFrom checks rows against the declared shape and copies them into a gonum matrix.
func denseFrom(name string, rows [][]float64, wantRows, wantCols int) (*mat.Dense, error) {
	if len(rows) != wantRows {
		gotCols := 0
		if len(rows) > 0 {
			gotCols = len(rows[0])
		}
		return nil, shapeError(name, wantRows, wantCols, len(rows), gotCols)
	}
	data := make([]float64, 0, wantRows*wantCols)
	for i, row := range rows {
		if len(row) != wantCols {
			return nil, &ConfigurationError{
				Matrix:   name,
				Expected: fmt.Sprintf("%d columns in every row", wantCols),
				Actual:   fmt.Sprintf("row %d has %d", i, len(row)),
			}
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &ConfigurationError{
					Matrix:   name,
					Expected: "finite entries",
					Actual:   fmt.Sprintf("[%d][%d] = %v", i, j, v),
				}
			}
		}
		data = append(data, row...)
	}
	return mat.NewDense(wantRows, wantCols, data), nil
}

// Transition applies one step of the recurrence with input u and returns the
// full record. On any error the state is left exactly as it was.
func (m *Model) Transition(input []float64) (TransitionRecord, error) {
	if len(input) != m.inputSize {
		return TransitionRecord{}, &DimensionMismatchError{Expected: m.inputSize, Actual: len(input)}
	}
	if err := checkFinite("input", input); err != nil {
		return TransitionRecord{}, err
	}

	u := mat.NewVecDense(m.inputSize, cloneVec(input))

	m.mu.Lock()
	defer m.mu.Unlock()

	next := mat.NewVecDense(m.stateSize, nil)
	next.MulVec(m.a, m.state)
	bu := mat.NewVecDense(m.stateSize, nil)
	bu.MulVec(m.b, u)
	next.AddVec(next, bu)

	out := mat.NewVecDense(m.outputSize, nil)
	out.MulVec(m.c, m.state)
	du := mat.NewVecDense(m.outputSize, nil)
	du.MulVec(m.d, u)
	out.AddVec(out, du)

	rec := TransitionRecord{
		PreviousState: vecData(m.state),
		NextState:     vecData(next),
		Input:         cloneVec(input),
		Output:        vecData(out),
		Timestamp:     m.now().UnixMilli(),
	}
	if err := checkFinite("next_state", rec.NextState); err != nil {
		return TransitionRecord{}, err
	}
	if err := checkFinite("output", rec.Output); err != nil {
		return TransitionRecord{}, err
	}

	m.state = next
	return rec, nil
}

// CurrentState returns a copy of the live state vector.
func (m *Model) CurrentState() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return vecData(m.state)
}

// Reset returns the state to all zeros. Matrices and keys are untouched.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = mat.NewVecDense(m.stateSize, nil)
}

// rollback undoes rec if it is still the latest transition. Used when the
// audit entry for rec could not be written.
func (m *Model) rollback(rec TransitionRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !equalVec(vecData(m.state), rec.NextState) {
		return false
	}
	m.state = mat.NewVecDense(m.stateSize, cloneVec(rec.PreviousState))
	return true
}

// PublicKey returns the verification key for this model's commitments.
func (m *Model) PublicKey() ed25519.PublicKey {
	return m.signer.PublicKey()
}

// Commit hashes and signs rec with the model's private key.
func (m *Model) Commit(rec TransitionRecord) (Commitment, error) {
	return m.signer.Commit(rec)
}

// Sizes returns the state, input and output dimensions.
func (m *Model) Sizes() (state, input, output int) {
	return m.stateSize, m.inputSize, m.outputSize
}

// ConfigDigest is SHA-256 over the canonical encoding of the sizes and
// matrices. Two models with the same digest evolve identically.
func (m *Model) ConfigDigest() Hash {
	return m.digest
}

func vecData(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

func cloneVec(v []float64) []float64 {
	return append([]float64(nil), v...)
}

func equalVec(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(canonicalFloat(a[i])) != math.Float64bits(canonicalFloat(b[i])) {
			return false
		}
	}
	return true
}

func checkFinite(field string, v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return &SerializationError{Field: field, Index: i, Value: x}
		}
	}
	return nil
}
