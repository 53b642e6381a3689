package statechain

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModel_Scenario(t *testing.T) {
	m := newTestModel(t, scenarioConfig())

	first, err := m.Transition([]float64{1.0})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, first.PreviousState)
	assert.InDeltaSlice(t, []float64{1.0, 0.5}, first.NextState, 1e-12)
	assert.InDeltaSlice(t, []float64{0.1}, first.Output, 1e-12)
	assert.Equal(t, []float64{1.0}, first.Input)
	assert.Equal(t, int64(1_700_000_000_000), first.Timestamp)

	second, err := m.Transition([]float64{1.0})
	require.NoError(t, err)
	assert.Equal(t, first.NextState, second.PreviousState)
	// A·[1, 0.5] + B·1 = [0.975+1, 0.525+0.5]
	assert.InDeltaSlice(t, []float64{1.975, 1.025}, second.NextState, 1e-12)
	// C·[1, 0.5] + D·1 = 1.25 + 0.1
	assert.InDeltaSlice(t, []float64{1.35}, second.Output, 1e-12)

	assert.Equal(t, second.NextState, m.CurrentState())
}

func TestModel_DimensionMismatch(t *testing.T) {
	m := newTestModel(t, scenarioConfig())
	_, err := m.Transition([]float64{1})
	require.NoError(t, err)
	before := m.CurrentState()

	for _, in := range [][]float64{nil, {}, {1, 2}} {
		_, err := m.Transition(in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDimensionMismatch))

		var dim *DimensionMismatchError
		require.True(t, errors.As(err, &dim))
		assert.Equal(t, 1, dim.Expected)
		assert.Equal(t, len(in), dim.Actual)
	}
	assert.Equal(t, before, m.CurrentState())
}

func TestNewModel_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModelConfig)
		matrix string
	}{
		{"zero state size", func(c *ModelConfig) { c.StateSize = 0 }, "sizes"},
		{"negative output size", func(c *ModelConfig) { c.OutputSize = -1 }, "sizes"},
		{"A missing row", func(c *ModelConfig) { c.A = c.A[:1] }, "A"},
		{"A ragged", func(c *ModelConfig) { c.A = [][]float64{{1, 0}, {0}} }, "A"},
		{"B wrong columns", func(c *ModelConfig) { c.B = [][]float64{{1, 2}, {3, 4}} }, "B"},
		{"C nil", func(c *ModelConfig) { c.C = nil }, "C"},
		{"D extra row", func(c *ModelConfig) { c.D = [][]float64{{0.1}, {0.2}} }, "D"},
		{"A NaN", func(c *ModelConfig) { c.A[1][1] = math.NaN() }, "A"},
		{"D infinite", func(c *ModelConfig) { c.D[0][0] = math.Inf(-1) }, "D"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := scenarioConfig()
			tt.mutate(&cfg)
			m, err := NewModel(cfg)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, ErrConfiguration))

			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.matrix, ce.Matrix)
		})
	}
}

func TestModel_NonFiniteInput(t *testing.T) {
	m := newTestModel(t, scenarioConfig())

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := m.Transition([]float64{v})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNonFinite))
	}
	assert.Equal(t, []float64{0, 0}, m.CurrentState())
}

func TestModel_OverflowLeavesStateUntouched(t *testing.T) {
	cfg := counterConfig()
	cfg.B = [][]float64{{math.MaxFloat64}}
	m := newTestModel(t, cfg)

	_, err := m.Transition([]float64{1})
	require.NoError(t, err)

	_, err = m.Transition([]float64{2})
	require.Error(t, err)

	var se *SerializationError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "next_state", se.Field)
	assert.Equal(t, []float64{math.MaxFloat64}, m.CurrentState())
}

func randomConfig(r *rand.Rand, n, k, p int) ModelConfig {
	fill := func(rows, cols int, scale float64) [][]float64 {
		out := make([][]float64, rows)
		for i := range out {
			out[i] = make([]float64, cols)
			for j := range out[i] {
				out[i][j] = (r.Float64()*2 - 1) * scale
			}
		}
		return out
	}
	return ModelConfig{
		StateSize:  n,
		InputSize:  k,
		OutputSize: p,
		A:          fill(n, n, 0.9/float64(n)),
		B:          fill(n, k, 1),
		C:          fill(p, n, 1),
		D:          fill(p, k, 1),
	}
}

func TestModel_DeterministicReplay(t *testing.T) {
	for seed := uint64(1); seed <= 100; seed++ {
		r := rand.New(rand.NewPCG(seed, seed*7919))
		n, k, p := 1+r.IntN(5), 1+r.IntN(3), 1+r.IntN(3)
		cfg := randomConfig(r, n, k, p)

		inputs := make([][]float64, 20+r.IntN(120))
		for i := range inputs {
			inputs[i] = make([]float64, k)
			for j := range inputs[i] {
				inputs[i][j] = r.NormFloat64()
			}
		}

		run := func() []TransitionRecord {
			m := newTestModel(t, cfg)
			out := make([]TransitionRecord, 0, len(inputs))
			for _, u := range inputs {
				rec, err := m.Transition(u)
				require.NoError(t, err)
				out = append(out, rec)
			}
			return out
		}

		a, b := run(), run()
		require.Len(t, b, len(a))
		for i := range a {
			require.True(t, a[i].SameTransition(b[i]), "seed %d step %d differs", seed, i)
			ea, err := EncodeRecord(a[i])
			require.NoError(t, err)
			eb, err := EncodeRecord(b[i])
			require.NoError(t, err)
			require.Equal(t, ea, eb, "seed %d step %d encodes differently", seed, i)
		}
	}
}

func TestModel_Reset(t *testing.T) {
	m := newTestModel(t, scenarioConfig())
	pub := m.PublicKey()
	digest := m.ConfigDigest()

	for i := 0; i < 3; i++ {
		_, err := m.Transition([]float64{1})
		require.NoError(t, err)
	}
	require.NotEqual(t, []float64{0, 0}, m.CurrentState())

	m.Reset()
	assert.Equal(t, []float64{0, 0}, m.CurrentState())
	assert.Equal(t, pub, m.PublicKey())
	assert.Equal(t, digest, m.ConfigDigest())

	rec, err := m.Transition([]float64{1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.0, 0.5}, rec.NextState, 1e-12)
}

func TestModel_ReturnsCopies(t *testing.T) {
	m := newTestModel(t, scenarioConfig())

	in := []float64{1}
	rec, err := m.Transition(in)
	require.NoError(t, err)

	in[0] = 42
	assert.Equal(t, []float64{1}, rec.Input)

	state := m.CurrentState()
	state[0] = 42
	assert.InDeltaSlice(t, []float64{1.0, 0.5}, m.CurrentState(), 1e-12)

	rec.NextState[0] = 42
	assert.InDeltaSlice(t, []float64{1.0, 0.5}, m.CurrentState(), 1e-12)

	pub := m.PublicKey()
	pub[0] ^= 0xff
	assert.NotEqual(t, pub, m.PublicKey())
}

func TestModel_ConcurrentTransitions(t *testing.T) {
	const workers, steps = 8, 50
	m := newTestModel(t, counterConfig())

	var (
		mu   sync.Mutex
		recs []TransitionRecord
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < steps; i++ {
				rec, err := m.Transition([]float64{1})
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				recs = append(recs, rec)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, recs, workers*steps)
	assert.Equal(t, []float64{workers * steps}, m.CurrentState())

	// Serializable: every previous state 0..N-1 appears exactly once.
	prev := make([]float64, len(recs))
	for i, r := range recs {
		assert.Equal(t, r.PreviousState[0]+1, r.NextState[0])
		prev[i] = r.PreviousState[0]
	}
	sort.Float64s(prev)
	for i, p := range prev {
		require.Equal(t, float64(i), p)
	}
}

func TestModel_ConfigDigest(t *testing.T) {
	a := newTestModel(t, scenarioConfig())
	b := newTestModel(t, scenarioConfig())
	assert.Equal(t, a.ConfigDigest(), b.ConfigDigest())
	assert.NotEqual(t, a.PublicKey(), b.PublicKey())

	cfg := scenarioConfig()
	cfg.D[0][0] = math.Nextafter(0.1, 1)
	c := newTestModel(t, cfg)
	assert.NotEqual(t, a.ConfigDigest(), c.ConfigDigest())
}

func TestModel_InjectedSigner(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	cfg := scenarioConfig()
	cfg.Signer = s
	m := newTestModel(t, cfg)
	assert.Equal(t, s.PublicKey(), m.PublicKey())

	n, k, p := m.Sizes()
	assert.Equal(t, []int{2, 1, 1}, []int{n, k, p})
}

func TestModel_Rollback(t *testing.T) {
	m := newTestModel(t, counterConfig())

	first, err := m.Transition([]float64{1})
	require.NoError(t, err)
	second, err := m.Transition([]float64{1})
	require.NoError(t, err)

	assert.False(t, m.rollback(first), "first is no longer the latest step")
	assert.True(t, m.rollback(second))
	assert.Equal(t, []float64{1}, m.CurrentState())
}
