package statechain

import (
	"testing"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"
)

// scenarioConfig is the two-state, one-input, one-output system used across tests.
func scenarioConfig() ModelConfig {
	return ModelConfig{
		StateSize:  2,
		InputSize:  1,
		OutputSize: 1,
		A:          [][]float64{{0.95, 0.05}, {0.05, 0.95}},
		B:          [][]float64{{1.0}, {0.5}},
		C:          [][]float64{{1.0, 0.5}},
		D:          [][]float64{{0.1}},
	}
}

// counterConfig is x' = x + u, y = x.
func counterConfig() ModelConfig {
	return ModelConfig{
		StateSize:  1,
		InputSize:  1,
		OutputSize: 1,
		A:          [][]float64{{1}},
		B:          [][]float64{{1}},
		C:          [][]float64{{1}},
		D:          [][]float64{{0}},
	}
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newTestModel(t *testing.T, cfg ModelConfig) *Model {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = fixedClock(1_700_000_000_000)
	}
	m, err := NewModel(cfg)
	require.NoError(t, err)
	return m
}

func newTestMetrics() *Metrics {
	return NewMetrics(gometrics.NewRegistry())
}

// appendNotes appends n admin notes through c and returns the entries.
func appendNotes(t *testing.T, c *Chain, n int) []AuditEntry {
	t.Helper()
	out := make([]AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := c.AppendEvent(NoteEvent{Author: "test", Text: string(rune('a' + i%26))})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// nextEntry builds a correctly hashed entry extending tail.
func nextEntry(tail TailState, eventType string, payload []byte) AuditEntry {
	e := AuditEntry{
		Index:     tail.Index + 1,
		Timestamp: int64(1_700_000_000_000 + tail.Index),
		EventType: eventType,
		Payload:   payload,
		PrevHash:  tail.Hash,
	}
	e.EventHash = ComputeEventHash(e)
	return e
}

func cloneEntries(in []AuditEntry) []AuditEntry {
	out := make([]AuditEntry, len(in))
	for i, e := range in {
		e.Payload = append([]byte(nil), e.Payload...)
		out[i] = e
	}
	return out
}
