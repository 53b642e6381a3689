package statechain

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleRecord() TransitionRecord {
	return TransitionRecord{
		PreviousState: []float64{1.0, 0.5},
		NextState:     []float64{1.975, 1.025},
		Input:         []float64{1.0},
		Output:        []float64{1.35},
		Timestamp:     1_700_000_000_123,
	}
}

func TestEncodeRecord_Layout(t *testing.T) {
	b, err := EncodeRecord(sampleRecord())
	require.NoError(t, err)

	// tag(1, bytes) len "statechain.transition.v1"
	require.Greater(t, len(b), 26)
	assert.Equal(t, byte(0x0a), b[0])
	assert.Equal(t, byte(len(recordFormat)), b[1])
	assert.Equal(t, recordFormat, string(b[2:2+len(recordFormat)]))

	// 2+24 format, 4 vectors of (tag, len, 8n), then tag + fixed64.
	assert.Len(t, b, 2+24+(2+16)+(2+16)+(2+8)+(2+8)+(1+8))

	// Timestamp is the last 8 bytes, little-endian fixed64.
	ts, n := protowire.ConsumeFixed64(b[len(b)-8:])
	require.Equal(t, 8, n)
	assert.Equal(t, uint64(1_700_000_000_123), ts)
}

func TestEncodeRecord_Deterministic(t *testing.T) {
	a, err := EncodeRecord(sampleRecord())
	require.NoError(t, err)
	b, err := EncodeRecord(sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	pos := sampleRecord()
	pos.PreviousState = []float64{0, 0}
	neg := sampleRecord()
	neg.PreviousState = []float64{math.Copysign(0, -1), 0}

	pb, err := EncodeRecord(pos)
	require.NoError(t, err)
	nb, err := EncodeRecord(neg)
	require.NoError(t, err)
	assert.Equal(t, pb, nb, "-0 and +0 must encode identically")
	assert.True(t, pos.SameTransition(neg))
}

func TestEncodeRecord_RejectsNonFinite(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TransitionRecord)
		field  string
		index  int
	}{
		{"NaN previous", func(r *TransitionRecord) { r.PreviousState[1] = math.NaN() }, "previous_state", 1},
		{"+Inf next", func(r *TransitionRecord) { r.NextState[0] = math.Inf(1) }, "next_state", 0},
		{"-Inf input", func(r *TransitionRecord) { r.Input[0] = math.Inf(-1) }, "input", 0},
		{"NaN output", func(r *TransitionRecord) { r.Output[0] = math.NaN() }, "output", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := sampleRecord()
			tt.mutate(&rec)
			_, err := EncodeRecord(rec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNonFinite))

			var se *SerializationError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.field, se.Field)
			assert.Equal(t, tt.index, se.Index)
		})
	}
}

func TestDecodeRecord(t *testing.T) {
	rec := sampleRecord()
	b, err := EncodeRecord(rec)
	require.NoError(t, err)

	got, err := DecodeRecord(b)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestDecodeRecord_Malformed(t *testing.T) {
	good, err := EncodeRecord(sampleRecord())
	require.NoError(t, err)

	wrongFormat := protowire.AppendTag(nil, fieldFormat, protowire.BytesType)
	wrongFormat = protowire.AppendString(wrongFormat, "statechain.transition.v0")
	wrongFormat = append(wrongFormat, good[2+len(recordFormat):]...)

	// next_state before previous_state.
	swapped := protowire.AppendTag(nil, fieldFormat, protowire.BytesType)
	swapped = protowire.AppendString(swapped, recordFormat)
	swapped = protowire.AppendTag(swapped, fieldNext, protowire.BytesType)
	swapped = protowire.AppendBytes(swapped, packFloats([]float64{1}))
	swapped = protowire.AppendTag(swapped, fieldPrev, protowire.BytesType)
	swapped = protowire.AppendBytes(swapped, packFloats([]float64{1}))

	oddPacked := protowire.AppendTag(nil, fieldFormat, protowire.BytesType)
	oddPacked = protowire.AppendString(oddPacked, recordFormat)
	oddPacked = protowire.AppendTag(oddPacked, fieldPrev, protowire.BytesType)
	oddPacked = protowire.AppendBytes(oddPacked, make([]byte, 7))

	nanPacked := protowire.AppendTag(nil, fieldFormat, protowire.BytesType)
	nanPacked = protowire.AppendString(nanPacked, recordFormat)
	nanPacked = protowire.AppendTag(nanPacked, fieldPrev, protowire.BytesType)
	nanPacked = protowire.AppendBytes(nanPacked, packFloats([]float64{math.NaN()}))

	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"truncated", good[:len(good)-3]},
		{"trailing byte", append(append([]byte(nil), good...), 0)},
		{"wrong format", wrongFormat},
		{"fields out of order", swapped},
		{"packed length not multiple of 8", oddPacked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecord(tt.b)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}

	_, err = DecodeRecord(nanPacked)
	assert.True(t, errors.Is(err, ErrNonFinite))
}

func TestCommitmentEncoding(t *testing.T) {
	_, _, c := committedStep(t)

	b := EncodeCommitment(c)
	got, err := DecodeCommitment(b)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	short := protowire.AppendTag(nil, fieldHash, protowire.BytesType)
	short = protowire.AppendBytes(short, make([]byte, 31))
	_, err = DecodeCommitment(short)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = DecodeCommitment(append(b, 0x00))
	assert.True(t, errors.Is(err, ErrMalformed))
}
