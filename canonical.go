package statechain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Canonical encodings are protobuf wire format written field by field in
// ascending field-number order. Nothing goes through reflection or a map,
// so the bytes depend only on the values.
//
// Transition record (format "statechain.transition.v1"):
//
//	1  bytes    format tag
//	2  bytes    previous_state  packed little-endian float64
//	3  bytes    next_state      packed little-endian float64
//	4  bytes    input           packed little-endian float64
//	5  bytes    output          packed little-endian float64
//	6  fixed64  timestamp       uint64(unix millis)
//
// Commitment:
//
//	1  bytes  content hash (32 bytes)
//	2  bytes  signature
//
// Every field is always present. -0.0 is written as +0.0 and NaN/Inf are
// rejected, so equal records always produce equal bytes.
const (
	recordFormat = "statechain.transition.v1"
	systemFormat = "statechain.system.v1"
)

const (
	fieldFormat protowire.Number = 1
	fieldPrev   protowire.Number = 2
	fieldNext   protowire.Number = 3
	fieldInput  protowire.Number = 4
	fieldOutput protowire.Number = 5
	fieldTime   protowire.Number = 6

	fieldHash protowire.Number = 1
	fieldSig  protowire.Number = 2
)

// ErrMalformed indicates bytes that are not a valid canonical encoding.
var ErrMalformed = errors.New("malformed canonical encoding")

// EncodeRecord returns the canonical bytes of rec.
func EncodeRecord(rec TransitionRecord) ([]byte, error) {
	vectors := []struct {
		num   protowire.Number
		field string
		v     []float64
	}{
		{fieldPrev, "previous_state", rec.PreviousState},
		{fieldNext, "next_state", rec.NextState},
		{fieldInput, "input", rec.Input},
		{fieldOutput, "output", rec.Output},
	}

	size := len(recordFormat) + 16
	for _, f := range vectors {
		size += 8*len(f.v) + 12
	}
	b := make([]byte, 0, size)

	b = protowire.AppendTag(b, fieldFormat, protowire.BytesType)
	b = protowire.AppendString(b, recordFormat)
	for _, f := range vectors {
		if err := checkFinite(f.field, f.v); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendBytes(b, packFloats(f.v))
	}
	b = protowire.AppendTag(b, fieldTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(rec.Timestamp))
	return b, nil
}

// DecodeRecord parses canonical record bytes. It accepts only what
// EncodeRecord produces: fields in order, no extras, nothing trailing.
func DecodeRecord(b []byte) (TransitionRecord, error) {
	var rec TransitionRecord

	format, b, err := consumeBytesField(b, fieldFormat)
	if err != nil {
		return rec, err
	}
	if string(format) != recordFormat {
		return rec, fmt.Errorf("%w: unknown format %q", ErrMalformed, format)
	}

	targets := []struct {
		num   protowire.Number
		field string
		dst   *[]float64
	}{
		{fieldPrev, "previous_state", &rec.PreviousState},
		{fieldNext, "next_state", &rec.NextState},
		{fieldInput, "input", &rec.Input},
		{fieldOutput, "output", &rec.Output},
	}
	for _, t := range targets {
		var raw []byte
		raw, b, err = consumeBytesField(b, t.num)
		if err != nil {
			return rec, err
		}
		v, err := unpackFloats(raw)
		if err != nil {
			return rec, fmt.Errorf("%s: %w", t.field, err)
		}
		if err := checkFinite(t.field, v); err != nil {
			return rec, err
		}
		*t.dst = v
	}

	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return rec, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	if num != fieldTime || typ != protowire.Fixed64Type {
		return rec, fmt.Errorf("%w: expected field %d fixed64, got %d/%d", ErrMalformed, fieldTime, num, typ)
	}
	b = b[n:]
	ts, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return rec, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	b = b[n:]
	if len(b) != 0 {
		return rec, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b))
	}
	rec.Timestamp = int64(ts)
	return rec, nil
}

// EncodeCommitment returns the canonical bytes of c.
func EncodeCommitment(c Commitment) []byte {
	b := make([]byte, 0, 4+len(c.ContentHash)+len(c.Signature))
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendBytes(b, c.ContentHash[:])
	b = protowire.AppendTag(b, fieldSig, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Signature)
	return b
}

// DecodeCommitment parses canonical commitment bytes.
func DecodeCommitment(b []byte) (Commitment, error) {
	var c Commitment
	h, b, err := consumeBytesField(b, fieldHash)
	if err != nil {
		return c, err
	}
	if len(h) != len(c.ContentHash) {
		return c, fmt.Errorf("%w: content hash is %d bytes", ErrMalformed, len(h))
	}
	sig, b, err := consumeBytesField(b, fieldSig)
	if err != nil {
		return c, err
	}
	if len(b) != 0 {
		return c, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b))
	}
	copy(c.ContentHash[:], h)
	c.Signature = append([]byte(nil), sig...)
	return c, nil
}

// encodeSystem is the preimage of Model.ConfigDigest. cfg must already be validated.
func encodeSystem(cfg ModelConfig) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, systemFormat)
	for i, n := range []int{cfg.StateSize, cfg.InputSize, cfg.OutputSize} {
		b = protowire.AppendTag(b, protowire.Number(2+i), protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(n))
	}
	for i, rows := range [][][]float64{cfg.A, cfg.B, cfg.C, cfg.D} {
		var flat []float64
		for _, row := range rows {
			flat = append(flat, row...)
		}
		b = protowire.AppendTag(b, protowire.Number(5+i), protowire.BytesType)
		b = protowire.AppendBytes(b, packFloats(flat))
	}
	return b
}

func consumeBytesField(b []byte, want protowire.Number) (value, rest []byte, err error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	if num != want || typ != protowire.BytesType {
		return nil, nil, fmt.Errorf("%w: expected field %d bytes, got %d/%d", ErrMalformed, want, num, typ)
	}
	b = b[n:]
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, b[n:], nil
}

func packFloats(v []float64) []byte {
	out := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(canonicalFloat(x)))
	}
	return out
}

func unpackFloats(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: packed length %d is not a multiple of 8", ErrMalformed, len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

// canonicalFloat folds -0 into +0.
func canonicalFloat(x float64) float64 {
	if x == 0 {
		return 0
	}
	return x
}
