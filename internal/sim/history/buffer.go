// Package history records per-player movement samples within one step so
// clients can interpolate between committed states.
//
// Binary layout produced by Pack (all integers and floats little-endian):
//
//	uint32      n       byte length of the JSON header
//	[n]byte     header  JSON array of [fieldIndex, sampleCount] pairs
//	[]float64   times   every sample time, field by field in header order
//	[]float64   values  every sample value, in the same order
//
// Field indexes are FieldX, FieldY and FieldOrientation. Times are absolute
// simulation milliseconds.
package history

import (
	"errors"
	"fmt"
)

const (
	FieldX = iota
	FieldY
	FieldOrientation
	numFields
)

var FieldNames = [numFields]string{"x", "y", "orientation"}

var ErrTimeReversed = errors.New("history: time moved backwards")

type Sample struct {
	Time  float64
	Value float64
}

// Buffer holds change samples for each field.
type Buffer struct {
	fields [numFields][]Sample
}

// Push records the state at time t. A repeated timestamp replaces the last
// sample; an earlier timestamp is an error.
func (b *Buffer) Push(t, x, y, orientation float64) error {
	vals := [numFields]float64{x, y, orientation}
	for i := range b.fields {
		if n := len(b.fields[i]); n > 0 && t < b.fields[i][n-1].Time {
			return fmt.Errorf("%w: field %s t=%g last=%g", ErrTimeReversed, FieldNames[i], t, b.fields[i][n-1].Time)
		}
	}
	for i, v := range vals {
		b.record(i, t, v)
	}
	return nil
}

func (b *Buffer) record(field int, t, v float64) {
	s := b.fields[field]
	n := len(s)
	switch {
	case n > 0 && s[n-1].Time == t:
		s[n-1].Value = v
	case n > 0 && s[n-1].Value == v:
		// unchanged
	default:
		s = append(s, Sample{Time: t, Value: v})
	}
	b.fields[field] = s
}

// Samples returns the recorded samples of one field.
func (b *Buffer) Samples(field int) []Sample {
	return b.fields[field]
}

func (b *Buffer) Empty() bool {
	for _, f := range b.fields {
		if len(f) > 0 {
			return false
		}
	}
	return true
}

func (b *Buffer) Clear() {
	for i := range b.fields {
		b.fields[i] = nil
	}
}

// Equal reports whether two buffers hold identical samples.
func (b *Buffer) Equal(o *Buffer) bool {
	for i := range b.fields {
		if len(b.fields[i]) != len(o.fields[i]) {
			return false
		}
		for j := range b.fields[i] {
			if b.fields[i][j] != o.fields[i][j] {
				return false
			}
		}
	}
	return true
}
