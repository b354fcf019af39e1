package vm

import (
	"math"

	"github.com/daimatz/gostack/pkg/heap"
)

// JValue holds the result of a call: a primitive of up to 64 bits or a
// reference. Setting one kind clears the other.
type JValue struct {
	bits uint64
	ref  heap.Ref
}

// GetI returns the value as an int.
func (v *JValue) GetI() int32 { return int32(v.bits) }

// GetJ returns the value as a long.
func (v *JValue) GetJ() int64 { return int64(v.bits) }

// GetF returns the value as a float.
func (v *JValue) GetF() float32 { return math.Float32frombits(uint32(v.bits)) }

// GetD returns the value as a double.
func (v *JValue) GetD() float64 { return math.Float64frombits(v.bits) }

// GetL returns the value as a reference.
func (v *JValue) GetL() heap.Ref { return v.ref }

// SetI stores an int.
func (v *JValue) SetI(i int32) { v.bits, v.ref = uint64(uint32(i)), heap.Null }

// SetJ stores a long.
func (v *JValue) SetJ(j int64) { v.bits, v.ref = uint64(j), heap.Null }

// SetF stores a float.
func (v *JValue) SetF(f float32) { v.bits, v.ref = uint64(math.Float32bits(f)), heap.Null }

// SetD stores a double.
func (v *JValue) SetD(d float64) { v.bits, v.ref = math.Float64bits(d), heap.Null }

// SetL stores a reference.
func (v *JValue) SetL(ref heap.Ref) { v.bits, v.ref = uint64(ref), ref }
