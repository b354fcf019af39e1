package vm

import (
	"fmt"
	"math"

	"github.com/daimatz/gostack/pkg/heap"
)

// ReferenceValidator is the read-barrier hook. It is called with every
// reference read from or written to a frame and must panic if the reference
// does not satisfy the collector's to-space invariant.
type ReferenceValidator interface {
	AssertToSpaceInvariant(ref heap.Ref)
}

// VRegStorage is the register file of one interpreted frame. It keeps two
// views of equal length:
//   - vregs holds the raw 32-bit value of every register;
//   - refs holds a copy of the register when it is a reference, and null
//     otherwise.
//
// A moving collector updates refs and the raw slot together, and uses the
// agreement of both views to recognize reference registers.
type VRegStorage struct {
	vregs     []uint32
	refs      []heap.Ref
	validator ReferenceValidator
	released  bool
}

func newVRegStorage(vregs []uint32, refs []heap.Ref, validator ReferenceValidator) VRegStorage {
	clear(vregs)
	clear(refs)
	return VRegStorage{vregs: vregs, refs: refs, validator: validator}
}

// NumberOfVRegs returns the number of registers.
func (s *VRegStorage) NumberOfVRegs() int {
	return len(s.vregs)
}

func (s *VRegStorage) checkIndex(i int) {
	if s.released {
		panic("vreg access on released shadow frame")
	}
	if i < 0 || i >= len(s.vregs) {
		panic(fmt.Sprintf("vreg index out of range: index=%d, max=%d", i, len(s.vregs)))
	}
}

func (s *VRegStorage) checkPair(i int) {
	s.checkIndex(i)
	s.checkIndex(i + 1)
}

func (s *VRegStorage) validate(ref heap.Ref) {
	if s.validator != nil {
		s.validator.AssertToSpaceInvariant(ref)
	}
}

// GetVReg reads register i as an int.
func (s *VRegStorage) GetVReg(i int) int32 {
	s.checkIndex(i)
	return int32(s.vregs[i])
}

// GetVRegShort reads register i as a short. Shorts are sign-extended to ints in registers.
func (s *VRegStorage) GetVRegShort(i int) int16 {
	return int16(s.GetVReg(i))
}

// GetVRegFloat reinterprets the raw bits of register i as a float.
func (s *VRegStorage) GetVRegFloat(i int) float32 {
	s.checkIndex(i)
	return math.Float32frombits(s.vregs[i])
}

// GetVRegLong reads registers i and i+1 as a long, low word first.
func (s *VRegStorage) GetVRegLong(i int) int64 {
	s.checkPair(i)
	return int64(s.rawPair(i))
}

// GetVRegDouble reinterprets registers i and i+1 as a double.
func (s *VRegStorage) GetVRegDouble(i int) float64 {
	s.checkPair(i)
	return math.Float64frombits(s.rawPair(i))
}

// GetVRegReference returns the reference shadow of register i. A non-null
// result does not prove the register holds a reference unless the raw slot
// agrees; use IsReference when that matters.
func (s *VRegStorage) GetVRegReference(i int) heap.Ref {
	s.checkIndex(i)
	ref := s.refs[i]
	s.validate(ref)
	return ref
}

// IsReference reports whether register i currently holds a non-null
// reference, i.e. both views agree on the same pointer value.
func (s *VRegStorage) IsReference(i int) bool {
	s.checkIndex(i)
	return s.refs[i] != heap.Null && uint32(s.refs[i]) == s.vregs[i]
}

// SetVReg stores an int in register i and clears its reference shadow.
func (s *VRegStorage) SetVReg(i int, val int32) {
	s.checkIndex(i)
	s.vregs[i] = uint32(val)
	s.refs[i] = heap.Null
}

// SetVRegFloat stores the bits of a float in register i.
func (s *VRegStorage) SetVRegFloat(i int, val float32) {
	s.checkIndex(i)
	s.vregs[i] = math.Float32bits(val)
	s.refs[i] = heap.Null
}

// SetVRegLong stores a long in registers i and i+1 and clears both shadows.
func (s *VRegStorage) SetVRegLong(i int, val int64) {
	s.checkPair(i)
	s.setRawPair(i, uint64(val))
}

// SetVRegDouble stores the bits of a double in registers i and i+1.
func (s *VRegStorage) SetVRegDouble(i int, val float64) {
	s.checkPair(i)
	s.setRawPair(i, math.Float64bits(val))
}

// SetVRegReference stores ref in both views of register i.
func (s *VRegStorage) SetVRegReference(i int, ref heap.Ref) {
	s.checkIndex(i)
	s.validate(ref)
	s.vregs[i] = uint32(ref)
	s.refs[i] = ref
}

func (s *VRegStorage) rawPair(i int) uint64 {
	return uint64(s.vregs[i]) | uint64(s.vregs[i+1])<<32
}

func (s *VRegStorage) setRawPair(i int, bits uint64) {
	s.vregs[i] = uint32(bits)
	s.vregs[i+1] = uint32(bits >> 32)
	s.refs[i] = heap.Null
	s.refs[i+1] = heap.Null
}

// VRegAddr returns the address of raw register i.
func (s *VRegStorage) VRegAddr(i int) *uint32 {
	s.checkIndex(i)
	return &s.vregs[i]
}

// ShadowRefAddr returns the address of the reference shadow of register i.
// Roots reported for this frame point at these slots.
func (s *VRegStorage) ShadowRefAddr(i int) *heap.Ref {
	s.checkIndex(i)
	return &s.refs[i]
}

// GetVRegArgs returns registers [i, i+n) as one slice, the view a callee
// sees of its incoming arguments.
func (s *VRegStorage) GetVRegArgs(i, n int) []uint32 {
	if n == 0 {
		return nil
	}
	s.checkIndex(i)
	s.checkIndex(i + n - 1)
	return s.vregs[i : i+n : i+n]
}

// Contains reports whether entry is one of this frame's reference slots.
func (s *VRegStorage) Contains(entry *heap.Ref) bool {
	for i := range s.refs {
		if &s.refs[i] == entry {
			return true
		}
	}
	return false
}

// ContainsVReg reports whether entry is one of this frame's raw registers.
func (s *VRegStorage) ContainsVReg(entry *uint32) bool {
	for i := range s.vregs {
		if &s.vregs[i] == entry {
			return true
		}
	}
	return false
}

// syncRaw copies the reference shadow of register i into the raw view after
// a collector rewrote the shadow slot in place.
func (s *VRegStorage) syncRaw(i int) {
	s.vregs[i] = uint32(s.refs[i])
}
