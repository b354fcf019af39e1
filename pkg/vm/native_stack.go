package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/daimatz/gostack/pkg/isa"
)

const (
	// DefaultStackSize is the size of a thread's native stack.
	DefaultStackSize = 64 << 10

	nativeStackBase = 0x7f000000
)

// NativeStack is the memory compiled frames live in. It grows downwards from
// Top and is addressed with absolute addresses; words are little-endian.
type NativeStack struct {
	set  isa.InstructionSet
	base uint64
	mem  []byte
	sp   uint64
}

// NewNativeStack creates a stack of size bytes for code compiled for set.
func NewNativeStack(set isa.InstructionSet, size int) *NativeStack {
	if size <= 0 || size%isa.StackAlignment != 0 {
		panic(fmt.Sprintf("stack size %d not a positive multiple of %d", size, isa.StackAlignment))
	}
	s := &NativeStack{set: set, base: nativeStackBase, mem: make([]byte, size)}
	s.sp = s.Top()
	return s
}

// Top returns the address one past the highest byte of the stack.
func (s *NativeStack) Top() uint64 { return s.base + uint64(len(s.mem)) }

// Bottom returns the lowest address of the stack.
func (s *NativeStack) Bottom() uint64 { return s.base }

// SP returns the current stack pointer.
func (s *NativeStack) SP() uint64 { return s.sp }

func (s *NativeStack) setSP(sp uint64) {
	if sp < s.base || sp > s.Top() {
		panic(fmt.Sprintf("stack overflow: sp=%#x, stack=[%#x, %#x)", sp, s.base, s.Top()))
	}
	s.sp = sp
}

// Contains reports whether [addr, addr+n) lies inside the stack.
func (s *NativeStack) Contains(addr uint64, n int) bool {
	return addr >= s.base && addr+uint64(n) <= s.Top()
}

func (s *NativeStack) slice(addr uint64, n int) []byte {
	if !s.Contains(addr, n) {
		panic(fmt.Sprintf("stack access out of range: addr=%#x, size=%d, stack=[%#x, %#x)", addr, n, s.base, s.Top()))
	}
	off := addr - s.base
	return s.mem[off : off+uint64(n)]
}

// Read32 reads a 32-bit value at addr.
func (s *NativeStack) Read32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(s.slice(addr, 4))
}

// Write32 writes a 32-bit value at addr.
func (s *NativeStack) Write32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(s.slice(addr, 4), v)
}

// Read64 reads a 64-bit value at addr.
func (s *NativeStack) Read64(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(s.slice(addr, 8))
}

// Write64 writes a 64-bit value at addr.
func (s *NativeStack) Write64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.slice(addr, 8), v)
}

// ReadWord reads a pointer-sized word.
func (s *NativeStack) ReadWord(addr uint64) uint64 {
	if s.set.Is64Bit() {
		return s.Read64(addr)
	}
	return uint64(s.Read32(addr))
}

// WriteWord writes a pointer-sized word.
func (s *NativeStack) WriteWord(addr uint64, v uint64) {
	if s.set.Is64Bit() {
		s.Write64(addr, v)
		return
	}
	if v > 0xFFFFFFFF {
		panic(fmt.Sprintf("word %#x does not fit a 32-bit pointer", v))
	}
	s.Write32(addr, uint32(v))
}
