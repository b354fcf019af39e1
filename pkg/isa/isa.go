// Package isa describes the instruction sets compiled frames can be laid out for.
package isa

import (
	"fmt"
	"strings"
)

// InstructionSet identifies a target architecture.
type InstructionSet int

const (
	None InstructionSet = iota
	Arm
	Arm64
	Thumb2
	X86
	X86_64
	Mips
	Mips64
)

// StackAlignment is the required alignment of every quick frame, in bytes.
const StackAlignment = 16

var names = map[InstructionSet]string{
	None:   "none",
	Arm:    "arm",
	Arm64:  "arm64",
	Thumb2: "thumb2",
	X86:    "x86",
	X86_64: "x86_64",
	Mips:   "mips",
	Mips64: "mips64",
}

func (s InstructionSet) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("InstructionSet(%d)", int(s))
}

// Parse maps a configuration string such as "arm64" or "x86-64" to an InstructionSet.
func Parse(name string) (InstructionSet, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for s, n := range names {
		if s != None && n == key {
			return s, nil
		}
	}
	return None, fmt.Errorf("isa: unknown instruction set %q", name)
}

// Is64Bit reports whether the instruction set uses 64-bit pointers.
func (s InstructionSet) Is64Bit() bool {
	switch s {
	case Arm64, X86_64, Mips64:
		return true
	}
	return false
}

// PointerSize returns the size of a native pointer in bytes.
func (s InstructionSet) PointerSize() int {
	s.mustBeValid()
	if s.Is64Bit() {
		return 8
	}
	return 4
}

// GprSpillSize returns the bytes used by one spilled core register.
func (s InstructionSet) GprSpillSize() int {
	s.mustBeValid()
	if s.Is64Bit() {
		return 8
	}
	return 4
}

// FprSpillSize returns the bytes used by one spilled floating-point register.
func (s InstructionSet) FprSpillSize() int {
	switch s {
	case Arm, Thumb2, Mips:
		return 4
	case Arm64, X86, X86_64, Mips64:
		return 8
	}
	panic(fmt.Sprintf("isa: no spill size for %v", s))
}

// NumGPRs returns the number of core registers a register context tracks,
// including the fake return-address register on x86 targets.
func (s InstructionSet) NumGPRs() int {
	switch s {
	case Arm, Thumb2:
		return 16
	case Arm64, Mips, Mips64:
		return 32
	case X86:
		return 9
	case X86_64:
		return 17
	}
	panic(fmt.Sprintf("isa: no register file for %v", s))
}

// NumFPRs returns the number of floating-point registers a register context tracks.
// x86 XMM registers are exposed as two 32-bit halves each.
func (s InstructionSet) NumFPRs() int {
	switch s {
	case Arm, Thumb2, Arm64, Mips, Mips64:
		return 32
	case X86, X86_64:
		return 16
	}
	panic(fmt.Sprintf("isa: no register file for %v", s))
}

// ReturnAddressRegister is the core register whose spill slot holds the return pc.
// It is always the highest bit of a quick frame's core spill mask.
func (s InstructionSet) ReturnAddressRegister() uint32 {
	switch s {
	case Arm, Thumb2:
		return 14
	case Arm64:
		return 30
	case X86:
		return 8
	case X86_64:
		return 16
	case Mips, Mips64:
		return 31
	}
	panic(fmt.Sprintf("isa: no return address register for %v", s))
}

func (s InstructionSet) mustBeValid() {
	if s <= None || s > Mips64 {
		panic(fmt.Sprintf("isa: invalid instruction set %v", s))
	}
}
