package vm

import (
	"testing"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/isa"
)

func TestGetVRegOffsetFromQuickCode(t *testing.T) {
	// 6 registers, 2 of them ins; 3 outs.
	code := &dex.CodeItem{RegistersSize: 6, InsSize: 2, OutsSize: 3}

	tests := []struct {
		name      string
		set       isa.InstructionSet
		core, fp  uint32
		frameSize int
		reg       int
		want      int
	}{
		// arm64: spills 2*8 + 1*8 + 4 = 28; locals start at 96-28-16 = 52.
		{"arm64 v0", isa.Arm64, 1<<30 | 1<<19, 1 << 8, 96, 0, 52},
		{"arm64 v3", isa.Arm64, 1<<30 | 1<<19, 1 << 8, 96, 3, 64},
		{"arm64 first in", isa.Arm64, 1<<30 | 1<<19, 1 << 8, 96, 4, 104},
		{"arm64 second in", isa.Arm64, 1<<30 | 1<<19, 1 << 8, 96, 5, 108},
		{"arm64 method", isa.Arm64, 1<<30 | 1<<19, 1 << 8, 96, 6, 0},
		{"arm64 temp", isa.Arm64, 1<<30 | 1<<19, 1 << 8, 96, 7, 20},
		{"arm64 second temp", isa.Arm64, 1<<30 | 1<<19, 1 << 8, 96, 8, 24},
		// arm: spills 3*4 + 2*4 + 4 = 24; locals start at 64-24-16 = 24.
		{"arm v0", isa.Arm, 1<<14 | 1<<5 | 1<<6, 1<<16 | 1<<17, 64, 0, 24},
		{"arm first in", isa.Arm, 1<<14 | 1<<5 | 1<<6, 1<<16 | 1<<17, 64, 4, 68},
		{"arm temp", isa.Arm, 1<<14 | 1<<5 | 1<<6, 1<<16 | 1<<17, 64, 7, 16},
		// x86: spills 1*4 + 4 = 8.
		{"x86 v1", isa.X86, 1 << 8, 0, 32, 1, 12},
		{"x86 first in", isa.X86, 1 << 8, 0, 32, 4, 36},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetVRegOffsetFromQuickCode(code, tt.core, tt.fp, tt.frameSize, tt.reg, tt.set)
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetVRegOffsetFromQuickCodeInvalid(t *testing.T) {
	code := &dex.CodeItem{RegistersSize: 2}
	expectPanic(t, "vreg -1", func() {
		GetVRegOffsetFromQuickCode(code, 1<<30, 0, 32, -1, isa.Arm64)
	})
	expectPanic(t, "unaligned frame", func() {
		GetVRegOffsetFromQuickCode(code, 1<<30, 0, 40, 0, isa.Arm64)
	})
}

func TestGetOutVROffset(t *testing.T) {
	for _, set := range []isa.InstructionSet{isa.Arm, isa.Arm64, isa.X86, isa.X86_64, isa.Mips, isa.Mips64} {
		t.Run(set.String(), func(t *testing.T) {
			if got := GetOutVROffset(0, set); got != set.PointerSize() {
				t.Errorf("out 0: got %d, want %d", got, set.PointerSize())
			}
			for k := 1; k < 16; k++ {
				if d := GetOutVROffset(k, set) - GetOutVROffset(k-1, set); d != 4 {
					t.Errorf("out %d: step %d, want 4", k, d)
				}
			}
		})
	}
}

// The ins of a callee are the outs of its caller.
func TestInsOverlapCallerOuts(t *testing.T) {
	code := &dex.CodeItem{RegistersSize: 5, InsSize: 3, OutsSize: 0}
	const frameSize = 48
	for in := 0; in < 3; in++ {
		callee := GetVRegOffsetFromQuickCode(code, 1<<30, 0, frameSize, code.NumLocals()+in, isa.Arm64)
		if want := frameSize + GetOutVROffset(in, isa.Arm64); callee != want {
			t.Errorf("in %d: got %d, want %d", in, callee, want)
		}
	}
}
