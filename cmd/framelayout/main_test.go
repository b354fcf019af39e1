package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/isa"
	"github.com/daimatz/gostack/pkg/oat"
)

func TestMinimalFrameSize(t *testing.T) {
	code := &dex.CodeItem{RegistersSize: 4, InsSize: 2, OutsSize: 1}
	tests := []struct {
		set  isa.InstructionSet
		fi   oat.QuickMethodFrameInfo
		want uint32
	}{
		// 8 + 4 + 4 + 8 + 12 + 4 = 40
		{isa.Arm64, oat.QuickMethodFrameInfo{CoreSpillMask: 1 << 30}, 48},
		// 4 + 4 + 4 + 8 + 8 + 4 = 32
		{isa.Arm, oat.QuickMethodFrameInfo{CoreSpillMask: 1 << 14}, 32},
	}
	for _, tt := range tests {
		t.Run(tt.set.String(), func(t *testing.T) {
			if got := minimalFrameSize(code, tt.fi, tt.set); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPrintLayout(t *testing.T) {
	code := &dex.CodeItem{RegistersSize: 4, InsSize: 2, OutsSize: 1}
	fi := oat.QuickMethodFrameInfo{FrameSizeInBytes: 48, CoreSpillMask: 1 << 30}
	var buf bytes.Buffer
	printLayout(&buf, code, fi, isa.Arm64)
	out := buf.String()

	want := []string{
		"arm64 frame of 48 B (4 registers, 2 ins, 1 outs)",
		fmt.Sprintf("%-8s %8d", "v0", 28),
		fmt.Sprintf("%-8s %8d", "v1", 32),
		fmt.Sprintf("%-8s %8d", "v2 (in)", 56),
		fmt.Sprintf("%-8s %8d", "v3 (in)", 60),
		fmt.Sprintf("%-8s %8d", "method", 0),
		fmt.Sprintf("%-8s %8d", "out0", 8),
		fmt.Sprintf("%-16s %4d", "vregs", 60),
	}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	c, err := loadConfig("", "x86-64")
	if err != nil {
		t.Fatal(err)
	}
	if c.InstructionSet != isa.X86_64 {
		t.Errorf("InstructionSet: got %v, want x86_64", c.InstructionSet)
	}

	path := filepath.Join(t.TempDir(), "runtime.toml")
	if err := os.WriteFile(path, []byte("isa = \"arm\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if c, err = loadConfig(path, ""); err != nil {
		t.Fatal(err)
	}
	if c.InstructionSet != isa.Arm {
		t.Errorf("InstructionSet from file: got %v, want arm", c.InstructionSet)
	}

	if _, err := loadConfig("", "sparc"); err == nil {
		t.Error("unknown isa: expected error")
	}
}

func TestLoadHeaderAndPrintSafepoints(t *testing.T) {
	h := &oat.MethodHeader{
		CodeStart: 0x2000,
		CodeSize:  0x100,
		FrameInfo: oat.QuickMethodFrameInfo{FrameSizeInBytes: 64, CoreSpillMask: 1 << 30},
		CodeInfo: &oat.CodeInfo{StackMaps: []oat.StackMap{{
			NativePCOffset: 0x40,
			DexPC:          7,
			Registers: oat.DexRegisterMap{
				oat.InStack(16, dex.IntVReg),
				{},
				oat.ConstantValue(42, dex.IntVReg),
			},
			Inlined: []oat.InlineFrame{{MethodAddress: 0x70000010, DexPC: 3}},
		}}},
	}
	data, err := oat.MarshalMethodHeader(h)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "compute.cbor")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := loadHeader(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.FrameInfo != h.FrameInfo {
		t.Errorf("FrameInfo: got %+v, want %+v", got.FrameInfo, h.FrameInfo)
	}

	var buf bytes.Buffer
	printSafepoints(&buf, got)
	out := buf.String()
	for _, w := range []string{
		"code [0x2000, 0x2100)",
		"safepoint native pc 0x2040 dex pc 0x0007",
		"v0    InStack",
		"v2    Constant",
		"inlined depth 1: method 0x70000010 dex pc 0x0003",
	} {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
	if strings.Contains(out, "v1 ") {
		t.Errorf("register without a location printed:\n%s", out)
	}

	if _, err := loadHeader(filepath.Join(t.TempDir(), "missing.cbor")); err == nil {
		t.Error("missing file: expected error")
	}
}
