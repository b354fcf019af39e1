package oat

import (
	"reflect"
	"testing"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/isa"
)

func testHeader() *MethodHeader {
	return &MethodHeader{
		CodeStart: 0x4000,
		CodeSize:  0x100,
		FrameInfo: QuickMethodFrameInfo{
			FrameSizeInBytes: 64,
			CoreSpillMask:    1<<30 | 1<<20 | 1<<19,
			FpSpillMask:      1 << 8,
		},
		CodeInfo: &CodeInfo{
			StackMaps: []StackMap{
				{
					NativePCOffset: 0x10,
					DexPC:          3,
					Registers: DexRegisterMap{
						InStack(12, dex.IntVReg),
						InRegister(19, dex.ReferenceVReg),
						ConstantValue(-1, dex.Constant),
						{},
					},
					RegisterMask: 1 << 19,
					StackMask:    []uint32{3},
				},
				{
					NativePCOffset: 0x24,
					DexPC:          9,
					Registers:      DexRegisterMap{InFpuRegister(8, dex.FloatVReg)},
					Inlined: []InlineFrame{
						{MethodAddress: 0x70000010, DexPC: 2, Registers: DexRegisterMap{InStack(16, dex.IntVReg)}},
						{MethodAddress: 0x70000020, DexPC: 5, Registers: DexRegisterMap{InStack(20, dex.IntVReg)}},
					},
				},
			},
		},
	}
}

func TestFrameInfoValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     isa.InstructionSet
		info    QuickMethodFrameInfo
		wantErr bool
	}{
		{"arm64 ok", isa.Arm64, QuickMethodFrameInfo{64, 1<<30 | 1<<19, 0}, false},
		{"x86 ok", isa.X86, QuickMethodFrameInfo{32, 1<<8 | 1<<5, 0}, false},
		{"unaligned", isa.Arm64, QuickMethodFrameInfo{40, 1 << 30, 0}, true},
		{"missing return register", isa.Arm64, QuickMethodFrameInfo{64, 1 << 19, 0}, true},
		{"register above return register", isa.Arm, QuickMethodFrameInfo{32, 1<<15 | 1<<14, 0}, true},
		{"too small", isa.Arm64, QuickMethodFrameInfo{16, 1<<30 | 1<<29 | 1<<28, 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate(tt.set)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate: got %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpillSize(t *testing.T) {
	info := QuickMethodFrameInfo{FrameSizeInBytes: 64, CoreSpillMask: 1<<30 | 1<<19, FpSpillMask: 1<<8 | 1<<9}
	if got := info.SpillSize(isa.Arm64); got != 32 {
		t.Errorf("arm64 SpillSize: got %d, want 32", got)
	}
	if got := info.SpillSize(isa.Arm); got != 16 {
		t.Errorf("arm SpillSize: got %d, want 16", got)
	}
}

func TestStackMapLookup(t *testing.T) {
	h := testHeader()

	if got := h.ToDexPc(0x4010, true); got != 3 {
		t.Errorf("ToDexPc(0x4010): got %d, want 3", got)
	}
	if got := h.ToDexPc(0x4011, false); got != dex.NoDexPC {
		t.Errorf("ToDexPc(0x4011): got %#x, want NoDexPC", got)
	}

	sm, ok := h.StackMapAt(0x4024)
	if !ok {
		t.Fatal("StackMapAt(0x4024): not found")
	}
	if sm.InlineDepth() != 2 {
		t.Errorf("InlineDepth: got %d, want 2", sm.InlineDepth())
	}
	if got := sm.InlineFrameAt(2).MethodAddress; got != 0x70000020 {
		t.Errorf("InlineFrameAt(2): got %#x", got)
	}
	if got := sm.DexRegisterMapAt(1).Location(0); got.Value != 16 {
		t.Errorf("DexRegisterMapAt(1)[0]: got %+v", got)
	}
	if got := sm.DexRegisterMapAt(0).Location(5); got.Kind != LocationNone {
		t.Errorf("Location out of range: got %v, want None", got.Kind)
	}

	if _, ok := h.StackMapAt(0x5000); ok {
		t.Error("StackMapAt outside code: expected miss")
	}

	defer func() {
		if recover() == nil {
			t.Error("ToDexPc with abortOnFailure: expected panic")
		}
	}()
	h.ToDexPc(0x4012, true)
}

func TestMethodHeaderWire(t *testing.T) {
	h := testHeader()
	data, err := MarshalMethodHeader(h)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalMethodHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, h) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, h)
	}

	again, err := MarshalMethodHeader(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(data) {
		t.Error("canonical encoding is not deterministic")
	}

	if _, err := UnmarshalMethodHeader([]byte{0xff, 0x00}); err == nil {
		t.Error("UnmarshalMethodHeader(garbage): expected error")
	}
}

func TestTable(t *testing.T) {
	tab := NewTable(isa.Arm64)
	h := testHeader()
	if err := tab.Register(0x70000000, h); err != nil {
		t.Fatal(err)
	}

	if got, ok := tab.Lookup(0x70000000, 0); !ok || got != h {
		t.Error("Lookup with unknown pc: expected the only header")
	}
	if got, ok := tab.Lookup(0x70000000, 0x4080); !ok || got != h {
		t.Error("Lookup(0x4080): expected header")
	}
	if _, ok := tab.Lookup(0x70000000, 0x9000); ok {
		t.Error("Lookup outside code: expected miss")
	}

	overlap := *h
	overlap.CodeStart = 0x40f0
	if err := tab.Register(0x70000000, &overlap); err == nil {
		t.Error("Register overlapping code: expected error")
	}

	second := *h
	second.CodeStart = 0x8000
	if err := tab.Register(0x70000000, &second); err != nil {
		t.Fatal(err)
	}
	if _, ok := tab.Lookup(0x70000000, 0); ok {
		t.Error("Lookup with unknown pc and two headers: expected miss")
	}

	bad := *h
	bad.FrameInfo.FrameSizeInBytes = 20
	if err := tab.Register(0x70000040, &bad); err == nil {
		t.Error("Register with invalid frame: expected error")
	}
}
