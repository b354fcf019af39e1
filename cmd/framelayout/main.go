package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/daimatz/gostack/internal/config"
	"github.com/daimatz/gostack/internal/logger"
	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/isa"
	"github.com/daimatz/gostack/pkg/oat"
	"github.com/daimatz/gostack/pkg/vm"
)

func loadConfig(path, isaName string) (config.Config, error) {
	c := config.Default()
	if path != "" {
		var err error
		if c, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if isaName != "" {
		set, err := isa.Parse(isaName)
		if err != nil {
			return config.Config{}, err
		}
		c.ISA = isaName
		c.InstructionSet = set
	}
	return c, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "runtime configuration file (TOML)")
		isaName    = flag.String("isa", "", "instruction set, overrides the configuration")
		registers  = flag.Uint("registers", 8, "number of vregs of the method")
		ins        = flag.Uint("ins", 2, "number of in-registers")
		outs       = flag.Uint("outs", 2, "number of out-registers")
		coreSpills = flag.Uint("core-spills", 0, "core callee-save spill mask (default: return address register only)")
		fpSpills   = flag.Uint("fp-spills", 0, "fp callee-save spill mask")
		frameSize  = flag.Uint("frame-size", 0, "frame size in bytes (default: smallest aligned frame)")
		headerPath = flag.String("header", "", "CBOR-encoded method header; its frame info overrides the spill and size flags")
		debug      = flag.Bool("debug", false, "enable debug logging")
		noColor    = flag.Bool("no-color", false, "disable colored output")
	)
	flag.Parse()
	logger.Init(*debug, *noColor)

	cfg, err := loadConfig(*configPath, *isaName)
	if err != nil {
		log.Fatal("cannot load configuration", "err", err)
	}
	set := cfg.InstructionSet

	if *ins > *registers {
		log.Fatal("more ins than registers", "ins", *ins, "registers", *registers)
	}
	code := &dex.CodeItem{
		RegistersSize: uint16(*registers),
		InsSize:       uint16(*ins),
		OutsSize:      uint16(*outs),
	}
	fi := oat.QuickMethodFrameInfo{
		CoreSpillMask: uint32(*coreSpills),
		FpSpillMask:   uint32(*fpSpills),
	}
	if fi.CoreSpillMask == 0 {
		fi.CoreSpillMask = 1 << set.ReturnAddressRegister()
	}
	fi.FrameSizeInBytes = uint32(*frameSize)
	if fi.FrameSizeInBytes == 0 {
		fi.FrameSizeInBytes = minimalFrameSize(code, fi, set)
	}
	var header *oat.MethodHeader
	if *headerPath != "" {
		if header, err = loadHeader(*headerPath); err != nil {
			log.Fatal("cannot load method header", "err", err)
		}
		fi = header.FrameInfo
	}
	if err := fi.Validate(set); err != nil {
		log.Fatal("invalid frame", "err", err)
	}
	log.Debug("frame", "isa", set, "size", humanize.IBytes(uint64(fi.FrameSizeInBytes)),
		"core", fmt.Sprintf("%#x", fi.CoreSpillMask), "fp", fmt.Sprintf("%#x", fi.FpSpillMask))

	printLayout(os.Stdout, code, fi, set)
	if header != nil {
		printSafepoints(os.Stdout, header)
	}
}

func loadHeader(path string) (*oat.MethodHeader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h, err := oat.UnmarshalMethodHeader(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return h, nil
}

// minimalFrameSize returns the smallest aligned frame holding the method
// slot, outs, one temporary, the locals, the spills and the filler word.
func minimalFrameSize(code *dex.CodeItem, fi oat.QuickMethodFrameInfo, set isa.InstructionSet) uint32 {
	size := set.PointerSize() + int(code.OutsSize)*4 + 4 + code.NumLocals()*4 + fi.SpillSize(set) + 4
	return uint32((size + isa.StackAlignment - 1) &^ (isa.StackAlignment - 1))
}

func printLayout(w io.Writer, code *dex.CodeItem, fi oat.QuickMethodFrameInfo, set isa.InstructionSet) {
	fmt.Fprintf(w, "%s frame of %s (%d registers, %d ins, %d outs)\n",
		set, humanize.IBytes(uint64(fi.FrameSizeInBytes)), code.RegistersSize, code.InsSize, code.OutsSize)
	fmt.Fprintf(w, "%-8s %8s\n", "vreg", "offset")
	for reg := 0; reg <= int(code.RegistersSize); reg++ {
		name := fmt.Sprintf("v%d", reg)
		switch {
		case reg == int(code.RegistersSize):
			name = "method"
		case reg >= code.NumLocals():
			name += " (in)"
		}
		off := vm.GetVRegOffsetFromQuickCode(code, fi.CoreSpillMask, fi.FpSpillMask, int(fi.FrameSizeInBytes), reg, set)
		fmt.Fprintf(w, "%-8s %8d\n", name, off)
	}
	for out := 0; out < int(code.OutsSize); out++ {
		fmt.Fprintf(w, "%-8s %8d\n", fmt.Sprintf("out%d", out), vm.GetOutVROffset(out, set))
	}

	l := vm.ShadowFrameOffsets(set)
	fmt.Fprintf(w, "\nshadow frame: %s\n", humanize.IBytes(uint64(vm.ComputeShadowFrameSize(int(code.RegistersSize), set))))
	fields := []struct {
		name string
		off  int
	}{
		{"link", l.Link},
		{"method", l.Method},
		{"result_register", l.ResultRegister},
		{"dex_pc_ptr", l.DexPCPtr},
		{"code_item", l.CodeItem},
		{"lock_count_data", l.LockCountData},
		{"number_of_vregs", l.NumberOfVRegs},
		{"dex_pc", l.DexPC},
		{"cached_hotness", l.CachedHotnessCountdown},
		{"hotness", l.HotnessCountdown},
		{"vregs", l.VRegs},
	}
	for _, f := range fields {
		fmt.Fprintf(w, "%-16s %4d\n", f.name, f.off)
	}
}

func printSafepoints(w io.Writer, h *oat.MethodHeader) {
	fmt.Fprintf(w, "\ncode [%#x, %#x)\n", h.CodeStart, h.CodeStart+uint64(h.CodeSize))
	if !h.IsOptimized() {
		fmt.Fprintln(w, "no safepoint maps")
		return
	}
	for _, sm := range h.CodeInfo.StackMaps {
		fmt.Fprintf(w, "safepoint native pc %#x dex pc 0x%04x\n", h.CodeStart+uint64(sm.NativePCOffset), sm.DexPC)
		for vreg, loc := range sm.Registers {
			if loc.Kind == oat.LocationNone {
				continue
			}
			fmt.Fprintf(w, "  v%-4d %-16s %6d  %v\n", vreg, loc.Kind, loc.Value, loc.Type)
		}
		for depth := 1; depth <= sm.InlineDepth(); depth++ {
			f := sm.InlineFrameAt(depth)
			fmt.Fprintf(w, "  inlined depth %d: method %#x dex pc 0x%04x\n", depth, f.MethodAddress, f.DexPC)
		}
	}
}
