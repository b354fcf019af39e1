// Package dex holds the bytecode-side identity of methods: access flags,
// code items and descriptors.
package dex

import "fmt"

// Access flags
const (
	AccPublic   = 0x0001
	AccPrivate  = 0x0002
	AccStatic   = 0x0008
	AccFinal    = 0x0010
	AccNative   = 0x0100
	AccAbstract = 0x0400

	// AccRuntimeMethod marks trampolines and callee-save methods that have
	// quick frames but no bytecode.
	AccRuntimeMethod = 0x10000000
)

// NoDexPC is returned when a native pc does not map back to bytecode.
const NoDexPC = 0xFFFFFFFF

// CodeItem is the register-level shape of a method body.
type CodeItem struct {
	RegistersSize uint16
	InsSize       uint16
	OutsSize      uint16
	Insns         []uint16
}

// NumLocals returns the number of registers that are not incoming arguments.
func (c *CodeItem) NumLocals() int {
	return int(c.RegistersSize) - int(c.InsSize)
}

// Method is the identity of one bytecode method. Address is the value a
// compiled frame stores in its method slot; it is assigned when the method is
// registered with a runtime.
type Method struct {
	Class       string
	Name        string
	Descriptor  string
	AccessFlags uint32
	Code        *CodeItem
	Address     uint64
}

// NewMethod creates a method and derives a code item from the descriptor
// when registers is non-zero.
func NewMethod(class, name, descriptor string, flags uint32, registers, outs uint16) (*Method, error) {
	m := &Method{
		Class:       class,
		Name:        name,
		Descriptor:  descriptor,
		AccessFlags: flags,
	}
	if registers == 0 {
		return m, nil
	}
	ins, err := ArgRegisters(descriptor)
	if err != nil {
		return nil, fmt.Errorf("method %s.%s: %w", class, name, err)
	}
	if !m.IsStatic() {
		ins++
	}
	if ins > int(registers) {
		return nil, fmt.Errorf("method %s.%s: %d in registers exceed %d registers", class, name, ins, registers)
	}
	m.Code = &CodeItem{
		RegistersSize: registers,
		InsSize:       uint16(ins),
		OutsSize:      outs,
	}
	return m, nil
}

func (m *Method) IsStatic() bool        { return m.AccessFlags&AccStatic != 0 }
func (m *Method) IsNative() bool        { return m.AccessFlags&AccNative != 0 }
func (m *Method) IsRuntimeMethod() bool { return m.AccessFlags&AccRuntimeMethod != 0 }

// PrettyMethod renders the method as "ret Class.name(args)".
func (m *Method) PrettyMethod() string {
	if m == nil {
		return "null"
	}
	if m.IsRuntimeMethod() {
		return "<runtime method>." + m.Name
	}
	params, ret, err := parseDescriptor(m.Descriptor)
	if err != nil {
		return fmt.Sprintf("%s.%s%s", PrettyDescriptor(m.Class), m.Name, m.Descriptor)
	}
	s := PrettyDescriptor(ret) + " " + PrettyDescriptor(m.Class) + "." + m.Name + "("
	for i, p := range params {
		if i > 0 {
			s += ", "
		}
		s += PrettyDescriptor(p)
	}
	return s + ")"
}

func (m *Method) String() string { return m.PrettyMethod() }
