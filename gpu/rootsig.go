package gpu

import (
	"fmt"
)

// RootParameterType identifies the kind of a root signature slot.
type RootParameterType uint8

const (
	RootDescriptorTable RootParameterType = iota
	RootCBV
	RootSRV
	RootUAV
	RootConstants
)

func (t RootParameterType) String() string {
	switch t {
	case RootDescriptorTable:
		return "descriptor-table"
	case RootCBV:
		return "root-cbv"
	case RootSRV:
		return "root-srv"
	case RootUAV:
		return "root-uav"
	case RootConstants:
		return "root-constants"
	}
	return fmt.Sprintf("root-param(%d)", uint8(t))
}

// RootParameter describes one root signature slot.
type RootParameter struct {
	Name string
	Type RootParameterType

	// Number of descriptors for tables; number of 32-bit values for
	// root constants.
	Count int
}

// Size in bytes the parameter occupies inside a shader record.
func (p RootParameter) Size() int {
	if p.Type == RootConstants {
		return 4 * p.Count
	}
	return 8
}

// RootSignature describes the resources visible to shaders. Local root
// signatures describe per-record arguments stored in shader tables.
type RootSignature struct {
	Name   string
	Local  bool
	Params []RootParameter
}

// Size returns the number of bytes the signature occupies in a shader record.
func (rs *RootSignature) Size() int {
	if rs == nil {
		return 0
	}
	size := 0
	for _, p := range rs.Params {
		size += p.Size()
	}
	return size
}

// Validate checks the signature for structural problems.
func (rs *RootSignature) Validate() error {
	seen := make(map[string]struct{}, len(rs.Params))
	for i, p := range rs.Params {
		if _, dup := seen[p.Name]; p.Name != "" && dup {
			return NewConfigurationError("CreateRootSignature", "%s: duplicate parameter %q", rs.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if (p.Type == RootDescriptorTable || p.Type == RootConstants) && p.Count <= 0 {
			return NewConfigurationError("CreateRootSignature", "%s: parameter %d (%s) needs a positive count", rs.Name, i, p.Type)
		}
	}
	return nil
}

// Index returns the slot index of the named parameter or -1.
func (rs *RootSignature) Index(name string) int {
	for i, p := range rs.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// RootArgument is the value bound to a root signature slot.
type RootArgument struct {
	Table     DescriptorHandle
	Address   Address
	Constants []uint32
	set       bool
}

// AddressResolver maps GPU virtual addresses to buffers.
type AddressResolver interface {
	Resolve(addr Address) (*Buffer, int64, error)
}

// Bindings is the root argument state visible to a program invocation.
type Bindings struct {
	Signature *RootSignature
	Args      []RootArgument
	Resolver  AddressResolver
}

// NewBindings creates empty bindings for a root signature.
func NewBindings(rs *RootSignature, resolver AddressResolver) *Bindings {
	return &Bindings{
		Signature: rs,
		Args:      make([]RootArgument, len(rs.Params)),
		Resolver:  resolver,
	}
}

// Clone returns a snapshot of the bindings.
func (b *Bindings) Clone() *Bindings {
	out := &Bindings{Signature: b.Signature, Resolver: b.Resolver, Args: make([]RootArgument, len(b.Args))}
	copy(out.Args, b.Args)
	return out
}

// Set binds arg to the slot at index after checking its type.
func (b *Bindings) Set(index int, typ RootParameterType, arg RootArgument) error {
	if index < 0 || index >= len(b.Signature.Params) {
		return fmt.Errorf("gpu: root signature %q has no parameter %d", b.Signature.Name, index)
	}
	if p := b.Signature.Params[index]; p.Type != typ {
		return fmt.Errorf("gpu: root parameter %d (%s) of %q is a %s; cannot bind a %s", index, p.Name, b.Signature.Name, p.Type, typ)
	}
	arg.set = true
	b.Args[index] = arg
	return nil
}

// Missing returns the names of unbound parameters.
func (b *Bindings) Missing() []string {
	var out []string
	for i, a := range b.Args {
		if !a.set {
			out = append(out, b.Signature.Params[i].Name)
		}
	}
	return out
}

func (b *Bindings) arg(index int, typ RootParameterType) (RootArgument, error) {
	if index < 0 || index >= len(b.Args) {
		return RootArgument{}, fmt.Errorf("gpu: root signature %q has no parameter %d", b.Signature.Name, index)
	}
	p := b.Signature.Params[index]
	if p.Type != typ {
		return RootArgument{}, fmt.Errorf("gpu: root parameter %q is a %s, not a %s", p.Name, p.Type, typ)
	}
	if !b.Args[index].set {
		return RootArgument{}, fmt.Errorf("gpu: root parameter %q is not bound", p.Name)
	}
	return b.Args[index], nil
}

// TableEntry returns entry offset of the descriptor table bound at index.
func (b *Bindings) TableEntry(index, offset int) (Descriptor, error) {
	a, err := b.arg(index, RootDescriptorTable)
	if err != nil {
		return Descriptor{}, err
	}
	if count := b.Signature.Params[index].Count; offset < 0 || offset >= count {
		return Descriptor{}, fmt.Errorf("gpu: offset %d outside descriptor table %q of %d entries", offset, b.Signature.Params[index].Name, count)
	}
	return a.Table.Offset(offset).Descriptor()
}

// Texture returns the texture referenced by entry offset of the table at index.
func (b *Bindings) Texture(index, offset int) (*Texture, error) {
	d, err := b.TableEntry(index, offset)
	if err != nil {
		return nil, err
	}
	if d.Texture == nil {
		return nil, fmt.Errorf("gpu: descriptor %d of table %q is not a texture view", offset, b.Signature.Params[index].Name)
	}
	return d.Texture, nil
}

// TableBuffer returns the buffer referenced by entry offset of the table at index.
func (b *Bindings) TableBuffer(index, offset int) (*Buffer, error) {
	d, err := b.TableEntry(index, offset)
	if err != nil {
		return nil, err
	}
	if d.Buffer == nil {
		return nil, fmt.Errorf("gpu: descriptor %d of table %q is not a buffer view", offset, b.Signature.Params[index].Name)
	}
	return d.Buffer, nil
}

// RootBuffer resolves a root CBV/SRV/UAV to its buffer and byte offset.
func (b *Bindings) RootBuffer(index int, typ RootParameterType) (*Buffer, int64, error) {
	a, err := b.arg(index, typ)
	if err != nil {
		return nil, 0, err
	}
	return b.Resolver.Resolve(a.Address)
}

// Constants decodes the constant buffer bound at index into out.
func (b *Bindings) Constants(index int, out interface{}) error {
	buf, offset, err := b.RootBuffer(index, RootCBV)
	if err != nil {
		return err
	}
	return DecodeAt(buf, offset, out)
}

// StructuredElement decodes element i of the structured buffer bound as a
// root SRV at index.
func (b *Bindings) StructuredElement(index, i int, out interface{}) error {
	buf, offset, err := b.RootBuffer(index, RootSRV)
	if err != nil {
		return err
	}
	return DecodeAt(buf, offset+int64(i*sizeOf(out)), out)
}

// AccelerationStructure returns the TLAS bound as a root SRV at index.
func (b *Bindings) AccelerationStructure(index int) (*Buffer, error) {
	buf, offset, err := b.RootBuffer(index, RootSRV)
	if err != nil {
		return nil, err
	}
	if offset != 0 || buf.State() != StateRaytracingAccelerationStructure || buf.Native() == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotAccelerationStruct, buf.Name())
	}
	return buf, nil
}

// Root32BitConstants returns the values bound at index.
func (b *Bindings) Root32BitConstants(index int) ([]uint32, error) {
	a, err := b.arg(index, RootConstants)
	if err != nil {
		return nil, err
	}
	return a.Constants, nil
}
