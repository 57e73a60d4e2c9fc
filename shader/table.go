package shader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/achilleasa/polaris-ddgi/gpu"
)

// RecordStride returns the shader record stride for the given local
// argument size.
func RecordStride(maxLocalArgs int) int64 {
	return int64(gpu.AlignUp(gpu.ShaderIdentifierSize+maxLocalArgs, gpu.ShaderRecordAlignment))
}

// ShaderTable is a fixed capacity array of shader records stored in an
// upload heap buffer.
type ShaderTable struct {
	name         string
	buf          *gpu.Buffer
	stride       int64
	capacity     int
	count        int
	maxLocalArgs int
}

// NewShaderTable allocates a table holding up to capacity records with at
// most maxLocalArgs bytes of local root arguments each.
func NewShaderTable(dev gpu.BufferCreator, name string, capacity, maxLocalArgs int) (*ShaderTable, error) {
	if capacity <= 0 {
		return nil, gpu.NewConfigurationError("NewShaderTable", "%s: capacity must be positive; got %d", name, capacity)
	}
	if maxLocalArgs < 0 {
		return nil, gpu.NewConfigurationError("NewShaderTable", "%s: negative local argument size %d", name, maxLocalArgs)
	}
	stride := RecordStride(maxLocalArgs)
	buf, err := dev.CreateBuffer(gpu.BufferDesc{
		Name: name,
		Size: stride * int64(capacity),
		Heap: gpu.HeapUpload,
	})
	if err != nil {
		return nil, err
	}
	if uint64(buf.Address())%gpu.ShaderTableAlignment != 0 {
		buf.Release()
		return nil, &gpu.ResourceCreationError{Resource: name, Size: buf.Size(), Reason: fmt.Sprintf("table start is not %d byte aligned", gpu.ShaderTableAlignment)}
	}
	return &ShaderTable{name: name, buf: buf, stride: stride, capacity: capacity, maxLocalArgs: maxLocalArgs}, nil
}

// Get the table name.
func (t *ShaderTable) Name() string { return t.name }

// Get the record stride in bytes.
func (t *ShaderTable) Stride() int64 { return t.stride }

// Get the number of records written so far.
func (t *ShaderTable) Len() int { return t.count }

// Get the record capacity.
func (t *ShaderTable) Capacity() int { return t.capacity }

// Get the backing buffer.
func (t *ShaderTable) Buffer() *gpu.Buffer { return t.buf }

// Add appends a record and returns its index. Adding past capacity fails
// with a *gpu.CapacityError and leaves the table unchanged.
func (t *ShaderTable) Add(id gpu.ShaderIdentifier, args []byte) (int, error) {
	if t.count >= t.capacity {
		return -1, &gpu.CapacityError{Container: "shader table " + t.name, Capacity: t.capacity}
	}
	if err := t.Set(t.count, id, args); err != nil {
		return -1, err
	}
	t.count++
	return t.count - 1, nil
}

// AddExport appends a record for a named export of so.
func (t *ShaderTable) AddExport(so *gpu.StateObject, export string, args []byte) (int, error) {
	id, err := so.ShaderIdentifier(export)
	if err != nil {
		return -1, err
	}
	return t.Add(id, args)
}

// AddNull appends a record with a zero identifier; rays indexing it run no
// program.
func (t *ShaderTable) AddNull() (int, error) {
	return t.Add(gpu.ShaderIdentifier{}, nil)
}

// Set overwrites record index, which must be below capacity.
func (t *ShaderTable) Set(index int, id gpu.ShaderIdentifier, args []byte) error {
	if index < 0 || index >= t.capacity {
		return &gpu.CapacityError{Container: "shader table " + t.name, Capacity: t.capacity}
	}
	if len(args) > t.maxLocalArgs {
		return gpu.NewConfigurationError("ShaderTable.Set", "%s: %d bytes of local arguments exceed the %d byte maximum", t.name, len(args), t.maxLocalArgs)
	}
	return t.buf.Map(func(data []byte) error {
		rec := data[int64(index)*t.stride : int64(index+1)*t.stride]
		copy(rec, id[:])
		n := copy(rec[gpu.ShaderIdentifierSize:], args)
		for i := gpu.ShaderIdentifierSize + n; i < len(rec); i++ {
			rec[i] = 0
		}
		return nil
	})
}

// Reset discards all records.
func (t *ShaderTable) Reset() error {
	t.count = 0
	return t.buf.Map(func(data []byte) error {
		for i := range data {
			data[i] = 0
		}
		return nil
	})
}

// Range returns the dispatch range covering the written records.
func (t *ShaderTable) Range() gpu.ShaderTableRange {
	return gpu.ShaderTableRange{
		Start:  t.buf.Address(),
		Size:   t.stride * int64(t.count),
		Stride: t.stride,
	}
}

// Release frees the backing buffer.
func (t *ShaderTable) Release() {
	t.buf.Release()
}

// EncodeArgs encodes a fixed size local argument struct little-endian.
func EncodeArgs(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("shader: encode local arguments: %w", err)
	}
	return buf.Bytes(), nil
}

// HitGroupIndex returns the hit-group record selected for a ray.
func HitGroupIndex(rayContribution, multiplier, geometryIndex int, instanceOffset uint32) int {
	return rayContribution + geometryIndex*multiplier + int(instanceOffset)
}

// TableLayout assigns hit-group table ranges to instances. Each instance
// owns RayTypes consecutive records per geometry.
type TableLayout struct {
	RayTypes int
	offsets  []uint32
	total    int
}

// NewTableLayout lays out instances with the given geometry counts.
func NewTableLayout(rayTypes int, geometriesPerInstance []int) TableLayout {
	l := TableLayout{RayTypes: rayTypes, offsets: make([]uint32, len(geometriesPerInstance))}
	for i, n := range geometriesPerInstance {
		l.offsets[i] = uint32(l.total)
		l.total += n * rayTypes
	}
	return l
}

// Offset returns the HitGroupOffset of an instance.
func (l TableLayout) Offset(instance int) uint32 { return l.offsets[instance] }

// Capacity returns the number of hit-group records the layout needs.
func (l TableLayout) Capacity() int { return l.total }

// Index returns the record for a ray type hitting geometry of instance.
func (l TableLayout) Index(rayType, instance, geometry int) int {
	return HitGroupIndex(rayType, l.RayTypes, geometry, l.offsets[instance])
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
