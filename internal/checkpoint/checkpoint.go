// Package checkpoint reads and writes model state in the safetensors
// format: a little-endian u64 header length, a JSON header mapping
// tensor names to dtype/shape/offsets, then raw tensor bytes. Restore
// is partial by design: tensors are matched by name and anything the
// file lacks keeps its initialised value.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	json "github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

// TensorInfo describes one tensor in an open file.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Elems returns the element count implied by the shape.
func (t TensorInfo) Elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// File is an open checkpoint. Tensor data is served from a read-only
// mapping when the platform provides one, otherwise from an in-memory
// copy. Close releases the mapping.
type File struct {
	Tensors map[string]TensorInfo

	data      []byte // full file contents
	dataStart int64
	mmapped   bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path read-only and parses the header. Falls back to a
// plain read when mmap is unavailable.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("checkpoint: %s: file too small or too large", path)
	}
	size := int(size64)

	if data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED); err == nil {
		cf, parseErr := parse(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, fmt.Errorf("checkpoint: %s: %w", path, parseErr)
		}
		return cf, nil
	}

	data := make([]byte, size)
	var off int64
	for off < size64 {
		n, err := f.ReadAt(data[off:], off)
		off += int64(n)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
		}
	}
	cf, err := parse(data, false)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	return cf, nil
}

func parse(data []byte, mmapped bool) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data)
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("header length %d exceeds file size", headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	delete(raw, "__metadata__")

	dataStart := int64(8 + headerLen)
	payload := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[1] > payload {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{Tensors: tensors, data: data, dataStart: dataStart, mmapped: mmapped}, nil
}

// Close releases the file mapping, if any.
func (f *File) Close() error {
	if f.mmapped && f.data != nil {
		data := f.data
		f.data = nil
		return unix.Munmap(data)
	}
	f.data = nil
	return nil
}

// Float32 decodes the named tensor into float32, converting from F32,
// F16 or BF16 storage.
func (f *File) Float32(name string) ([]float32, TensorInfo, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("checkpoint: tensor not found: %s", name)
	}
	raw := f.data[f.dataStart+info.Start : f.dataStart+info.End]
	n := info.Elems()

	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("checkpoint: tensor %s: bad f32 size", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("checkpoint: tensor %s: bad bf16 size", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return out, info, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("checkpoint: tensor %s: bad f16 size", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = fp16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("checkpoint: tensor %s: unsupported dtype %s", name, info.DType)
	}
}

// Tensor is one named tensor to be saved.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Save writes tensors as F32 safetensors. Names are laid out in sorted
// order so identical state always produces identical bytes.
func Save(path string, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorHeader, len(tensors))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		n := 1
		for _, d := range t.Shape {
			n *= d
		}
		if n != len(t.Data) {
			return fmt.Errorf("checkpoint: tensor %s: shape %v but %d elements", name, t.Shape, len(t.Data))
		}
		size := int64(len(t.Data)) * 4
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       t.Shape,
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	buf := make([]byte, 0, 1<<16)
	for _, name := range names {
		buf = buf[:0]
		for _, v := range tensors[name].Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		if _, err := f.Write(buf); err != nil {
			return err
		}
	}
	return f.Close()
}

// Restore copies every tensor in the file whose name appears in dst and
// whose element count matches. It returns the restored names, the dst
// names absent from the file, and an error on any size conflict.
func Restore(path string, dst map[string]Tensor) (restored, missing []string, err error) {
	f, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	names := make([]string, 0, len(dst))
	for name := range dst {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		target := dst[name]
		info, ok := f.Tensors[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if info.Elems() != len(target.Data) {
			return nil, nil, fmt.Errorf("checkpoint: tensor %s: file has %d elements, model needs %d",
				name, info.Elems(), len(target.Data))
		}
		values, _, err := f.Float32(name)
		if err != nil {
			return nil, nil, err
		}
		copy(target.Data, values)
		restored = append(restored, name)
	}
	return restored, missing, nil
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
