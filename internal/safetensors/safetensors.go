// Package safetensors reads and writes quantized model containers in the
// safetensors layout. Quantization parameters, input/output bindings and the
// layer manifest travel in the __metadata__ string map.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// Metadata keys understood by the loader.
const (
	MetaQuantPrefix   = "quant."
	MetaBindingPrefix = "binding."
	MetaLayers        = "qinfer.layers"
	MetaFormat        = "format"

	metadataKey = "__metadata__"

	// headers above this size are rejected before allocation.
	maxHeaderLen = 100 << 20
)

var (
	ErrCorruptFile    = errors.New("corrupt safetensors file")
	ErrTensorNotFound = errors.New("tensor not found")
	ErrNoQuantParams  = errors.New("no quantization parameters")
)

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// QuantInfo is the per-tensor quantization record stored as JSON under
// "quant.<tensor>" in the metadata.
type QuantInfo struct {
	Scale     float64 `json:"scale"`
	ZeroPoint int32   `json:"zero_point"`
	DType     string  `json:"dtype,omitempty"`
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps the file read-only where the platform allows it and falls back
// to reading it into memory. The file must be closed to release the mapping.
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
	size := stat.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: size %d", ErrCorruptFile, size)
	}

	data, err := mmapFile(f, int(size))
	mmapped := err == nil
	if err != nil {
		data, err = readAllAt(f, int(size))
		if err != nil {
			return nil, err
		}
	}

	sf, err := parse(data)
	if err != nil {
		if mmapped {
			_ = munmap(data)
		}
		return nil, err
	}
	sf.Path = path
	sf.mmapped = mmapped
	return sf, nil
}

// Parse decodes a container already held in memory.
func Parse(data []byte) (*File, error) {
	return parse(data)
}

func parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, ErrCorruptFile
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLen)
	}
	headerBytes := data[8 : 8+headerLen]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	meta := map[string]string{}
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("parse %s: %w", metadataKey, err)
		}
		delete(raw, metadataKey)
	}

	dataStart := int64(8 + headerLen)
	payload := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > payload {
			return nil, fmt.Errorf("%w: tensor %s offsets [%d, %d) outside %d data bytes", ErrCorruptFile, name, start, end, payload)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: start,
			End:   end,
		}
	}
	return &File{
		DataStart: dataStart,
		Tensors:   tensors,
		Metadata:  meta,
		data:      data,
	}, nil
}

// Close releases the mapping, if any. Byte slices returned by ReadTensor
// must not be used afterwards.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	data := f.data
	f.data = nil
	if f.mmapped {
		return munmap(data)
	}
	return nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names lists the tensors in the file in lexical order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadTensor returns the raw little-endian bytes of a tensor. The slice
// aliases the file contents.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: file closed", name)
	}
	off := f.DataStart
	return f.data[off+t.Start : off+t.End], t, nil
}

// QuantParams returns the quantization record of a tensor. Activations that
// carry no data are described here only.
func (f *File) QuantParams(name string) (QuantInfo, error) {
	s, ok := f.Metadata[MetaQuantPrefix+name]
	if !ok {
		return QuantInfo{}, fmt.Errorf("%w: %s", ErrNoQuantParams, name)
	}
	var qi QuantInfo
	if err := json.Unmarshal([]byte(s), &qi); err != nil {
		return QuantInfo{}, fmt.Errorf("parse quantization of %s: %w", name, err)
	}
	if qi.DType == "" {
		if t, ok := f.Tensors[name]; ok {
			qi.DType = t.DType
		}
	}
	return qi, nil
}

// QuantNames lists every tensor with a quantization record.
func (f *File) QuantNames() []string {
	var names []string
	for k := range f.Metadata {
		if name, ok := strings.CutPrefix(k, MetaQuantPrefix); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Binding resolves a role such as "input" to a tensor name.
func (f *File) Binding(role string) (string, bool) {
	name, ok := f.Metadata[MetaBindingPrefix+role]
	return name, ok
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	n, err := r.ReadAt(out, 0)
	if n == size {
		return out, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}
