package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
)

type pendingTensor struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// Writer builds a container in memory. Tensors are laid out in the order
// they were added.
type Writer struct {
	tensors  []pendingTensor
	seen     map[string]bool
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{
		seen:     map[string]bool{},
		metadata: map[string]string{},
	}
}

// AddTensor appends a tensor with its raw little-endian bytes.
func (w *Writer) AddTensor(name, dtype string, shape []int, data []byte) error {
	if name == "" || name == metadataKey {
		return fmt.Errorf("invalid tensor name %q", name)
	}
	if w.seen[name] {
		return fmt.Errorf("duplicate tensor %s", name)
	}
	w.seen[name] = true
	w.tensors = append(w.tensors, pendingTensor{
		name:  name,
		dtype: dtype,
		shape: append([]int(nil), shape...),
		data:  data,
	})
	return nil
}

func (w *Writer) SetMetadata(key, value string) {
	w.metadata[key] = value
}

// SetQuant records the quantization parameters of a tensor, which need not
// have data in the file.
func (w *Writer) SetQuant(name string, qi QuantInfo) error {
	b, err := json.Marshal(qi)
	if err != nil {
		return err
	}
	w.metadata[MetaQuantPrefix+name] = string(b)
	return nil
}

func (w *Writer) SetBinding(role, name string) {
	w.metadata[MetaBindingPrefix+role] = name
}

// WriteTo serializes the container. The header is padded with spaces to a
// multiple of 8 bytes so tensor data stays aligned.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	header := make(map[string]any, len(w.tensors)+1)
	if len(w.metadata) > 0 {
		header[metadataKey] = w.metadata
	}
	var off int64
	for _, t := range w.tensors {
		end := off + int64(len(t.data))
		header[t.name] = tensorHeader{DType: t.dtype, Shape: t.shape, DataOffsets: []int64{off, end}}
		off = end
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshal header: %w", err)
	}
	if pad := (8 - len(hb)%8) % 8; pad > 0 {
		hb = append(hb, bytes.Repeat([]byte{' '}, pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))

	var total int64
	for _, chunk := range append([][]byte{lenBuf[:], hb}, w.payload()...) {
		n, err := out.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (w *Writer) payload() [][]byte {
	out := make([][]byte, 0, len(w.tensors))
	for _, t := range w.tensors {
		out = append(out, t.data)
	}
	return out
}

// WriteFile writes the container to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if _, err := w.WriteTo(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
