// Package dataset reads MNIST-style IDX files and turns images into the
// flattened, normalized vectors a network classifies.
package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// IDX magic numbers for unsigned-byte payloads.
const (
	imagesMagic = 0x00000803
	labelsMagic = 0x00000801

	// Refuse headers describing more than this many payload bytes.
	maxPayload = 1 << 31
)

var ErrBadMagic = errors.New("invalid IDX magic number")

// Images is a decoded image file. Each entry holds Rows*Cols pixels in row
// major order.
type Images struct {
	Rows, Cols int
	Pixels     [][]byte
}

// ReadImages decodes an IDX image file:
//
//	magic number: 0x00000803 (2051)
//	number of images: 4 bytes
//	number of rows: 4 bytes
//	number of cols: 4 bytes
//	pixel data: unsigned bytes (0-255)
func ReadImages(r io.Reader) (Images, error) {
	var hdr struct {
		Magic, Count, Rows, Cols uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return Images{}, fmt.Errorf("read image header: %w", err)
	}
	if hdr.Magic != imagesMagic {
		return Images{}, fmt.Errorf("%w: got %d, want %d", ErrBadMagic, hdr.Magic, imagesMagic)
	}
	size := uint64(hdr.Rows) * uint64(hdr.Cols)
	if size == 0 || size*uint64(hdr.Count) > maxPayload {
		return Images{}, fmt.Errorf("image header describes %d images of %dx%d", hdr.Count, hdr.Rows, hdr.Cols)
	}

	buf := make([]byte, size*uint64(hdr.Count))
	if _, err := io.ReadFull(r, buf); err != nil {
		return Images{}, fmt.Errorf("read %d images: %w", hdr.Count, err)
	}
	out := Images{Rows: int(hdr.Rows), Cols: int(hdr.Cols), Pixels: make([][]byte, hdr.Count)}
	for i := range out.Pixels {
		out.Pixels[i] = buf[uint64(i)*size : uint64(i+1)*size]
	}
	return out, nil
}

// ReadLabels decodes an IDX label file:
//
//	magic number: 0x00000801 (2049)
//	number of labels: 4 bytes
//	label data: unsigned bytes
func ReadLabels(r io.Reader) ([]byte, error) {
	var hdr struct {
		Magic, Count uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read label header: %w", err)
	}
	if hdr.Magic != labelsMagic {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadMagic, hdr.Magic, labelsMagic)
	}
	if uint64(hdr.Count) > maxPayload {
		return nil, fmt.Errorf("label header describes %d labels", hdr.Count)
	}
	labels := make([]byte, hdr.Count)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("read %d labels: %w", hdr.Count, err)
	}
	return labels, nil
}

// open returns a reader over path, transparently decompressing gzip.
func open(path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		return zr, func() error {
			_ = zr.Close()
			return f.Close()
		}, nil
	}
	return br, f.Close, nil
}

func ReadImagesFile(path string) (Images, error) {
	r, closeFn, err := open(path)
	if err != nil {
		return Images{}, err
	}
	defer func() { _ = closeFn() }()
	return ReadImages(r)
}

func ReadLabelsFile(path string) ([]byte, error) {
	r, closeFn, err := open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeFn() }()
	return ReadLabels(r)
}
