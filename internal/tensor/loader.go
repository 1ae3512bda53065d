package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/x448/float16"
)

// LoadFile reads a raw little-endian tensor of the given dtype and shape.
// The file carries no header; its size must match the shape exactly.
func LoadFile(path string, dtype DType, shape Shape) (*Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	t, err := Load(file, dtype, shape)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return t, nil
}

// Load reads a raw little-endian tensor from r.
func Load(r io.Reader, dtype DType, shape Shape) (*Tensor, error) {
	t := New(dtype, shape)
	if dtype == Float32 {
		if err := binary.Read(r, binary.LittleEndian, t.F32); err != nil {
			return nil, err
		}
		return t, nil
	}

	bits := make([]uint16, shape.Len())
	if err := binary.Read(r, binary.LittleEndian, bits); err != nil {
		return nil, err
	}
	for i, b := range bits {
		t.F16[i] = float16.Frombits(b)
	}
	return t, nil
}

// Write stores t as raw little-endian values, the format Load reads.
func Write(w io.Writer, t *Tensor) error {
	if t.DType == Float32 {
		return binary.Write(w, binary.LittleEndian, t.F32)
	}
	bits := make([]uint16, len(t.F16))
	for i, v := range t.F16 {
		bits[i] = v.Bits()
	}
	return binary.Write(w, binary.LittleEndian, bits)
}

// WriteFile stores t at path in the raw format.
func WriteFile(path string, t *Tensor) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(file, t); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
