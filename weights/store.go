// Package weights converts pretrained checkpoint archives into the native
// weight bank format and reads the banks back. Conversion happens once; the
// load path never re-parses the source archive.
package weights

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	storeMagic   = "SQWB"
	storeVersion = 1
)

// Tensor is one named parameter's payload. Data is row-major.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Count returns the number of elements the shape describes.
func (t Tensor) Count() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Bank is an ordered name -> tensor mapping, the unit the importer produces
// and fitted models persist into.
type Bank struct {
	names   []string
	tensors map[string]Tensor
}

// NewBank returns an empty bank.
func NewBank() *Bank {
	return &Bank{tensors: make(map[string]Tensor)}
}

// Put adds a named tensor. Duplicate names and shape/payload mismatches fail.
func (b *Bank) Put(name string, t Tensor) error {
	if name == "" {
		return fmt.Errorf("weight bank: empty tensor name")
	}
	if _, ok := b.tensors[name]; ok {
		return fmt.Errorf("weight bank: duplicate tensor %q", name)
	}
	if t.Count() != len(t.Data) {
		return fmt.Errorf("weight bank: tensor %q: shape %v wants %d values, payload has %d", name, t.Shape, t.Count(), len(t.Data))
	}
	b.names = append(b.names, name)
	b.tensors[name] = t
	return nil
}

// Tensor looks up a parameter by name.
func (b *Bank) Tensor(name string) (Tensor, bool) {
	t, ok := b.tensors[name]
	return t, ok
}

// Names returns the tensor names in insertion order.
func (b *Bank) Names() []string {
	return append([]string(nil), b.names...)
}

// Len returns the number of stored tensors.
func (b *Bank) Len() int {
	return len(b.names)
}

// Missing returns the expected names the bank does not contain, in the
// order given. Parameters absent from a checkpoint keep their initialized
// values downstream, so this is a report, not an error.
func (b *Bank) Missing(expected []string) []string {
	var missing []string
	for _, name := range expected {
		if _, ok := b.tensors[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Save writes the bank to path in the native binary format, via a temp file
// and rename so readers never observe a partial store.
func (b *Bank) Save(path string) error {
	buf := &bytes.Buffer{}
	buf.WriteString(storeMagic)
	_ = binary.Write(buf, binary.LittleEndian, uint32(storeVersion))
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(b.names)))
	for _, name := range b.names {
		t := b.tensors[name]
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(name)))
		buf.WriteString(name)
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(t.Shape)))
		for _, d := range t.Shape {
			_ = binary.Write(buf, binary.LittleEndian, uint32(d))
		}
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(t.Data)))
		if err := binary.Write(buf, binary.LittleEndian, t.Data); err != nil {
			return fmt.Errorf("encode tensor %q: %w", name, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename store: %w", err)
	}
	return nil
}

// Open reads a bank previously written by Save.
func Open(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weight store: %w", err)
	}
	r := &storeReader{path: path, data: data}
	magic, err := r.bytes(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != storeMagic {
		return nil, fmt.Errorf("weight store %s: bad magic %q", path, magic)
	}
	version, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if version != storeVersion {
		return nil, fmt.Errorf("weight store %s: unsupported version %d", path, version)
	}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	bank := NewBank()
	for i := uint32(0); i < count; i++ {
		nameLen, err := r.uint32()
		if err != nil {
			return nil, err
		}
		nameBytes, err := r.bytes(int(nameLen))
		if err != nil {
			return nil, err
		}
		rank, err := r.uint32()
		if err != nil {
			return nil, err
		}
		shape := make([]int, rank)
		for j := range shape {
			d, err := r.uint32()
			if err != nil {
				return nil, err
			}
			shape[j] = int(d)
		}
		valCount, err := r.uint32()
		if err != nil {
			return nil, err
		}
		raw, err := r.bytes(int(valCount) * 4)
		if err != nil {
			return nil, err
		}
		vals := make([]float32, valCount)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, vals); err != nil {
			return nil, fmt.Errorf("weight store %s: tensor %q: %w", path, nameBytes, err)
		}
		if err := bank.Put(string(nameBytes), Tensor{Shape: shape, Data: vals}); err != nil {
			return nil, fmt.Errorf("weight store %s: %w", path, err)
		}
	}
	return bank, nil
}

type storeReader struct {
	path string
	data []byte
	off  int
}

func (r *storeReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, fmt.Errorf("weight store %s: truncated at offset %d", r.path, r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *storeReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// StoreName builds the deterministic bank file name for a checkpoint and
// model family pair. Path separators in checkpoint ids are flattened so
// distinct pairs never collide on disk.
func StoreName(checkpoint, family string) string {
	return fmt.Sprintf("%s_%s.sqwb", strings.ReplaceAll(checkpoint, "/", "_"), family)
}
