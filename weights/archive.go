package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// maxHeaderBytes bounds the JSON header so a corrupt length field cannot
// force a huge allocation.
const maxHeaderBytes = 64 << 20

type archiveEntry struct {
	Dtype   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

type archiveTensor struct {
	name  string
	shape []int
	data  []float32
}

// readArchive parses a checkpoint archive: an 8-byte little-endian header
// length, a JSON header mapping tensor names to dtype/shape/offsets, then
// the raw data buffer. Tensors come back ordered by their data offsets.
func readArchive(path string) ([]archiveTensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weight archive: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("weight archive %s: too short for a header", path)
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderBytes || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("weight archive %s: header length %d out of range", path, headerLen)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("weight archive %s: decode header: %w", path, err)
	}
	buf := data[8+headerLen:]

	type pending struct {
		name string
		ent  archiveEntry
	}
	entries := make([]pending, 0, len(header))
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var ent archiveEntry
		if err := json.Unmarshal(raw, &ent); err != nil {
			return nil, fmt.Errorf("weight archive %s: entry %q: %w", path, name, err)
		}
		entries = append(entries, pending{name: name, ent: ent})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ent.Offsets[0] != entries[j].ent.Offsets[0] {
			return entries[i].ent.Offsets[0] < entries[j].ent.Offsets[0]
		}
		return entries[i].name < entries[j].name
	})

	tensors := make([]archiveTensor, 0, len(entries))
	var prevEnd int64
	for _, p := range entries {
		ent := p.ent
		if ent.Dtype != "F32" {
			return nil, fmt.Errorf("weight archive %s: entry %q: unsupported dtype %q (only F32)", path, p.name, ent.Dtype)
		}
		count := 1
		for _, d := range ent.Shape {
			if d < 0 {
				return nil, fmt.Errorf("weight archive %s: entry %q: negative dimension %d", path, p.name, d)
			}
			count *= d
		}
		begin, end := ent.Offsets[0], ent.Offsets[1]
		if begin < prevEnd || end < begin || end > int64(len(buf)) {
			return nil, fmt.Errorf("weight archive %s: entry %q: data offsets [%d,%d) invalid", path, p.name, begin, end)
		}
		if end-begin != int64(count)*4 {
			return nil, fmt.Errorf("weight archive %s: entry %q: payload is %d bytes, shape wants %d", path, p.name, end-begin, count*4)
		}
		prevEnd = end
		vals := make([]float32, count)
		if err := binary.Read(bytes.NewReader(buf[begin:end]), binary.LittleEndian, vals); err != nil {
			return nil, fmt.Errorf("weight archive %s: entry %q: %w", path, p.name, err)
		}
		tensors = append(tensors, archiveTensor{name: p.name, shape: append([]int(nil), ent.Shape...), data: vals})
	}
	return tensors, nil
}

// stripSharedGroup removes a single top-level group shared by every tensor
// name, so archives exported flat and archives nested under one named
// subgroup yield the same names.
func stripSharedGroup(tensors []archiveTensor) {
	if len(tensors) == 0 {
		return
	}
	first, _, ok := strings.Cut(tensors[0].name, "/")
	if !ok {
		return
	}
	prefix := first + "/"
	for _, t := range tensors {
		if !strings.HasPrefix(t.name, prefix) || len(t.name) == len(prefix) {
			return
		}
	}
	for i := range tensors {
		tensors[i].name = tensors[i].name[len(prefix):]
	}
}
