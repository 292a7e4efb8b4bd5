package emb

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// FeatureCache memoizes pooled feature vectors in memory and on disk.
// Disk reads are best effort: corrupt or missing entries just recompute.
type FeatureCache struct {
	mu      sync.RWMutex
	dir     string
	modelID string
	mem     map[string][]float32
}

// NewFeatureCache prepares the cache directory. An empty dir keeps the
// cache memory-only.
func NewFeatureCache(dir, modelID string) (*FeatureCache, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &FeatureCache{dir: dir, modelID: modelID, mem: make(map[string][]float32)}, nil
}

// Key derives the cache key for a text under this cache's model id.
func (c *FeatureCache) Key(text string) string {
	h := sha1.New()
	_, _ = io.WriteString(h, c.modelID)
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, text)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the cached vector, consulting memory then disk.
func (c *FeatureCache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	vec, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		return cloneVector(vec), true
	}
	vec, err := c.readDisk(key)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	c.mem[key] = vec
	c.mu.Unlock()
	return cloneVector(vec), true
}

// Put stores the vector in memory and, best effort, on disk.
func (c *FeatureCache) Put(key string, vec []float32) {
	c.mu.Lock()
	c.mem[key] = cloneVector(vec)
	c.mu.Unlock()
	_ = c.writeDisk(key, vec)
}

func (c *FeatureCache) readDisk(key string) ([]float32, error) {
	if c.dir == "" {
		return nil, os.ErrNotExist
	}
	path := filepath.Join(c.dir, key+".bin")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("cache file too small: %s", path)
	}
	length := int(binary.LittleEndian.Uint32(data[:4]))
	data = data[4:]
	if len(data) != length*4 {
		return nil, fmt.Errorf("cache length mismatch: %s", path)
	}
	vec := make([]float32, length)
	for i := 0; i < length; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : (i+1)*4]))
	}
	return vec, nil
}

func (c *FeatureCache) writeDisk(key string, vec []float32) error {
	if c.dir == "" {
		return nil
	}
	path := filepath.Join(c.dir, key+".bin")
	tmp := path + ".tmp"
	buf := make([]byte, 4+len(vec)*4)
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(vec)))
	off := 4
	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
		off += 4
	}
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cloneVector(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
