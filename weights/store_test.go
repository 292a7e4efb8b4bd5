package weights

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestBankRoundTrip(t *testing.T) {
	bank := NewBank()
	tensors := map[string]Tensor{
		"embeddings.word_embeddings.weight": {Shape: []int{3, 2}, Data: []float32{1.5, -2.25, 3e-8, 0, -0.0, 42}},
		"encoder.layer.0.attention.self.query.weight": {Shape: []int{2, 2}, Data: []float32{0.1, 0.2, 0.3, 0.4}},
		"pooler.dense.bias": {Shape: []int{4}, Data: []float32{-1, -2, -3, -4}},
	}
	order := []string{
		"embeddings.word_embeddings.weight",
		"encoder.layer.0.attention.self.query.weight",
		"pooler.dense.bias",
	}
	for _, name := range order {
		if err := bank.Put(name, tensors[name]); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}

	path := filepath.Join(t.TempDir(), "model.sqwb")
	if err := bank.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	names := loaded.Names()
	if len(names) != len(order) {
		t.Fatalf("loaded %d tensors, want %d", len(names), len(order))
	}
	for i, name := range order {
		if names[i] != name {
			t.Fatalf("name %d = %q, want %q (order must survive)", i, names[i], name)
		}
		got, ok := loaded.Tensor(name)
		if !ok {
			t.Fatalf("tensor %q missing after round trip", name)
		}
		want := tensors[name]
		if len(got.Shape) != len(want.Shape) {
			t.Fatalf("tensor %q rank = %d, want %d", name, len(got.Shape), len(want.Shape))
		}
		for j := range want.Shape {
			if got.Shape[j] != want.Shape[j] {
				t.Fatalf("tensor %q dim %d = %d, want %d", name, j, got.Shape[j], want.Shape[j])
			}
		}
		for j := range want.Data {
			if math.Float32bits(got.Data[j]) != math.Float32bits(want.Data[j]) {
				t.Fatalf("tensor %q value %d: bits %x, want %x", name, j, math.Float32bits(got.Data[j]), math.Float32bits(want.Data[j]))
			}
		}
	}
}

func TestBankPutValidation(t *testing.T) {
	bank := NewBank()
	if err := bank.Put("w", Tensor{Shape: []int{2}, Data: []float32{1, 2}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := bank.Put("w", Tensor{Shape: []int{2}, Data: []float32{3, 4}}); err == nil {
		t.Fatal("Put accepted a duplicate name")
	}
	if err := bank.Put("bad", Tensor{Shape: []int{3}, Data: []float32{1, 2}}); err == nil {
		t.Fatal("Put accepted a shape/payload mismatch")
	}
	if err := bank.Put("", Tensor{Shape: []int{1}, Data: []float32{1}}); err == nil {
		t.Fatal("Put accepted an empty name")
	}
}

func TestBankMissing(t *testing.T) {
	bank := NewBank()
	if err := bank.Put("a", Tensor{Shape: []int{1}, Data: []float32{1}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	missing := bank.Missing([]string{"a", "b", "c"})
	if len(missing) != 2 || missing[0] != "b" || missing[1] != "c" {
		t.Fatalf("Missing = %v, want [b c]", missing)
	}
}

func TestOpenRejectsCorruptStores(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "magic.sqwb")
	if err := os.WriteFile(bad, []byte("NOPE\x01\x00\x00\x00\x00\x00\x00\x00"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(bad); err == nil {
		t.Fatal("Open accepted a bad magic")
	}

	bank := NewBank()
	if err := bank.Put("w", Tensor{Shape: []int{4}, Data: []float32{1, 2, 3, 4}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	good := filepath.Join(dir, "good.sqwb")
	if err := bank.Save(good); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(good)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	trunc := filepath.Join(dir, "trunc.sqwb")
	if err := os.WriteFile(trunc, data[:len(data)-5], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(trunc); err == nil {
		t.Fatal("Open accepted a truncated store")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	bank := NewBank()
	if err := bank.Put("w", Tensor{Shape: []int{1}, Data: []float32{7}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	path := filepath.Join(dir, "model.sqwb")
	if err := bank.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file still present after Save (err=%v)", err)
	}
}

func TestStoreName(t *testing.T) {
	cases := []struct {
		checkpoint, family, want string
	}{
		{"bert-base-uncased", "bert-base", "bert-base-uncased_bert-base.sqwb"},
		{"acme/bert-large", "bert-base", "acme_bert-large_bert-base.sqwb"},
		{"gpt2", "gpt2-small", "gpt2_gpt2-small.sqwb"},
	}
	seen := make(map[string]string)
	for _, tc := range cases {
		got := StoreName(tc.checkpoint, tc.family)
		if got != tc.want {
			t.Errorf("StoreName(%q, %q) = %q, want %q", tc.checkpoint, tc.family, got, tc.want)
		}
		if prev, ok := seen[got]; ok {
			t.Errorf("store name %q collides with %q", got, prev)
		}
		seen[got] = tc.checkpoint + "/" + tc.family
	}
}
