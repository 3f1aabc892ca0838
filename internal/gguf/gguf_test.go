package gguf

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")

	kv := map[string]interface{}{
		"general.name":            "roundtrip",
		"general.architecture":    "bodkin",
		"bodkin.embedding_length": uint32(4),
		"bodkin.block_count":      uint32(1),
		"tensor_data_offset":      uint64(12345),
		"some.flag":               true,
		"some.scale":              float32(1.5),
	}
	tensors := []TensorSpec{
		{Name: "token_embd", Dimensions: []uint64{4, 3}, Data: []float32{
			1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12,
		}},
		{Name: "output", Dimensions: []uint64{3, 4}, Data: []float32{
			-1, -2, -3, -4, -5, -6, -7, -8, -9, -10, -11, -12,
		}},
	}
	if err := Write(path, kv, tensors); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer f.Close()

	if got := f.String("general.name", ""); got != "roundtrip" {
		t.Errorf("general.name: got %q", got)
	}
	if got := f.Uint32("bodkin.embedding_length", 0); got != 4 {
		t.Errorf("embedding_length: got %d", got)
	}
	if got := f.Uint32("bodkin.block_count", 0); got != 1 {
		t.Errorf("block_count: got %d", got)
	}

	for _, spec := range tensors {
		ti := f.TensorByName(spec.Name)
		if ti == nil {
			t.Fatalf("tensor %s missing", spec.Name)
		}
		if int(ti.NumElements()) != len(spec.Data) {
			t.Fatalf("tensor %s: %d elements, want %d", spec.Name, ti.NumElements(), len(spec.Data))
		}
		data, err := f.Float32Data(ti)
		if err != nil {
			t.Fatalf("tensor %s data: %v", spec.Name, err)
		}
		for i, v := range spec.Data {
			if data[i] != v {
				t.Fatalf("tensor %s element %d: got %v want %v", spec.Name, i, data[i], v)
			}
		}
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.gguf")
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint32(buf, 0xDEADBEEF)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected magic error")
	}
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := Write(path, map[string]interface{}{"k": "v"}, []TensorSpec{
		{Name: "w", Dimensions: []uint64{2, 2}, Data: []float32{1, 2, 3, 4}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Cut past the trailing alignment padding and into the tensor payload.
	if err := os.WriteFile(path, raw[:len(raw)-20], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for truncated tensor data")
	}
}

// A declared string length near the uint64 maximum must fail the bounds
// check instead of wrapping the cursor offset and slicing out of range.
func TestLoadRejectsHugeStringLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.gguf")
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], Version)
	binary.LittleEndian.PutUint64(buf[8:], 0)           // tensor count
	binary.LittleEndian.PutUint64(buf[16:], 1)          // kv count
	binary.LittleEndian.PutUint64(buf[24:], ^uint64(0)) // first key length
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for oversized string length")
	}
}

func TestTensorTypeSizes(t *testing.T) {
	ti := &TensorInfo{Type: TypeF32, Dimensions: []uint64{8, 4}}
	if ti.NumElements() != 32 {
		t.Errorf("elements: got %d", ti.NumElements())
	}
	if ti.SizeBytes() != 128 {
		t.Errorf("bytes: got %d", ti.SizeBytes())
	}
	ti.Type = TypeF16
	if ti.SizeBytes() != 64 {
		t.Errorf("f16 bytes: got %d", ti.SizeBytes())
	}
}
