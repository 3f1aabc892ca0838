package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// TensorSpec is one dense float32 tensor queued for writing.
type TensorSpec struct {
	Name       string
	Dimensions []uint64
	Data       []float32
}

// Write emits a v3 GGUF file with float32 tensors, used for merged-model
// export. Metadata values may be string, uint32, uint64, float32 or bool.
func Write(path string, kv map[string]interface{}, tensors []TensorSpec) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	w := bufio.NewWriter(f)

	binary.Write(w, binary.LittleEndian, uint32(Magic))
	binary.Write(w, binary.LittleEndian, uint32(Version))
	binary.Write(w, binary.LittleEndian, uint64(len(tensors)))
	binary.Write(w, binary.LittleEndian, uint64(len(kv)))

	// Deterministic metadata order keeps exports byte-stable.
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(w, k)
		if err := writeValue(w, kv[k]); err != nil {
			return err
		}
	}

	offset := uint64(0)
	for _, t := range tensors {
		writeString(w, t.Name)
		binary.Write(w, binary.LittleEndian, uint32(len(t.Dimensions)))
		for _, d := range t.Dimensions {
			binary.Write(w, binary.LittleEndian, d)
		}
		binary.Write(w, binary.LittleEndian, uint32(TypeF32))
		binary.Write(w, binary.LittleEndian, offset)
		offset += uint64(len(t.Data)) * 4
		offset = (offset + defaultAlignment - 1) / defaultAlignment * defaultAlignment
	}

	if err := w.Flush(); err != nil {
		return err
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	pad := (pos + defaultAlignment - 1) / defaultAlignment * defaultAlignment
	if _, err := f.Write(make([]byte, pad-pos)); err != nil {
		return err
	}

	w = bufio.NewWriter(f)
	written := uint64(0)
	for _, t := range tensors {
		for _, v := range t.Data {
			binary.Write(w, binary.LittleEndian, math.Float32bits(v))
		}
		written += uint64(len(t.Data)) * 4
		aligned := (written + defaultAlignment - 1) / defaultAlignment * defaultAlignment
		if aligned > written {
			w.Write(make([]byte, aligned-written))
			written = aligned
		}
	}
	return w.Flush()
}

func writeString(w *bufio.Writer, s string) {
	binary.Write(w, binary.LittleEndian, uint64(len(s)))
	w.WriteString(s)
}

func writeValue(w *bufio.Writer, v interface{}) error {
	switch val := v.(type) {
	case string:
		binary.Write(w, binary.LittleEndian, uint32(MetadataString))
		writeString(w, val)
	case uint32:
		binary.Write(w, binary.LittleEndian, uint32(MetadataUint32))
		binary.Write(w, binary.LittleEndian, val)
	case uint64:
		binary.Write(w, binary.LittleEndian, uint32(MetadataUint64))
		binary.Write(w, binary.LittleEndian, val)
	case float32:
		binary.Write(w, binary.LittleEndian, uint32(MetadataFloat32))
		binary.Write(w, binary.LittleEndian, math.Float32bits(val))
	case bool:
		binary.Write(w, binary.LittleEndian, uint32(MetadataBool))
		b := byte(0)
		if val {
			b = 1
		}
		w.WriteByte(b)
	default:
		return fmt.Errorf("unsupported metadata value type %T", v)
	}
	return nil
}
