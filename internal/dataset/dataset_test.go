package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/config"
)

func TestSplit(t *testing.T) {
	ds := &Dataset{}
	for i := 0; i < 100; i++ {
		ds.Sequences = append(ds.Sequences, []int{i})
	}

	train, eval, err := ds.Split(0.1)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if train.Len() != 90 || eval.Len() != 10 {
		t.Errorf("split sizes: %d/%d, want 90/10", train.Len(), eval.Len())
	}

	if _, _, err := ds.Split(1.5); err == nil {
		t.Error("expected error for out-of-range fraction")
	}
}

func TestBatcherCoversEverySequenceOnce(t *testing.T) {
	ds := &Dataset{}
	for i := 0; i < 10; i++ {
		ds.Sequences = append(ds.Sequences, []int{i})
	}

	b := NewBatcher(ds, 3, 1)
	b.Shuffle(0)

	seen := map[int]int{}
	var batches int
	for {
		batch, ok := b.Next()
		if !ok {
			break
		}
		batches++
		for _, seq := range batch {
			seen[seq[0]]++
		}
	}
	if batches != b.Steps() {
		t.Errorf("batches: got %d, Steps says %d", batches, b.Steps())
	}
	if len(seen) != 10 {
		t.Fatalf("saw %d distinct sequences, want 10", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("sequence %d visited %d times", id, n)
		}
	}
}

func TestBatcherShuffleDeterministic(t *testing.T) {
	ds := &Dataset{}
	for i := 0; i < 20; i++ {
		ds.Sequences = append(ds.Sequences, []int{i})
	}

	order := func(seed int64, epoch int) []int {
		b := NewBatcher(ds, 1, seed)
		b.Shuffle(epoch)
		var out []int
		for {
			batch, ok := b.Next()
			if !ok {
				return out
			}
			out = append(out, batch[0][0])
		}
	}

	a, b := order(5, 0), order(5, 0)
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same seed and epoch must give the same order")
		}
	}

	c := order(5, 1)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different epochs should reshuffle")
	}
}

func writeArrowFile(t *testing.T, path string, seqs [][]int) {
	t.Helper()
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint32)},
	}, nil)

	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()
	lb := rb.Field(0).(*array.ListBuilder)
	vb := lb.ValueBuilder().(*array.Uint32Builder)
	for _, seq := range seqs {
		lb.Append(true)
		for _, v := range seq {
			vb.Append(uint32(v))
		}
	}
	rec := rb.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		t.Fatalf("ipc writer: %v", err)
	}
	if err := w.Write(rec); err != nil {
		t.Fatalf("write record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
}

func TestLoadFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.arrow")
	seqs := [][]int{{1, 2, 3}, {4, 5}, {6, 7, 8, 9}}
	writeArrowFile(t, path, seqs)

	ds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ds.Len() != 3 {
		t.Fatalf("sequences: got %d, want 3", ds.Len())
	}
	if ds.Tokens() != 9 {
		t.Errorf("tokens: got %d, want 9", ds.Tokens())
	}
	for i, want := range seqs {
		got := ds.Sequences[i]
		if len(got) != len(want) {
			t.Fatalf("sequence %d length: %d vs %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("sequence %d token %d: got %d want %d", i, j, got[j], want[j])
			}
		}
	}
}

func TestLoadFileWrongColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.arrow")
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "text", Type: arrow.BinaryTypes.String},
	}, nil)
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()
	rb.Field(0).(*array.StringBuilder).Append("hello")
	rec := rb.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(rec); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for a file without a tokens column")
	}
}

func TestFlightFetchRejectsEmptyName(t *testing.T) {
	fc := NewFlightClient("localhost", 0)
	_, err := fc.Fetch(context.Background(), "")
	var fe *config.FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FieldError for empty dataset name, got %v", err)
	}
	if fe.Field != "flight_dataset" {
		t.Errorf("field: got %q, want flight_dataset", fe.Field)
	}
}

// Rewinding restarts iteration in the exact same order, without reshuffling.
func TestBatcherRewind(t *testing.T) {
	ds := &Dataset{Sequences: [][]int{{1}, {2}, {3}, {4}, {5}}}
	b := NewBatcher(ds, 2, 9)
	b.Shuffle(0)

	var first [][]int
	for {
		batch, ok := b.Next()
		if !ok {
			break
		}
		first = append(first, batch...)
	}
	b.Rewind()
	var second [][]int
	for {
		batch, ok := b.Next()
		if !ok {
			break
		}
		second = append(second, batch...)
	}
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i][0] != second[i][0] {
			t.Fatalf("order differs at %d: %v vs %v", i, first[i], second[i])
		}
	}
}
