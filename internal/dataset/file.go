package dataset

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// TokenColumn is the list column the loader reads token ids from.
const TokenColumn = "tokens"

// LoadFile reads an Arrow IPC file whose "tokens" column is a list of token
// ids, one list entry per training sequence.
func LoadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rdr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer rdr.Close()

	ds := &Dataset{}
	for {
		rec, err := rdr.Read()
		if err != nil {
			break
		}
		if err := appendRecord(ds, rec); err != nil {
			return nil, err
		}
	}

	logger.Log.Info("dataset loaded", "path", path, "sequences", ds.Len(), "tokens", ds.Tokens())
	return ds, nil
}

func appendRecord(ds *Dataset, rec arrow.Record) error {
	idx := rec.Schema().FieldIndices(TokenColumn)
	if len(idx) == 0 {
		return &config.FieldError{Field: "dataset", Reason: fmt.Sprintf("no %q column in record schema", TokenColumn)}
	}
	col, ok := rec.Column(idx[0]).(*array.List)
	if !ok {
		return &config.FieldError{Field: "dataset", Reason: fmt.Sprintf("%q column is %s, want list", TokenColumn, rec.Column(idx[0]).DataType())}
	}

	offsets := col.Offsets()
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		start, end := int(offsets[i]), int(offsets[i+1])
		seq, err := tokenRange(col.ListValues(), start, end)
		if err != nil {
			return err
		}
		ds.Sequences = append(ds.Sequences, seq)
	}
	return nil
}

func tokenRange(values arrow.Array, start, end int) ([]int, error) {
	seq := make([]int, 0, end-start)
	switch vs := values.(type) {
	case *array.Uint32:
		for j := start; j < end; j++ {
			seq = append(seq, int(vs.Value(j)))
		}
	case *array.Int32:
		for j := start; j < end; j++ {
			seq = append(seq, int(vs.Value(j)))
		}
	case *array.Int64:
		for j := start; j < end; j++ {
			seq = append(seq, int(vs.Value(j)))
		}
	default:
		return nil, &config.FieldError{Field: "dataset", Reason: fmt.Sprintf("unsupported token value type %s", values.DataType())}
	}
	return seq, nil
}
