// Package scalingslog records the scalings chosen at each generation step
// and exports them as Arrow records.
package scalingslog

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/23skdu/longbow-xlora/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Entry is one scalings tensor produced for a session step.
type Entry struct {
	SessionID string
	Step      int64
	Cached    bool
	// Scalings is shaped [batch, seq_len, layers, adapters].
	Scalings *device.Tensor
}

// Sink receives flushed scalings records.
type Sink interface {
	Name() string
	Export(ctx context.Context, rec arrow.Record) error
}

// Log buffers entries until Flush.
type Log struct {
	mu       sync.Mutex
	adapters int
	entries  []Entry
	sink     Sink
	mem      memory.Allocator
}

// New creates a log for scalings over the given number of adapters. sink may
// be nil, in which case Flush only drops the buffered entries.
func New(adapters int, sink Sink) (*Log, error) {
	if adapters <= 0 {
		return nil, fmt.Errorf("invalid adapters: %d (must be positive)", adapters)
	}
	return &Log{adapters: adapters, sink: sink, mem: memory.NewGoAllocator()}, nil
}

// Schema returns the Arrow schema of scalings records.
func Schema(adapters int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "session_id", Type: arrow.BinaryTypes.String},
		{Name: "step", Type: arrow.PrimitiveTypes.Int64},
		{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
		{Name: "token", Type: arrow.PrimitiveTypes.Int32},
		{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
		{Name: "cached", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "scalings", Type: arrow.FixedSizeListOf(int32(adapters), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// Record appends a copy of e.
func (l *Log) Record(e Entry) error {
	if e.Scalings == nil {
		return fmt.Errorf("no scalings for session %s step %d", e.SessionID, e.Step)
	}
	if e.Scalings.Rank() != 4 {
		return fmt.Errorf("scalings must be rank 4, got shape %v", e.Scalings.Dims())
	}
	if e.Scalings.Dim(3) != l.adapters {
		return fmt.Errorf("scalings have %d adapters, log expects %d", e.Scalings.Dim(3), l.adapters)
	}
	e.Scalings = e.Scalings.Clone()

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	metrics.RecordScalingsLogged()
	return nil
}

// Len returns the number of buffered entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Rows returns the number of record rows the buffered entries expand to.
func (l *Log) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return rowsOf(l.entries)
}

func rowsOf(entries []Entry) int {
	n := 0
	for _, e := range entries {
		n += e.Scalings.Dim(0) * e.Scalings.Dim(1) * e.Scalings.Dim(2)
	}
	return n
}

// NewRecord encodes the buffered entries. The caller releases the record.
func (l *Log) NewRecord() arrow.Record {
	l.mu.Lock()
	entries := append([]Entry(nil), l.entries...)
	l.mu.Unlock()
	return l.build(entries)
}

func (l *Log) build(entries []Entry) arrow.Record {
	b := array.NewRecordBuilder(l.mem, Schema(l.adapters))
	defer b.Release()

	sessions := b.Field(0).(*array.StringBuilder)
	steps := b.Field(1).(*array.Int64Builder)
	batches := b.Field(2).(*array.Int32Builder)
	tokens := b.Field(3).(*array.Int32Builder)
	layers := b.Field(4).(*array.Int32Builder)
	cached := b.Field(5).(*array.BooleanBuilder)
	lists := b.Field(6).(*array.FixedSizeListBuilder)
	values := lists.ValueBuilder().(*array.Float32Builder)

	rows := rowsOf(entries)
	sessions.Reserve(rows)
	steps.Reserve(rows)
	values.Reserve(rows * l.adapters)

	for _, e := range entries {
		data := e.Scalings.Float32s()
		nb, ns, nl := e.Scalings.Dim(0), e.Scalings.Dim(1), e.Scalings.Dim(2)
		for bi := 0; bi < nb; bi++ {
			for si := 0; si < ns; si++ {
				for li := 0; li < nl; li++ {
					sessions.Append(e.SessionID)
					steps.Append(e.Step)
					batches.Append(int32(bi))
					tokens.Append(int32(si))
					layers.Append(int32(li))
					cached.Append(e.Cached)
					lists.Append(true)
					off := ((bi*ns+si)*nl + li) * l.adapters
					values.AppendValues(data[off:off+l.adapters], nil)
				}
			}
		}
	}
	return b.NewRecord()
}

// WriteIPC writes the buffered entries to w as an Arrow IPC stream.
func (l *Log) WriteIPC(w io.Writer) error {
	rec := l.NewRecord()
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(l.mem))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write scalings record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close ipc writer: %w", err)
	}
	return nil
}

// Flush exports the buffered entries to the sink and clears the buffer. On
// export failure the entries are kept.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil
	}
	if l.sink != nil {
		rec := l.build(l.entries)
		defer rec.Release()
		if err := l.sink.Export(ctx, rec); err != nil {
			return fmt.Errorf("export to %s: %w", l.sink.Name(), err)
		}
		metrics.RecordScalingsExported(l.sink.Name(), rec.NumRows())
		logger.Log.Debug("Flushed scalings log", "sink", l.sink.Name(), "entries", len(l.entries), "rows", rec.NumRows())
	}
	l.entries = nil
	return nil
}
