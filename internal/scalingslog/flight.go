package scalingslog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DescriptorPath is the Flight path scalings records are uploaded under.
var DescriptorPath = []string{"xlora", "scalings"}

// FlightSink uploads scalings records with Arrow Flight DoPut.
type FlightSink struct {
	addr   string
	client flight.Client
}

// NewFlightSink connects to a Flight server at addr (host:port).
func NewFlightSink(addr string) (*FlightSink, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &FlightSink{addr: addr, client: client}, nil
}

func (s *FlightSink) Name() string { return "flight" }

// Export sends rec as a single DoPut stream and waits for the server to
// finish reading it.
func (s *FlightSink) Export(ctx context.Context, rec arrow.Record) error {
	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: DescriptorPath})
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	logger.Log.Debug("Exported scalings", "addr", s.addr, "rows", rec.NumRows())
	return nil
}

// Close disconnects from the Flight server.
func (s *FlightSink) Close() error {
	return s.client.Close()
}

// MemorySink keeps exported records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []arrow.Record
	err     error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Name() string { return "memory" }

// FailWith makes subsequent exports return err. A nil err clears it.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemorySink) Export(_ context.Context, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	rec.Retain()
	m.records = append(m.records, rec)
	return nil
}

// Records returns the exported records. They stay owned by the sink.
func (m *MemorySink) Records() []arrow.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]arrow.Record(nil), m.records...)
}

// Rows returns the total number of exported rows.
func (m *MemorySink) Rows() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		n += r.NumRows()
	}
	return n
}

// Release drops every retained record.
func (m *MemorySink) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		r.Release()
	}
	m.records = nil
}
