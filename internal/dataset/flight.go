package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// DefaultFlightPort is used when the address carries no port.
const DefaultFlightPort = 3000

// FlightClient pulls token datasets from an Arrow Flight server. Each
// dataset is addressed by a path descriptor and streamed as records with
// the same "tokens" list column the file loader reads.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = DefaultFlightPort
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
	}
}

// Connect dials the Flight server.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dataset: connect %s: %w", fc.addr, err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// Fetch streams every endpoint of the named dataset into memory.
func (fc *FlightClient) Fetch(ctx context.Context, name string) (*Dataset, error) {
	if name == "" {
		return nil, &config.FieldError{Field: "flight_dataset", Reason: "empty dataset name"}
	}
	if fc.client == nil {
		return nil, fmt.Errorf("dataset: client not connected, call Connect first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{name},
	}
	info, err := fc.client.GetFlightInfo(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("dataset: flight info for %q: %w", name, err)
	}

	ds := &Dataset{}
	for _, ep := range info.Endpoint {
		if err := fc.fetchEndpoint(ctx, ep.Ticket, ds); err != nil {
			return nil, err
		}
	}
	logger.Log.Info("dataset fetched", "dataset", name, "server", fc.addr,
		"sequences", ds.Len(), "tokens", ds.Tokens())
	return ds, nil
}

func (fc *FlightClient) fetchEndpoint(ctx context.Context, ticket *flight.Ticket, ds *Dataset) error {
	stream, err := fc.client.DoGet(ctx, ticket)
	if err != nil {
		return fmt.Errorf("dataset: do-get: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("dataset: record stream: %w", err)
	}
	defer rdr.Release()

	for rdr.Next() {
		if err := appendRecord(ds, rdr.Record()); err != nil {
			return err
		}
	}
	return rdr.Err()
}
