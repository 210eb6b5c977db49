package ingestion

import (
	"context"
	"fmt"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/observability"
)

// DirectIngest applies commands synchronously for the gRPC surface.
// NATS stays the high-throughput path; gRPC callers get the result inline.
type DirectIngest struct {
	core    Applier
	metrics *observability.Metrics
}

func NewDirectIngest(c Applier, metrics *observability.Metrics) *DirectIngest {
	return &DirectIngest{core: c, metrics: metrics}
}

// Submit applies one command and returns the core's result.
func (s *DirectIngest) Submit(ctx context.Context, cmd command.Command) (*core.Result, error) {
	if cmd == nil {
		if s.metrics != nil {
			s.metrics.IngestInvalid.WithLabelValues("grpc").Inc()
		}
		return nil, fmt.Errorf("%w: nil command", core.ErrInvalidCommand)
	}
	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues("grpc", cmd.CommandType().String()).Inc()
	}
	return s.core.Apply(ctx, cmd)
}
