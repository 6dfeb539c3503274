package tracking

import (
	"context"
	"fmt"
)

// BatchResult is the per-event outcome of a batch.
type BatchResult struct {
	Result *Result
	Err    error
}

// TrackBatch processes events in order. Each event succeeds or fails on its
// own; only an invalid batch as a whole returns an error.
func (s *Service) TrackBatch(ctx context.Context, req *BatchRequest, meta RequestMeta) ([]BatchResult, error) {
	if len(req.Events) == 0 {
		return nil, fmt.Errorf("%w: events must not be empty", ErrValidation)
	}
	if len(req.Events) > MaxBatchSize {
		return nil, fmt.Errorf("%w: at most %d events per batch", ErrValidation, MaxBatchSize)
	}
	if s.metrics != nil {
		s.metrics.RecordBatch(len(req.Events))
	}

	out := make([]BatchResult, len(req.Events))
	for i := range req.Events {
		res, err := s.Track(ctx, &req.Events[i], meta)
		out[i] = BatchResult{Result: res, Err: err}
	}
	return out, nil
}
