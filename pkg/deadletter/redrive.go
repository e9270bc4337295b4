// Redelivery of dead-lettered payloads through an uploader
package deadletter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/andrewh/spanvault/pkg/upload"
)

// RedriveResult summarises a redrive pass.
type RedriveResult struct {
	Delivered int
	Failed    int
}

// Redrive uploads up to limit letters under their original keys, deleting
// each one that is delivered. Letters that fail again stay in the store.
func (s *Store) Redrive(ctx context.Context, up *upload.Uploader, limit int, logger *zap.Logger) (RedriveResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	letters, err := s.List(ctx, limit)
	if err != nil {
		return RedriveResult{}, err
	}

	var res RedriveResult
	for _, l := range letters {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := up.UploadAs(ctx, l.Key, l.Payload, l.TraceID); err != nil {
			res.Failed++
			logger.Warn("redrive failed, keeping dead letter",
				zap.Stringer("id", l.ID),
				zap.Stringer("trace_id", l.TraceID),
				zap.Error(err),
			)
			continue
		}
		if err := s.Delete(ctx, l.ID); err != nil {
			return res, fmt.Errorf("delivered %s but could not delete it: %w", l.ID, err)
		}
		res.Delivered++
		logger.Info("redelivered trace", zap.Stringer("trace_id", l.TraceID), zap.String("key", l.Key))
	}
	return res, nil
}
