// Flush paths, expiry sweeps, and exporter shutdown
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andrewh/spanvault/pkg/buffer"
	"github.com/andrewh/spanvault/pkg/deadletter"
	"github.com/andrewh/spanvault/pkg/offload"
)

// flush encodes and uploads an entry already removed from the buffer.
func (e *Exporter) flush(ctx context.Context, entry *buffer.Entry, trigger Trigger) error {
	e.stats.flushed(trigger)
	payload, encoded := e.encoder.Encode(entry.Spans)
	info := FlushInfo{
		TraceID: entry.TraceID,
		Trigger: trigger,
		HasRoot: entry.HasRoot,
		Spans:   len(entry.Spans),
		Encoded: encoded,
		Bytes:   len(payload),
	}
	if len(payload) == 0 {
		e.logger.Warn("no span in trace could be encoded, skipping upload",
			zap.Stringer("trace_id", entry.TraceID),
			zap.String("trigger", string(trigger)),
			zap.Int("spans", len(entry.Spans)),
		)
		e.observe(info)
		return nil
	}

	start := time.Now()
	res, err := e.uploader.Upload(ctx, payload, entry.TraceID)
	info.Key = res.Key
	info.Attempts = res.Attempts
	info.Duration = time.Since(start)
	info.Err = err

	if err != nil {
		e.stats.uploadsFailed.Add(1)
		e.handleFailure(ctx, info, payload)
	} else {
		e.stats.uploadsOK.Add(1)
		e.logger.Debug("uploaded trace",
			zap.Stringer("trace_id", entry.TraceID),
			zap.String("key", res.Key),
			zap.String("trigger", string(trigger)),
			zap.Int("spans", encoded),
			zap.Int("attempt", res.Attempts),
		)
	}
	e.observe(info)
	return err
}

func (e *Exporter) handleFailure(ctx context.Context, info FlushInfo, payload []byte) {
	fields := []zap.Field{
		zap.Stringer("trace_id", info.TraceID),
		zap.String("key", info.Key),
		zap.String("trigger", string(info.Trigger)),
		zap.Int("attempt", info.Attempts),
		zap.Error(info.Err),
	}
	if e.deadLetters == nil {
		e.logger.Error("dropping trace after failed upload", fields...)
		return
	}

	// The flush ctx may be the one that just expired.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()
	id, err := e.deadLetters.Record(dctx, deadletter.Letter{
		TraceID:  info.TraceID,
		Key:      info.Key,
		Trigger:  string(info.Trigger),
		Payload:  payload,
		Error:    info.Err.Error(),
		Attempts: info.Attempts,
	})
	if err != nil {
		e.logger.Error("dropping trace after failed upload, dead letter not written",
			append(fields, zap.NamedError("dead_letter_error", err))...)
		return
	}
	e.stats.deadLettered.Add(1)
	e.logger.Warn("dead-lettered trace after failed upload", append(fields, zap.Stringer("dead_letter_id", id))...)
}

func (e *Exporter) observe(info FlushInfo) {
	for _, o := range e.observers {
		o.ObserveFlush(info)
	}
}

func (e *Exporter) rootTask(entry *buffer.Entry) offload.Task {
	return offload.Task{
		TraceID: entry.TraceID,
		Run: func(ctx context.Context) error {
			return e.flush(ctx, entry, TriggerRoot)
		},
	}
}

// sweep flushes every trace older than the timeout, inline.
func (e *Exporter) sweep(ctx context.Context) {
	for _, entry := range e.buf.TakeExpired(e.timeout) {
		e.flush(ctx, entry, TriggerExpiry) //nolint:errcheck // reported through logs and observers
	}
}

func (e *Exporter) runSweeper(ctx context.Context, interval time.Duration) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// ForceFlush uploads every buffered trace regardless of completeness. It
// stops early when ctx ends; traces not yet taken stay buffered. Uploads
// already handed to the background queue are not waited for.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, id := range e.buf.IDs() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		// A root or expiry flush may have taken it since the snapshot.
		entry, ok := e.buf.Take(id)
		if !ok {
			continue
		}
		if err := e.flush(ctx, entry, TriggerFlush); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops the sweeper, flushes the buffer, and drains the offload
// queue within the drain timeout. If ctx ends while an expiry sweep is
// uploading, that upload is cancelled and Shutdown moves on. Only the first
// call does any work; later calls return nil.
func (e *Exporter) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		err = e.shutdown(ctx)
	})
	return err
}

func (e *Exporter) shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if e.sweepStop != nil {
		close(e.sweepStop)
		select {
		case <-e.sweepDone:
		case <-ctx.Done():
			// An expiry upload is still in flight; abort it rather than wait.
			errs = append(errs, fmt.Errorf("waiting for expiry sweep: %w", ctx.Err()))
		}
		e.sweepCancel()
	}

	if err := e.ForceFlush(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.queue != nil {
		dctx, cancel := context.WithTimeout(ctx, e.drainTimeout)
		err := e.queue.Stop(dctx)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		e.logger.Warn("exporter shut down with errors", zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}
