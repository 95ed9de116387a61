package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
)

// ReplayOptions filters which dead letters are replayed.
type ReplayOptions struct {
	// Source limits the replay to records that failed on this stream.
	Source string
	// TaskID limits the replay to one task.
	TaskID string
	// DryRun lists matching records without moving them.
	DryRun bool
}

// ReplayResult counts what a replay did.
type ReplayResult struct {
	Replayed int
	Skipped  int
}

// Replay drains the dead-letter stream without blocking. Each matching record
// is stripped of its dead-letter annotations, appended back onto its source
// stream and removed from the dead-letter stream. Records that do not match
// stay where they are.
func Replay(ctx context.Context, broker Broker, deadLetters string, opts ReplayOptions) (ReplayResult, error) {
	log := logger.WithComponent("replay").With("stream", deadLetters)
	var res ReplayResult
	last := "0"
	for {
		rec, err := broker.ReadNext(ctx, deadLetters, last, -1)
		if err != nil {
			return res, fmt.Errorf("reading dead letters: %w", err)
		}
		if rec == nil {
			return res, nil
		}
		last = rec.ID

		source := rec.Fields[FieldSourceStream]
		if !matches(rec, opts) || source == "" {
			res.Skipped++
			continue
		}
		if opts.DryRun {
			log.Info("would replay", "record_id", rec.ID, "source", source,
				"task_id", rec.Fields["task_id"], "error", rec.Fields[FieldError])
			res.Replayed++
			continue
		}
		if err := replayOne(ctx, broker, deadLetters, rec, log); err != nil {
			return res, err
		}
		res.Replayed++
	}
}

func replayOne(ctx context.Context, broker Broker, deadLetters string, rec *Record, log *slog.Logger) error {
	source := rec.Fields[FieldSourceStream]
	fields := make(map[string]string, len(rec.Fields))
	for k, v := range rec.Fields {
		switch k {
		case FieldSourceStream, FieldSourceID, FieldError, FieldFailedAt:
		default:
			fields[k] = v
		}
	}
	id, err := broker.Append(ctx, source, fields)
	if err != nil {
		return fmt.Errorf("replaying %s onto %s: %w", rec.ID, source, err)
	}
	if err := broker.Ack(ctx, deadLetters, rec.ID); err != nil {
		return fmt.Errorf("removing replayed dead letter %s: %w", rec.ID, err)
	}
	log.Info("dead letter replayed", "record_id", rec.ID, "source", source, "new_id", id, "task_id", fields["task_id"])
	return nil
}

func matches(rec *Record, opts ReplayOptions) bool {
	if opts.Source != "" && rec.Fields[FieldSourceStream] != opts.Source {
		return false
	}
	if opts.TaskID != "" && rec.Fields["task_id"] != opts.TaskID {
		return false
	}
	return true
}
