package journal

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/attempt"
)

// Recorder writes every finished attempt of one run into the store.
type Recorder struct {
	store *Store
	runID string
	log   *slog.Logger
}

func NewRecorder(store *Store, runID string, log *slog.Logger) *Recorder {
	return &Recorder{store: store, runID: runID, log: log}
}

func (r *Recorder) AttemptFinished(ctx context.Context, rec attempt.Record) {
	err := r.store.AppendAttempt(ctx, Attempt{
		RunID:        r.runID,
		Number:       rec.Attempt,
		Outcome:      rec.Result.Outcome().String(),
		Succeeded:    rec.Result.Succeeded,
		ErrorMessage: rec.Result.ErrorMessage,
		AudioMS:      rec.Audio.Milliseconds(),
		LatencyMS:    rec.Latency.Milliseconds(),
		CreatedAt:    rec.At,
	})
	if err != nil {
		r.log.Warn("journal append attempt failed",
			slog.String("run_id", r.runID),
			slog.Int("attempt", rec.Attempt),
			slog.String("error", err.Error()))
	}
}
