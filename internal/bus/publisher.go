package bus

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/attempt"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

// Publisher announces finished attempts of one run on the bus.
type Publisher struct {
	client      *Client
	runID       string
	language    string
	maxAttempts int
}

func NewPublisher(client *Client, runID, language string, maxAttempts int) *Publisher {
	return &Publisher{client: client, runID: runID, language: language, maxAttempts: maxAttempts}
}

func (p *Publisher) AttemptFinished(ctx context.Context, rec attempt.Record) {
	status := protocol.AttemptStatus{
		RunID:        p.runID,
		Attempt:      rec.Attempt,
		MaxAttempts:  p.maxAttempts,
		Outcome:      rec.Result.Outcome().String(),
		Succeeded:    rec.Result.Succeeded,
		ErrorMessage: rec.Result.ErrorMessage,
		AudioMS:      rec.Audio.Milliseconds(),
		LatencyMS:    rec.Latency.Milliseconds(),
		Timestamp:    rec.At.UTC(),
	}
	if err := p.client.PublishJSON(protocol.SubjectAttemptStatus, status); err != nil {
		p.client.Logger().Warn("failed to publish attempt status", slog.String("error", err.Error()))
	}

	if !rec.Result.HasTranscript() {
		return
	}
	transcript := protocol.Transcript{
		RunID:     p.runID,
		Attempt:   rec.Attempt,
		Text:      rec.Result.Transcript,
		Language:  p.language,
		Timestamp: rec.At.UTC(),
	}
	if err := p.client.PublishJSON(protocol.SubjectTranscriptFinal, transcript); err != nil {
		p.client.Logger().Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}
