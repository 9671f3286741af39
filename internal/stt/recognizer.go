package stt

import (
	"context"

	"github.com/loqalabs/loqa-listen/internal/capture"
)

// Outcome tags a Recognition.
type Outcome int

const (
	// OutcomeRecognized means the service returned text.
	OutcomeRecognized Outcome = iota
	// OutcomeUnintelligible means the service answered but found no speech.
	OutcomeUnintelligible
	// OutcomeUnreachable means the service could not be reached or refused the request.
	OutcomeUnreachable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecognized:
		return "recognized"
	case OutcomeUnintelligible:
		return "unintelligible"
	case OutcomeUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Recognition is the result of one transcription request. Text is only set
// for OutcomeRecognized, Cause only for OutcomeUnreachable.
type Recognition struct {
	Outcome    Outcome
	Text       string
	Confidence float64
	Cause      error
}

func Recognized(text string, confidence float64) Recognition {
	return Recognition{Outcome: OutcomeRecognized, Text: text, Confidence: confidence}
}

func Unintelligible() Recognition {
	return Recognition{Outcome: OutcomeUnintelligible}
}

func Unreachable(cause error) Recognition {
	return Recognition{Outcome: OutcomeUnreachable, Cause: cause}
}

// Recognizer abstracts the remote speech-to-text service. Service failures
// are reported through the Recognition; a returned error is fatal.
type Recognizer interface {
	Recognize(ctx context.Context, audio capture.AudioData, language string) (Recognition, error)
}
