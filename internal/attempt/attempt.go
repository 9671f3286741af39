// Package attempt captures one utterance, has it transcribed and retries a
// bounded number of times when nothing intelligible was heard.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Messages carried by a Result when no transcript is available.
const (
	MsgUnavailable  = "API unavailable"
	MsgUnrecognized = "Unable to recognize speech"
)

// ErrInvalidArgument matches every InvalidArgumentError.
var ErrInvalidArgument = errors.New("invalid argument")

// InvalidArgumentError reports a missing or unusable collaborator.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("`%s` %s", e.Arg, e.Reason)
}

func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// Result is the outcome of a single attempt. Empty strings mean absent.
// Transcript is never set together with ErrorMessage, nor when Succeeded is
// false.
type Result struct {
	Succeeded    bool
	ErrorMessage string
	Transcript   string
}

func recognized(text string) Result {
	return Result{Succeeded: true, Transcript: text}
}

func unavailable() Result {
	return Result{Succeeded: false, ErrorMessage: MsgUnavailable}
}

func unrecognized() Result {
	return Result{Succeeded: true, ErrorMessage: MsgUnrecognized}
}

func (r Result) HasTranscript() bool { return r.Transcript != "" }

func (r Result) HasError() bool { return r.ErrorMessage != "" }

// Outcome maps the result back to the classification it was built from.
func (r Result) Outcome() stt.Outcome {
	switch {
	case !r.Succeeded:
		return stt.OutcomeUnreachable
	case r.HasTranscript():
		return stt.OutcomeRecognized
	default:
		return stt.OutcomeUnintelligible
	}
}

// Recognizer bundles what is needed to turn microphone audio into text. The
// Listener keeps its calibrated threshold between attempts.
type Recognizer struct {
	Listener *capture.Listener
	Engine   stt.Recognizer
	Language string
	// Calibration is how much ambient audio is sampled before listening.
	Calibration time.Duration
}

func (r *Recognizer) validate() error {
	switch {
	case r == nil:
		return &InvalidArgumentError{Arg: "recognizer", Reason: "must not be nil"}
	case r.Listener == nil:
		return &InvalidArgumentError{Arg: "recognizer", Reason: "must have a listener"}
	case r.Engine == nil:
		return &InvalidArgumentError{Arg: "recognizer", Reason: "must have a recognition engine"}
	case r.Language == "":
		return &InvalidArgumentError{Arg: "recognizer", Reason: "must have a language"}
	}
	return nil
}

// Transcribe calibrates against ambient noise, records one utterance from
// mic and classifies the service's answer. Errors other than an unreachable
// service or unintelligible speech are returned and are fatal.
func Transcribe(ctx context.Context, rec *Recognizer, mic capture.Microphone) (Result, error) {
	res, _, err := transcribe(ctx, rec, mic)
	return res, err
}

// transcribe also reports how much audio was sent for recognition.
func transcribe(ctx context.Context, rec *Recognizer, mic capture.Microphone) (Result, time.Duration, error) {
	if err := rec.validate(); err != nil {
		return Result{}, 0, err
	}
	if mic == nil {
		return Result{}, 0, &InvalidArgumentError{Arg: "microphone", Reason: "must not be nil"}
	}

	ctx, span := tracer().Start(ctx, "attempt")
	defer span.End()

	audio, err := record(ctx, rec, mic)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return Result{}, 0, err
	}

	rctx, rspan := tracer().Start(ctx, "attempt.recognize")
	start := time.Now()
	recognition, err := rec.Engine.Recognize(rctx, audio, rec.Language)
	instruments().recognizeSeconds.Record(ctx, time.Since(start).Seconds())
	rspan.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recognition failed")
		return Result{}, 0, fmt.Errorf("recognize: %w", err)
	}

	var res Result
	switch recognition.Outcome {
	case stt.OutcomeRecognized:
		if recognition.Text == "" {
			res = unrecognized()
		} else {
			res = recognized(recognition.Text)
		}
	case stt.OutcomeUnreachable:
		res = unavailable()
	case stt.OutcomeUnintelligible:
		res = unrecognized()
	default:
		return Result{}, 0, fmt.Errorf("recognize: unknown outcome %d", recognition.Outcome)
	}
	span.SetAttributes(attribute.String("outcome", recognition.Outcome.String()))
	instruments().attempts.Add(ctx, 1, withOutcome(recognition.Outcome))
	return res, audio.Duration(), nil
}

// record holds the microphone only for calibration and capture.
func record(ctx context.Context, rec *Recognizer, mic capture.Microphone) (capture.AudioData, error) {
	ctx, span := tracer().Start(ctx, "attempt.capture")
	defer span.End()

	stream, err := mic.Open(ctx)
	if err != nil {
		return capture.AudioData{}, fmt.Errorf("open microphone: %w", err)
	}
	defer stream.Close()

	if rec.Calibration > 0 {
		if err := rec.Listener.AdjustForAmbientNoise(ctx, stream, rec.Calibration); err != nil {
			return capture.AudioData{}, err
		}
	}
	audio, err := rec.Listener.Listen(ctx, stream)
	if err != nil {
		return capture.AudioData{}, err
	}
	span.SetAttributes(
		attribute.Float64("energy_threshold", rec.Listener.EnergyThreshold()),
		attribute.Int64("audio_ms", audio.Duration().Milliseconds()),
	)
	return audio, nil
}
