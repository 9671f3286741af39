package attempt

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/loqalabs/loqa-listen/internal/capture"
)

// Console prompts.
const (
	PromptSpeak = "Speak Now!"
	PromptRetry = "I didn't catch that. What did you say?"
)

// State is where the retry loop stopped.
type State int

const (
	StateRetry State = iota
	StateSuccess
	StateFailure
	// StateExhausted means every attempt was unintelligible. Report prints
	// "ERROR: Unable to recognize speech" and exits 1.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateRetry:
		return "retry"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Record describes a finished attempt for observers.
type Record struct {
	Attempt int
	Result  Result
	// Audio is the length of the utterance sent for recognition.
	Audio   time.Duration
	Latency time.Duration
	At      time.Time
}

// Observer is told about every classified attempt. Observer errors are not
// fatal to the loop; implementations log them.
type Observer interface {
	AttemptFinished(ctx context.Context, rec Record)
}

// Observers fans a record out to several observers in order.
type Observers []Observer

func (o Observers) AttemptFinished(ctx context.Context, rec Record) {
	for _, obs := range o {
		if obs != nil {
			obs.AttemptFinished(ctx, rec)
		}
	}
}

type Options struct {
	MaxAttempts int
	// Out receives the prompts. Nil discards them.
	Out      io.Writer
	Observer Observer
}

// Outcome is the terminal state of Run together with the last result.
type Outcome struct {
	State    State
	Result   Result
	Attempts int
}

// Run calls Transcribe until a transcript arrives, the service is unreachable
// or MaxAttempts attempts have been made. Fatal errors end the loop
// immediately.
func Run(ctx context.Context, rec *Recognizer, mic capture.Microphone, opts Options) (Outcome, error) {
	if opts.MaxAttempts < 1 {
		return Outcome{}, &InvalidArgumentError{Arg: "max_attempts", Reason: fmt.Sprintf("must be at least 1, got %d", opts.MaxAttempts)}
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	outcome := Outcome{State: StateRetry}
	for outcome.Attempts < opts.MaxAttempts {
		outcome.Attempts++
		fmt.Fprintln(out, PromptSpeak)

		start := time.Now()
		res, audio, err := transcribe(ctx, rec, mic)
		if err != nil {
			return outcome, err
		}
		outcome.Result = res
		if opts.Observer != nil {
			opts.Observer.AttemptFinished(ctx, Record{
				Attempt: outcome.Attempts,
				Result:  res,
				Audio:   audio,
				Latency: time.Since(start),
				At:      start,
			})
		}

		switch {
		case res.HasTranscript():
			outcome.State = StateSuccess
			return outcome, nil
		case !res.Succeeded:
			outcome.State = StateFailure
			return outcome, nil
		}
		fmt.Fprintf(out, "%s\n\n", PromptRetry)
	}
	outcome.State = StateExhausted
	return outcome, nil
}

// Report prints the terminal line for outcome and returns the process exit
// code.
func Report(w io.Writer, outcome Outcome) int {
	if outcome.Result.HasError() {
		fmt.Fprintf(w, "ERROR: %s\n", outcome.Result.ErrorMessage)
		return 1
	}
	transcript := outcome.Result.Transcript
	if transcript == "" {
		transcript = "None"
	}
	fmt.Fprintf(w, "You said: %s\n", transcript)
	return 0
}
