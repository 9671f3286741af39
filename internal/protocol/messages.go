package protocol

import "time"

// Transcript is a recognized utterance broadcast on the bus.
type Transcript struct {
	RunID     string    `json:"run_id"`
	Attempt   int       `json:"attempt"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Timestamp time.Time `json:"timestamp"`
}

// AttemptStatus reports how one transcription attempt ended. It never carries
// transcript text.
type AttemptStatus struct {
	RunID        string    `json:"run_id"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	Outcome      string    `json:"outcome"`
	Succeeded    bool      `json:"succeeded"`
	ErrorMessage string    `json:"error_message,omitempty"`
	AudioMS      int64     `json:"audio_ms"`
	LatencyMS    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectAttemptStatus   = "stt.attempt"
	SubjectTranscriptFinal = "stt.text.final"
)
