package stt

import (
	"errors"
	"fmt"
)

// ErrEmptyAudio is returned when there is nothing to transcribe.
var ErrEmptyAudio = errors.New("audio data is empty")

// RequestError describes why a recognition request did not complete.
type RequestError struct {
	// Status is the HTTP status, zero when no response was received.
	Status  int
	Message string
	Cause   error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("recognition request failed [%d]: %s", e.Status, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("recognition connection failed: %s", e.Cause)
	}
	return "recognition request failed: " + e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}
