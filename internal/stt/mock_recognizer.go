package stt

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/capture"
)

// ScriptStep is one canned answer of a ScriptedRecognizer. A non-nil Err is
// returned as a fatal error.
type ScriptStep struct {
	Recognition Recognition
	Err         error
}

// ScriptedRecognizer replays a fixed sequence of answers.
type ScriptedRecognizer struct {
	mu        sync.Mutex
	steps     []ScriptStep
	calls     int
	languages []string
}

func NewScriptedRecognizer(steps ...ScriptStep) *ScriptedRecognizer {
	return &ScriptedRecognizer{steps: steps}
}

func (s *ScriptedRecognizer) Recognize(ctx context.Context, audio capture.AudioData, language string) (Recognition, error) {
	if err := ctx.Err(); err != nil {
		return Recognition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages = append(s.languages, language)
	if s.calls >= len(s.steps) {
		s.calls++
		return Recognition{}, errors.New("scripted recognizer exhausted")
	}
	step := s.steps[s.calls]
	s.calls++
	return step.Recognition, step.Err
}

func (s *ScriptedRecognizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *ScriptedRecognizer) Languages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.languages...)
}
