// Package mock provides a mock implementation of tts.Speaker for testing.
package mock

import (
	"context"
	"sync"

	"github.com/aurelia-voice/aurelia/pkg/provider/tts"
)

// SpeakCall records one Speak invocation.
type SpeakCall struct {
	SessionID string
	Text      string
}

// Speaker is a configurable mock that records all calls.
type Speaker struct {
	mu sync.Mutex

	// SpeakErr, when non-nil, is returned by Speak.
	SpeakErr error

	// CancelErr, when non-nil, is returned by Cancel.
	CancelErr error

	// SpeakCalls records every Speak invocation in order.
	SpeakCalls []SpeakCall

	// CancelCalls records the session IDs passed to Cancel.
	CancelCalls []string
}

// Speak implements tts.Speaker.
func (s *Speaker) Speak(_ context.Context, sessionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = append(s.SpeakCalls, SpeakCall{SessionID: sessionID, Text: text})
	return s.SpeakErr
}

// Cancel implements tts.Speaker.
func (s *Speaker) Cancel(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls = append(s.CancelCalls, sessionID)
	return s.CancelErr
}

// Spoken returns a copy of the recorded Speak calls.
func (s *Speaker) Spoken() []SpeakCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpeakCall, len(s.SpeakCalls))
	copy(out, s.SpeakCalls)
	return out
}

// Cancelled returns a copy of the recorded Cancel calls.
func (s *Speaker) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.CancelCalls))
	copy(out, s.CancelCalls)
	return out
}

// Reset clears recorded calls and configured errors.
func (s *Speaker) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = nil
	s.CancelCalls = nil
	s.SpeakErr = nil
	s.CancelErr = nil
}

var _ tts.Speaker = (*Speaker)(nil)
