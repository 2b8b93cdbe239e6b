// Package mock provides a mock implementation of stt.Transcriber for testing.
package mock

import (
	"context"
	"sync"

	"github.com/aurelia-voice/aurelia/pkg/provider/stt"
)

// Transcriber is a configurable mock that records all calls.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result stt.Transcript

	// Err, when non-nil, is returned by Transcribe.
	Err error

	// Calls records the audio payloads passed to Transcribe.
	Calls [][]byte
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(_ context.Context, audio []byte) (stt.Transcript, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, audio)
	if t.Err != nil {
		return stt.Transcript{}, t.Err
	}
	return t.Result, nil
}

// Reset clears recorded calls and configured behaviour.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
	t.Result = stt.Transcript{}
	t.Err = nil
}

var _ stt.Transcriber = (*Transcriber)(nil)
