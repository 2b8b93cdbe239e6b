// Package stt defines the boundary contract for speech-to-text capture.
//
// Transcoding internals (codecs, VAD, streaming recognition) live outside
// this module; the gateway only needs a way to turn a captured audio clip
// into the text of one utterance.
package stt

import "context"

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the recognised utterance, untrimmed and case-preserving.
	// Normalisation happens downstream.
	Text string

	// Confidence is the recogniser's overall confidence in [0.0, 1.0].
	// Zero when the backend does not report one.
	Confidence float64
}

// Transcriber converts one captured audio clip into a transcript.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
type Transcriber interface {
	// Transcribe recognises the given audio clip. The audio format is an
	// implementation contract between the capture layer and the backend.
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}
