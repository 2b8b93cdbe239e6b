// Package tts defines the boundary contract for speech synthesis playback.
//
// Synthesis and playback internals are external to this module. The session
// layer only needs to start speaking a finished text, to cancel playback on
// barge-in, and to be told (through its own entry points) when playback ends.
package tts

import "context"

// Speaker starts and cancels synthesis playback for a session.
//
// Implementations must be safe for concurrent use. Speak returns once
// playback has been accepted, not once it has finished; playback completion
// is reported back through the session's speech-end entry point.
type Speaker interface {
	// Speak begins synthesising and playing text for the given session.
	Speak(ctx context.Context, sessionID, text string) error

	// Cancel stops any in-flight playback for the given session.
	// Cancelling a session with no active playback is not an error.
	Cancel(ctx context.Context, sessionID string) error
}
