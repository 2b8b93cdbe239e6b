// Package turn implements the conversational turn state machine.
//
// The machine is a pure function over values: Apply takes the current
// machine and one event and returns the next machine plus the effects the
// caller must execute. It performs no I/O, holds no locks and never blocks,
// so every transition is trivially testable and the session layer can run
// it under its own serialisation.
package turn

// State is the phase of a conversational turn.
type State int

const (
	// StateIdle means no conversation is active.
	StateIdle State = iota

	// StateGreeting means the greeting line is being spoken.
	StateGreeting

	// StateListening means the session is waiting for a user utterance.
	StateListening

	// StateThinking means an answer for the current generation is being
	// resolved.
	StateThinking

	// StateSpeaking means an answer is being played back.
	StateSpeaking
)

// String returns the state name in upper snake case.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateGreeting:
		return "GREETING"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies what happened to the session.
type EventType int

const (
	// EventWake is the wake signal that opens a conversation.
	EventWake EventType = iota

	// EventGreetingDone means the greeting playback finished.
	EventGreetingDone

	// EventVoiceIn carries a captured user utterance.
	EventVoiceIn

	// EventTimeout means the listening idle timer fired.
	EventTimeout

	// EventAnswerReady means an answer for some generation is available.
	EventAnswerReady

	// EventSpeechEnd means answer playback finished.
	EventSpeechEnd

	// EventBargeIn means the user started speaking over playback.
	EventBargeIn
)

// String returns the event name in upper snake case.
func (e EventType) String() string {
	switch e {
	case EventWake:
		return "WAKE"
	case EventGreetingDone:
		return "GREETING_DONE"
	case EventVoiceIn:
		return "VOICE_IN"
	case EventTimeout:
		return "TIMEOUT"
	case EventAnswerReady:
		return "ANSWER_READY"
	case EventSpeechEnd:
		return "SPEECH_END"
	case EventBargeIn:
		return "BARGE_IN"
	default:
		return "UNKNOWN"
	}
}

// Event is one input to the machine. Generation is only meaningful for
// EventAnswerReady, where it tags which utterance the answer belongs to.
type Event struct {
	Type       EventType
	Generation uint64
}

// Effect is an action the caller must execute after a transition.
type Effect int

const (
	// EffectGreet starts greeting playback.
	EffectGreet Effect = iota

	// EffectBeginResolve starts answer resolution for the machine's new
	// generation.
	EffectBeginResolve

	// EffectSpeak starts playback of the ready answer.
	EffectSpeak

	// EffectCancelSpeech cancels in-flight playback, best effort.
	EffectCancelSpeech
)

// Machine is the complete turn state. It is a value; Apply returns a new
// Machine and never mutates the receiver.
type Machine struct {
	// State is the current phase.
	State State

	// Generation counts accepted utterances. It increases on every accepted
	// VOICE_IN and on every BARGE_IN, and an answer is only deliverable
	// while its generation is current.
	Generation uint64

	// Greeted latches true after the first WAKE and never resets for the
	// lifetime of the session.
	Greeted bool
}

// Apply feeds one event to the machine. Events that are not valid in the
// current state are ignored: the same machine comes back with no effects.
func (m Machine) Apply(ev Event) (Machine, []Effect) {
	switch m.State {
	case StateIdle:
		if ev.Type == EventWake {
			m.State = StateGreeting
			m.Greeted = true
			return m, []Effect{EffectGreet}
		}

	case StateGreeting:
		if ev.Type == EventGreetingDone {
			m.State = StateListening
			return m, nil
		}

	case StateListening:
		switch ev.Type {
		case EventVoiceIn:
			m.State = StateThinking
			m.Generation++
			return m, []Effect{EffectBeginResolve}
		case EventTimeout:
			m.State = StateIdle
			return m, nil
		}

	case StateThinking:
		if ev.Type == EventAnswerReady && ev.Generation == m.Generation {
			m.State = StateSpeaking
			return m, []Effect{EffectSpeak}
		}

	case StateSpeaking:
		switch ev.Type {
		case EventSpeechEnd:
			m.State = StateListening
			return m, nil
		case EventBargeIn:
			m.State = StateListening
			m.Generation++
			return m, []Effect{EffectCancelSpeech}
		}
	}

	return m, nil
}
