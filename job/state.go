package job

import "time"

// State represents the lifecycle stage of a report job.
// For valid values see constants below.
type State string

// The available job states. A job moves through the active states in
// pipeline order and ends up in exactly one of the terminal states.
const (
	StatePending    State = "pending"
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateRendering  State = "rendering"
	StateUploading  State = "uploading"

	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateDownloaded State = "downloaded"
)

// Class is the polling classification of a State. Every known state
// belongs to exactly one class; this is enforced by the single switch
// in Class() so that adding a state without classifying it is
// impossible to miss.
type Class int

const (
	// ClassUnknown is returned for states outside the known vocabulary.
	// Pollers treat it as an error rather than stopping silently.
	ClassUnknown Class = iota

	// ClassActive states are expected to transition further and are
	// worth polling.
	ClassActive

	// ClassTerminal states admit no further transitions.
	ClassTerminal
)

// Class classifies s. This is the single source of truth for the
// active/terminal split.
func (s State) Class() Class {
	switch s {
	case StatePending, StateQueued, StateProcessing, StateRendering, StateUploading:
		return ClassActive
	case StateReady, StateFailed, StateCancelled, StateDownloaded:
		return ClassTerminal
	}
	return ClassUnknown
}

// ShouldPoll reports whether a job in state s is worth polling again.
func (s State) ShouldPoll() bool {
	return s.Class() == ClassActive
}

// IsTerminal reports whether s admits no further transitions.
func (s State) IsTerminal() bool {
	return s.Class() == ClassTerminal
}

// PollInterval returns the polling interval appropriate for s.
//
// Later pipeline stages are shorter-lived, so they get tighter
// intervals to minimize the perceived latency at completion.
func (s State) PollInterval() time.Duration {
	switch s {
	case StatePending, StateQueued:
		return 3 * time.Second
	case StateProcessing, StateRendering:
		return 2 * time.Second
	case StateUploading:
		return time.Second
	}
	return 2 * time.Second
}

// MarshalBinary is used by the redis driver to marshal the custom type State.
func (s State) MarshalBinary() (data []byte, err error) {
	return []byte(string(s)), nil
}
