package session

import "time"

// Kind identifies a lifecycle event emitted by a call session.
type Kind string

const (
	KindInit           Kind = "init"
	KindIntent         Kind = "intent"
	KindTranscription  Kind = "transcription"
	KindEndOfUtterance Kind = "end_of_utterance"
	KindAudio          Kind = "audio"
	KindError          Kind = "error"
	KindEnd            Kind = "end"
)

// Event is one entry in a call's lifecycle stream. Only the fields
// relevant to its Kind are populated.
type Event struct {
	CallID string    `json:"call_id"`
	Kind   Kind      `json:"kind"`
	Time   time.Time `json:"time"`

	// init
	Direction     string `json:"direction,omitempty"`
	CallingNumber string `json:"calling_number,omitempty"`
	CalledNumber  string `json:"called_number,omitempty"`
	AgentProject  string `json:"agent_project,omitempty"`

	// intent
	Intent          string `json:"intent,omitempty"`
	FulfillmentText string `json:"fulfillment_text,omitempty"`

	// transcription
	Transcript string  `json:"transcript,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Final      bool    `json:"final,omitempty"`

	// audio
	AudioFile string `json:"audio_file,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// end
	Reason string `json:"reason,omitempty"`
}

// Sink receives session lifecycle events. Implementations must be safe
// for concurrent use by multiple sessions; events for one call id
// always arrive from a single goroutine in order.
type Sink interface {
	Publish(ev Event)
}
