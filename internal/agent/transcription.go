package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Transcription is the interpreted view of one recognition update.
type Transcription struct {
	Transcript string
	IsFinal    bool
	Confidence float64
}

// fillerConfidence is the minimum confidence a final transcription needs
// before the session plays a filler sound while the agent thinks.
const fillerConfidence = 0.8

// ParseTranscription decodes a raw recognition update. Updates with no
// recognition result decode to a zero Transcription.
func ParseTranscription(data []byte) (Transcription, error) {
	var raw RecognitionUpdate
	if err := json.Unmarshal(data, &raw); err != nil {
		return Transcription{}, fmt.Errorf("decoding transcription: %w", err)
	}
	if raw.RecognitionResult == nil {
		return Transcription{}, nil
	}
	return Transcription{
		Transcript: raw.RecognitionResult.Transcript,
		IsFinal:    raw.RecognitionResult.IsFinal,
		Confidence: raw.RecognitionResult.Confidence,
	}, nil
}

// WantsFiller reports whether this transcription should trigger the
// thinking sound: a confident final result ahead of the agent's reply.
func (t Transcription) WantsFiller() bool {
	return t.IsFinal && t.Confidence > fillerConfidence
}

// MatchesBarge reports whether the transcript contains the barge
// phrase, case-insensitively. An empty phrase never matches. The match
// is contains, not prefix: callers lead into the phrase ("uh, operator
// please"), so anchoring at the start would miss most barges.
func (t Transcription) MatchesBarge(phrase string) bool {
	if phrase == "" || t.Transcript == "" {
		return false
	}
	return strings.Contains(strings.ToLower(t.Transcript), strings.ToLower(phrase))
}
