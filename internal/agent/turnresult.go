package agent

// TurnResult is the raw outcome of one request/response cycle with the
// conversational agent, as delivered by the media server's agent module.
// An empty ResponseID means no intent matched this turn.
type TurnResult struct {
	ResponseID  string      `json:"response_id"`
	QueryResult QueryResult `json:"query_result"`
}

// QueryResult carries the matched intent, fulfillment content and any
// active output contexts for one turn.
type QueryResult struct {
	FulfillmentText     string               `json:"fulfillment_text"`
	FulfillmentMessages []FulfillmentMessage `json:"fulfillment_messages"`
	OutputContexts      []OutputContext      `json:"output_contexts"`
	Intent              IntentInfo           `json:"intent"`
}

// IntentInfo identifies the matched intent.
type IntentInfo struct {
	DisplayName    string `json:"display_name"`
	EndInteraction bool   `json:"end_interaction"`
}

// FulfillmentMessage is one fulfillment entry. Telephony directives arrive
// either as a platform-native transfer instruction or as a custom payload.
type FulfillmentMessage struct {
	Platform              string                 `json:"platform"`
	Payload               *Payload               `json:"payload,omitempty"`
	TelephonyTransferCall *TelephonyTransferCall `json:"telephony_transfer_call,omitempty"`
}

// TelephonyTransferCall is the platform-native call transfer directive.
type TelephonyTransferCall struct {
	PhoneNumber string `json:"phone_number"`
}

// Target is one destination of a custom dial payload.
type Target struct {
	Type   string `json:"type"`
	Number string `json:"number,omitempty"`
	SipURI string `json:"sipUri,omitempty"`
}

// Payload is a custom fulfillment payload. The agent designer uses it to
// express richer telephony verbs than the native platform supports:
// "dial" (multi-target transfer), "transfer" (single number), and
// "gather" (keypad collection).
type Payload struct {
	Verb             string   `json:"verb"`
	CallerID         string   `json:"callerId"`
	Target           []Target `json:"target"`
	Command          string   `json:"command"`
	PhoneNumber      string   `json:"phone_number"`
	NumDigits        int      `json:"numDigits"`
	FinishOnKey      string   `json:"finishOnKey"`
	ResponseTemplate string   `json:"responseTemplate"`
}

// OutputContext is a named context attached to the turn result. Context
// names following the allow-dtmf-* convention request keypad collection.
type OutputContext struct {
	Name string `json:"name"`
}

// RecognitionUpdate is a raw (possibly interim) speech recognition result.
type RecognitionUpdate struct {
	RecognitionResult *RecognitionResult `json:"recognition_result"`
}

// RecognitionResult is one hypothesis from the recognizer.
type RecognitionResult struct {
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}
