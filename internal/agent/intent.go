package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TransferInstructions describe a requested call transfer: one or more
// targets dialed in parallel with a caller id to present.
type TransferInstructions struct {
	CallerID string
	Targets  []Target
}

// DTMFInstructions describe a requested keypad collection.
type DTMFInstructions struct {
	Min              int
	Max              int
	Terminator       string
	ResponseTemplate string
}

// Intent is the interpreted view of one TurnResult. It resolves the
// telephony directives once at construction so callers can query it
// without re-walking the fulfillment messages.
type Intent struct {
	raw      TurnResult
	transfer *TransferInstructions
	dtmf     *DTMFInstructions
}

var dtmfContextRe = regexp.MustCompile(`allow-dtmf-(\d+)(?:-(\d+))?(?:-(.*))?`)

// ParseIntent decodes a raw turn result and interprets its telephony
// directives. callingNumber is used as the default caller id for
// transfers that do not specify one. A transfer target with an unknown
// type is a construction-time error.
func ParseIntent(data []byte, callingNumber string) (*Intent, error) {
	var raw TurnResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding turn result: %w", err)
	}
	return NewIntent(raw, callingNumber)
}

// NewIntent interprets an already-decoded turn result.
func NewIntent(raw TurnResult, callingNumber string) (*Intent, error) {
	in := &Intent{raw: raw}

	transfer, err := resolveTransfer(raw.QueryResult, callingNumber)
	if err != nil {
		return nil, err
	}
	in.transfer = transfer
	in.dtmf = resolveDTMF(raw.QueryResult)
	return in, nil
}

// IsEmpty reports whether no intent matched this turn.
func (in *Intent) IsEmpty() bool { return in.raw.ResponseID == "" }

// Name returns the matched intent's display name, or "" when empty.
func (in *Intent) Name() string {
	if in.IsEmpty() {
		return ""
	}
	return in.raw.QueryResult.Intent.DisplayName
}

// FulfillmentText returns the spoken response text for the turn.
func (in *Intent) FulfillmentText() string {
	return in.raw.QueryResult.FulfillmentText
}

// SaysCallTransfer reports whether the turn requested a call transfer.
func (in *Intent) SaysCallTransfer() bool { return in.transfer != nil }

// SaysEndInteraction reports whether the conversation should end after
// this turn's response plays. A transfer implicitly ends the dialog.
func (in *Intent) SaysEndInteraction() bool {
	return in.raw.QueryResult.Intent.EndInteraction || in.SaysCallTransfer()
}

// SaysCollectDTMF reports whether the turn requested keypad collection.
func (in *Intent) SaysCollectDTMF() bool { return in.dtmf != nil }

// TransferInstructions returns the transfer directive, or nil.
func (in *Intent) TransferInstructions() *TransferInstructions { return in.transfer }

// DTMFInstructions returns the keypad collection directive, or nil.
func (in *Intent) DTMFInstructions() *DTMFInstructions { return in.dtmf }

// resolveTransfer walks the fulfillment messages for a transfer
// directive. Precedence: a custom payload with verb "dial" wins, then a
// custom payload with command "transfer", then the platform-native
// telephony transfer instruction.
func resolveTransfer(qr QueryResult, callingNumber string) (*TransferInstructions, error) {
	for _, f := range qr.FulfillmentMessages {
		if f.Payload != nil && f.Payload.Verb == "dial" {
			callerID := f.Payload.CallerID
			if callerID == "" {
				callerID = callingNumber
			}
			if len(f.Payload.Target) == 0 {
				return nil, fmt.Errorf("dial payload has no targets")
			}
			for _, t := range f.Payload.Target {
				if err := validateTarget(t); err != nil {
					return nil, err
				}
			}
			return &TransferInstructions{CallerID: callerID, Targets: f.Payload.Target}, nil
		}
	}

	for _, f := range qr.FulfillmentMessages {
		if f.Payload != nil && f.Payload.Command == "transfer" && f.Payload.PhoneNumber != "" {
			return &TransferInstructions{
				CallerID: callingNumber,
				Targets:  []Target{{Type: "phone", Number: f.Payload.PhoneNumber}},
			}, nil
		}
	}

	for _, f := range qr.FulfillmentMessages {
		if f.Platform != "TELEPHONY" {
			continue
		}
		if f.TelephonyTransferCall != nil && f.TelephonyTransferCall.PhoneNumber != "" {
			return &TransferInstructions{
				CallerID: callingNumber,
				Targets:  []Target{{Type: "phone", Number: f.TelephonyTransferCall.PhoneNumber}},
			}, nil
		}
	}
	return nil, nil
}

func validateTarget(t Target) error {
	switch t.Type {
	case "phone":
		if t.Number == "" {
			return fmt.Errorf("phone target has no number")
		}
	case "sip":
		if t.SipURI == "" {
			return fmt.Errorf("sip target has no uri")
		}
	default:
		return fmt.Errorf("invalid dial target type %q: must be phone or sip", t.Type)
	}
	return nil
}

// resolveDTMF walks the fulfillment messages and output contexts for a
// keypad collection directive. A custom payload with verb "gather" wins
// over the allow-dtmf-* output context convention.
func resolveDTMF(qr QueryResult) *DTMFInstructions {
	for _, f := range qr.FulfillmentMessages {
		if f.Payload != nil && f.Payload.Verb == "gather" {
			return &DTMFInstructions{
				Max:              f.Payload.NumDigits,
				Terminator:       f.Payload.FinishOnKey,
				ResponseTemplate: f.Payload.ResponseTemplate,
			}
		}
	}

	for _, oc := range qr.OutputContexts {
		if !strings.Contains(oc.Name, "/contexts/allow-dtmf-") {
			continue
		}
		m := dtmfContextRe.FindStringSubmatch(oc.Name)
		if m == nil {
			continue
		}
		d := &DTMFInstructions{}
		d.Min, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			d.Max, _ = strconv.Atoi(m[2])
		}
		d.Terminator = m[3]
		return d
	}
	return nil
}
