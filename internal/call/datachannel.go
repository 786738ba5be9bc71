package call

import (
	"encoding/json"
	"fmt"
)

// DCKind identifies a data-channel message. The numeric values are part of
// the wire format and must never be renumbered.
type DCKind int

const (
	DCMuted              DCKind = 0
	DCUpdateParticipants DCKind = 1
	DCRelay              DCKind = 2
	DCRelayed            DCKind = 3
	DCHangedUp           DCKind = 4
	DCVideoSupported     DCKind = 5
	DCVideoSharing       DCKind = 6
	DCScreenSharing      DCKind = 7
)

func (k DCKind) String() string {
	switch k {
	case DCMuted:
		return "Muted"
	case DCUpdateParticipants:
		return "UpdateParticipants"
	case DCRelay:
		return "Relay"
	case DCRelayed:
		return "Relayed"
	case DCHangedUp:
		return "HangedUp"
	case DCVideoSupported:
		return "VideoSupported"
	case DCVideoSharing:
		return "VideoSharing"
	case DCScreenSharing:
		return "ScreenSharing"
	default:
		return fmt.Sprintf("DCKind(%d)", int(k))
	}
}

// dcEnvelope frames every data-channel message.
type dcEnvelope struct {
	Kind    DCKind          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type dcMuted struct {
	Muted bool `json:"muted"`
}

// dcParticipant is one roster entry in an UpdateParticipants broadcast.
// The caller sends the full roster so recipients can reconcile additions
// and removals in one pass.
type dcParticipant struct {
	Identity []byte `json:"id"`
	Name     string `json:"name"`
	Caller   bool   `json:"caller"`
}

type dcUpdateParticipants struct {
	Participants []dcParticipant `json:"participants"`
}

// dcRelay asks the caller to forward Inner to the participant identified by
// To. The caller rewrites it into a dcRelayed carrying the sender instead.
type dcRelay struct {
	To    []byte          `json:"to"`
	Inner json.RawMessage `json:"inner"`
}

type dcRelayed struct {
	From  []byte          `json:"from"`
	Inner json.RawMessage `json:"inner"`
}

type dcVideoSupported struct {
	Supported bool `json:"supported"`
}

type dcVideoSharing struct {
	Sharing bool `json:"sharing"`
}

type dcScreenSharing struct {
	Sharing bool `json:"sharing"`
}

func encodeDC(kind DCKind, payload any) ([]byte, error) {
	env := dcEnvelope{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func decodeDC(data []byte) (dcEnvelope, error) {
	var env dcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return dcEnvelope{}, fmt.Errorf("decoding data channel message: %w", err)
	}
	return env, nil
}
