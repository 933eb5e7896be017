package events

import (
	"encoding/json"
	"fmt"
)

// wireEnvelope is the serialized envelope shape. The payload kind rides next
// to the payload body so decoders can dispatch without peeking inside it.
type wireEnvelope struct {
	Agent   string          `json:"agent"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON serializes the envelope with an explicit kind discriminator.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope for agent %q has no payload", e.Agent)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Payload.EventKind(), err)
	}
	return json.Marshal(wireEnvelope{Agent: e.Agent, Kind: e.Payload.EventKind(), Payload: body})
}

// UnmarshalJSON decodes an envelope produced by MarshalJSON. Unknown kinds
// fail decoding; the kind set is closed.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	e.Agent = w.Agent
	e.Payload = p
	return nil
}

func decodePayload(kind Kind, data json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindStatusChanged:
		p = &StatusChanged{}
	case KindLLMDeltas:
		p = &LLMDeltas{}
	case KindLLMMessage:
		p = &LLMMessage{}
	case KindLLMTokenUsage:
		p = &LLMTokenUsage{}
	case KindToolCallIdentified:
		p = &ToolCallIdentified{}
	case KindToolExecutionUpdate:
		p = &ToolExecutionUpdate{}
	case KindDisplayMessageSaved:
		p = &DisplayMessageSaved{}
	case KindDisplayMessagesBatchSaved:
		p = &DisplayMessagesBatchSaved{}
	case KindTodosUpdated:
		p = &TodosUpdated{}
	case KindStateRestored:
		p = &StateRestored{}
	case KindNodeTransferring:
		p = &NodeTransferring{}
	case KindNodeTransferred:
		p = &NodeTransferred{}
	case KindAgentShutdown:
		p = &AgentShutdown{}
	case KindDebug:
		p = &Debug{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
