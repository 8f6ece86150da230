package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	req := SpawnAgentRequest{Agent: AgentSpec{Name: "alice", Runtime: "pty"}}
	payload, err := EncodePayload(req)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}

	env := Envelope{V: ProtocolVersion, Type: TypeSpawnAgent, RequestID: "r1", Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Type != TypeSpawnAgent || decoded.RequestID != "r1" {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}

	got, err := DecodePayload[SpawnAgentRequest](decoded.Payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.Agent.Name != "alice" || got.Agent.Runtime != "pty" {
		t.Fatalf("got %+v, want alice/pty", got)
	}
}

func TestErrorPayloadIsError(t *testing.T) {
	e := NewError("unknown_agent", "no such agent", false)
	var _ error = e
	if e.Error() != "unknown_agent: no such agent" {
		t.Fatalf("unexpected Error() string: %q", e.Error())
	}
}
