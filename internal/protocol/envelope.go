package protocol

import "encoding/json"

// ProtocolVersion is the current broker wire protocol version.
const ProtocolVersion = 1

// EnvelopeType identifies the kind of envelope on the wire.
type EnvelopeType string

const (
	TypeHello    EnvelopeType = "hello"
	TypeHelloAck EnvelopeType = "hello_ack"
	TypeOK       EnvelopeType = "ok"
	TypeError    EnvelopeType = "error"
	TypeEvent    EnvelopeType = "event"

	TypeSpawnAgent   EnvelopeType = "spawn_agent"
	TypeSendMessage  EnvelopeType = "send_message"
	TypeReleaseAgent EnvelopeType = "release_agent"
	TypeSendInput    EnvelopeType = "send_input"
	TypeSetModel     EnvelopeType = "set_model"
	TypeListAgents   EnvelopeType = "list_agents"
	TypeGetStatus    EnvelopeType = "get_status"
	TypeShutdown     EnvelopeType = "shutdown"

	// TypeDeliveryAck is a worker-originated envelope (spec.md §4.7):
	// a connection acting on an agent's behalf reports that the agent
	// acknowledged a correlated delivery. It carries a request id like
	// any other request so the submitter gets an ok/error response, but
	// it is not itself awaited by any other party.
	TypeDeliveryAck EnvelopeType = "delivery_ack"
)

// Envelope is the outer JSON record carried on every frame, in both
// directions of the SDK<->broker connection.
type Envelope struct {
	V         int             `json:"v"`
	Type      EnvelopeType    `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of a `type: "error"` envelope.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Data      any    `json:"data,omitempty"`
}

// Error implements the error interface so ErrorPayload can travel through
// normal Go error-handling paths inside the broker.
func (e *ErrorPayload) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds an ErrorPayload.
func NewError(code, message string, retryable bool) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: message, Retryable: retryable}
}

// EncodePayload marshals v into a json.RawMessage for embedding in an
// Envelope.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodePayload decodes an envelope's raw payload into T.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

// OKEnvelope builds a response envelope carrying a successful result.
func OKEnvelope(requestID string, result any) (*Envelope, error) {
	payload, err := EncodePayload(result)
	if err != nil {
		return nil, err
	}
	return &Envelope{V: ProtocolVersion, Type: TypeOK, RequestID: requestID, Payload: payload}, nil
}

// ErrorEnvelope builds a response envelope carrying an error.
func ErrorEnvelope(requestID string, errPayload *ErrorPayload) (*Envelope, error) {
	payload, err := EncodePayload(errPayload)
	if err != nil {
		return nil, err
	}
	return &Envelope{V: ProtocolVersion, Type: TypeError, RequestID: requestID, Payload: payload}, nil
}

// EventEnvelope builds an envelope carrying a broker event; events never
// carry a request id.
func EventEnvelope(ev any) (*Envelope, error) {
	payload, err := EncodePayload(ev)
	if err != nil {
		return nil, err
	}
	return &Envelope{V: ProtocolVersion, Type: TypeEvent, Payload: payload}, nil
}
