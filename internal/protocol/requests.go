package protocol

// HelloPayload is the client's handshake payload.
type HelloPayload struct {
	ClientName    string `json:"client_name"`
	ClientVersion string `json:"client_version"`
}

// HelloAckPayload is the broker's handshake reply.
type HelloAckPayload struct {
	BrokerVersion   string `json:"broker_version"`
	ProtocolVersion int    `json:"protocol_version"`
}

// AgentSpec describes the agent a spawn_agent request wants created.
type AgentSpec struct {
	Name        string   `json:"name"`
	Runtime     string   `json:"runtime"` // "pty" | "headless"
	CLI         string   `json:"cli,omitempty"`
	Args        []string `json:"args,omitempty"`
	WorkDir     string   `json:"work_dir,omitempty"`
	Channels    []string `json:"channels,omitempty"`
	IdleSeconds int      `json:"idle_seconds,omitempty"`
}

// SpawnAgentRequest is the payload of a spawn_agent request.
type SpawnAgentRequest struct {
	Agent        AgentSpec `json:"agent"`
	InitialTask  string    `json:"initial_task,omitempty"`
}

// SpawnAgentResult is the payload of a successful spawn_agent response.
type SpawnAgentResult struct {
	Name    string `json:"name"`
	Runtime string `json:"runtime"`
}

// SyncOptions carries optional blocking/correlation metadata on a send.
type SyncOptions struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Blocking      bool   `json:"blocking,omitempty"`
	TimeoutMS     int    `json:"timeout_ms,omitempty"`
}

// SendMessageRequest is the payload of a send_message request.
type SendMessageRequest struct {
	To       string       `json:"to"`
	Text     string       `json:"text"`
	From     string       `json:"from,omitempty"`
	ThreadID string       `json:"thread_id,omitempty"`
	Priority int          `json:"priority,omitempty"`
	Sync     *SyncOptions `json:"sync,omitempty"`
}

// SendMessageResult is the payload of a successful send_message response.
type SendMessageResult struct {
	EventID string   `json:"event_id"`
	Targets []string `json:"targets"`
}

// ReleaseAgentRequest is the payload of a release_agent request.
type ReleaseAgentRequest struct {
	Name string `json:"name"`
}

// ReleaseAgentResult is the payload of a successful release_agent response.
type ReleaseAgentResult struct {
	Name string `json:"name"`
}

// SendInputRequest is the payload of a send_input request (raw PTY bytes,
// bypassing the delivery/verification pipeline).
type SendInputRequest struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// SetModelRequest is the payload of a set_model request.
type SetModelRequest struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// DeliveryAckRequest is the payload of a worker-originated delivery_ack
// envelope (spec.md §4.7): target names the agent the ack is reported on
// behalf of, CorrelationID must match a pending blocking send, and
// Response is forwarded verbatim to the original sender.
type DeliveryAckRequest struct {
	Target        string `json:"target"`
	CorrelationID string `json:"correlation_id"`
	Response      any    `json:"response,omitempty"`
}

// AgentSummary is the per-agent shape returned by list_agents/get_status.
type AgentSummary struct {
	Name     string   `json:"name"`
	Runtime  string   `json:"runtime"`
	Channels []string `json:"channels"`
	Parent   string   `json:"parent,omitempty"`
	PID      int      `json:"pid,omitempty"`
}

// ListAgentsResult is the payload of a list_agents response.
type ListAgentsResult struct {
	Agents []AgentSummary `json:"agents"`
}

// PendingDelivery is one entry of get_status's pending_deliveries. The
// broker fills one entry per agent whose queue is non-empty: Name is the
// agent, State is "queued", Attempts is 0 and DeliveryID is empty;
// individual deliveries are not listed.
type PendingDelivery struct {
	DeliveryID string `json:"delivery_id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
}

// GetStatusResult is the payload of a get_status response.
type GetStatusResult struct {
	AgentCount             int               `json:"agent_count"`
	Agents                 []AgentSummary    `json:"agents"`
	PendingDeliveryCount   int               `json:"pending_delivery_count"`
	PendingDeliveries      []PendingDelivery `json:"pending_deliveries"`
}
