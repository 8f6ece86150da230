package transport

import (
	"context"
	"errors"
	"time"

	"github.com/adred-codev/agentbroker/internal/broker"
	"github.com/adred-codev/agentbroker/internal/correlator"
	"github.com/adred-codev/agentbroker/internal/protocol"
)

// dispatch routes one post-handshake request envelope to the broker and
// pushes exactly one response (ok or error) onto the connection's
// outbound queue, per spec.md §4.2's "every request gets exactly one
// response" contract. send_message with a blocking sync option is the one
// exception: its ok/error response still comes back here, but the ack
// outcome itself is delivered later, asynchronously, by awaitAck.
func (s *Server) dispatch(ctx context.Context, c *connection, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSpawnAgent:
		s.handleSpawnAgent(ctx, c, env)
	case protocol.TypeSendMessage:
		s.handleSendMessage(ctx, c, env)
	case protocol.TypeReleaseAgent:
		s.handleReleaseAgent(c, env)
	case protocol.TypeSendInput:
		s.handleSendInput(c, env)
	case protocol.TypeSetModel:
		s.handleSetModel(c, env)
	case protocol.TypeListAgents:
		s.handleListAgents(c, env)
	case protocol.TypeGetStatus:
		s.handleGetStatus(c, env)
	case protocol.TypeDeliveryAck:
		s.handleDeliveryAck(c, env)
	case protocol.TypeShutdown:
		s.handleShutdown(c, env)
	default:
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("invalid_envelope", "unrecognized request type: "+string(env.Type), false)))
	}
}

func (s *Server) handleSpawnAgent(ctx context.Context, c *connection, env protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.SpawnAgentRequest](env.Payload)
	if err != nil {
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("invalid_spec", "malformed spawn_agent payload", false)))
		return
	}

	result, spawnErr := s.broker.SpawnAgent(ctx, req.Agent, c.id)
	if spawnErr != nil {
		s.send(c, errorEnvelope(env.RequestID, spawnToError(spawnErr)))
		return
	}
	s.respond(c, env.RequestID, result)
}

func spawnToError(err error) *protocol.ErrorPayload {
	switch {
	case errors.Is(err, broker.ErrAgentExists):
		return protocol.NewError("agent_exists", err.Error(), false)
	case errors.Is(err, broker.ErrInvalidSpec):
		return protocol.NewError("invalid_spec", err.Error(), false)
	case errors.Is(err, broker.ErrSpawnFailed):
		return protocol.NewError("spawn_failed", err.Error(), true)
	default:
		return protocol.NewError("spawn_failed", err.Error(), true)
	}
}

func (s *Server) handleSendMessage(ctx context.Context, c *connection, env protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.SendMessageRequest](env.Payload)
	if err != nil {
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("invalid_spec", "malformed send_message payload", false)))
		return
	}

	sender := req.From
	if sender == "" {
		sender = c.id
	}

	res, sendErr := s.broker.SendMessage(c.id, sender, req)
	if sendErr != nil {
		s.send(c, errorEnvelope(env.RequestID, sendToError(sendErr)))
		return
	}

	s.respond(c, env.RequestID, protocol.SendMessageResult{EventID: res.EventID, Targets: res.Targets})

	if res.CorrelationID == "" {
		return
	}
	timeout := time.Duration(req.Sync.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = s.cfg.Delivery.AckTimeout
	}
	s.awaitAck(ctx, c, res.CorrelationID, res.Target, timeout)
}

func sendToError(err error) *protocol.ErrorPayload {
	switch {
	case errors.Is(err, broker.ErrUnknownTarget):
		return protocol.NewError("unknown_target", err.Error(), false)
	case errors.Is(err, broker.ErrQueueFull):
		return protocol.NewError("queue_full", err.Error(), true)
	case errors.Is(err, broker.ErrMissingCorrID):
		return protocol.NewError("missing_correlation_id", err.Error(), false)
	case errors.Is(err, broker.ErrDuplicateCorr):
		return protocol.NewError("duplicate_correlation_id", err.Error(), false)
	default:
		return protocol.NewError("send_failed", err.Error(), true)
	}
}

// awaitAck registers correlationID with the broker's correlator and, once
// it resolves (worker ack, implicit ack, or timeout), pushes the outcome
// to c as either a delivery_ack envelope carrying the ack or an
// error{ack_timeout} envelope — independent
// of the original request/response exchange, which already completed in
// handleSendMessage.
func (s *Server) awaitAck(ctx context.Context, c *connection, correlationID, target string, timeout time.Duration) {
	outcomeCh, err := s.broker.AwaitAck(c.id, correlationID, target, timeout, func() {
		s.broker.AbandonCorrelatedAck(target, correlationID)
	})
	if err != nil {
		s.send(c, errorEnvelope("", protocol.NewError("duplicate_correlation_id", err.Error(), false)))
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-outcomeCh:
			if !ok {
				return
			}
			if outcome.TimedOut {
				errPayload := protocol.NewError("ack_timeout", "no ack within timeout", true)
				errPayload.Data = map[string]string{"correlation_id": correlationID}
				s.send(c, errorEnvelope("", errPayload))
				return
			}
			s.send(c, ackEnvelope(correlationID, target, outcome))
		}
	}()
}

func ackEnvelope(correlationID, target string, outcome correlator.Outcome) *protocol.Envelope {
	payload, err := protocol.EncodePayload(map[string]any{
		"correlation_id": correlationID,
		"target":         target,
		"response":       outcome.Ack,
	})
	if err != nil {
		return nil
	}
	return &protocol.Envelope{V: protocol.ProtocolVersion, Type: protocol.TypeDeliveryAck, Payload: payload}
}

func (s *Server) handleReleaseAgent(c *connection, env protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.ReleaseAgentRequest](env.Payload)
	if err != nil || req.Name == "" {
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("unknown_agent", "malformed release_agent payload", false)))
		return
	}

	if relErr := s.broker.ReleaseAgent(req.Name); relErr != nil {
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("unknown_agent", relErr.Error(), false)))
		return
	}
	s.respond(c, env.RequestID, protocol.ReleaseAgentResult{Name: req.Name})
}

func (s *Server) handleSendInput(c *connection, env protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.SendInputRequest](env.Payload)
	if err != nil || req.Name == "" {
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("unknown_agent", "malformed send_input payload", false)))
		return
	}

	if inErr := s.broker.SendInput(req.Name, req.Data); inErr != nil {
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("unknown_agent", inErr.Error(), false)))
		return
	}
	s.respond(c, env.RequestID, struct{}{})
}

func (s *Server) handleSetModel(c *connection, env protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.SetModelRequest](env.Payload)
	if err != nil || req.Name == "" {
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("unknown_agent", "malformed set_model payload", false)))
		return
	}

	setErr := s.broker.SetModel(req.Name)
	switch {
	case setErr == nil:
		s.respond(c, env.RequestID, struct{}{})
	case errors.Is(setErr, broker.ErrUnknownAgent):
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("unknown_agent", setErr.Error(), false)))
	case errors.Is(setErr, broker.ErrNotSupported):
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("not_supported", setErr.Error(), false)))
	default:
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("not_supported", setErr.Error(), false)))
	}
}

func (s *Server) handleListAgents(c *connection, env protocol.Envelope) {
	s.respond(c, env.RequestID, protocol.ListAgentsResult{Agents: s.broker.ListAgents()})
}

func (s *Server) handleGetStatus(c *connection, env protocol.Envelope) {
	s.respond(c, env.RequestID, s.broker.GetStatus())
}

func (s *Server) handleDeliveryAck(c *connection, env protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.DeliveryAckRequest](env.Payload)
	if err != nil || req.Target == "" {
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("unknown_agent", "malformed delivery_ack payload", false)))
		return
	}

	ackErr := s.broker.SubmitDeliveryAck(req)
	switch {
	case ackErr == nil:
		s.respond(c, env.RequestID, struct{}{})
	case errors.Is(ackErr, broker.ErrMissingCorrID):
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("missing_correlation_id", ackErr.Error(), false)))
	case errors.Is(ackErr, broker.ErrUnknownAgent):
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("unknown_agent", ackErr.Error(), false)))
	default:
		s.send(c, errorEnvelope(env.RequestID, protocol.NewError("unknown_agent", ackErr.Error(), false)))
	}
}

// handleShutdown acknowledges the request, then signals the top-level
// runner to begin graceful shutdown (spec.md §4.2 "shutdown ... then
// graceful close"); the listener and every connection close only after
// the response has had a chance to flush.
func (s *Server) handleShutdown(c *connection, env protocol.Envelope) {
	s.respond(c, env.RequestID, struct{}{})
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func (s *Server) respond(c *connection, requestID string, result any) {
	env, err := protocol.OKEnvelope(requestID, result)
	if err != nil {
		s.send(c, errorEnvelope(requestID, protocol.NewError("internal_error", "failed to encode response", false)))
		return
	}
	s.send(c, env)
}
