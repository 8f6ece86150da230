// Package broker wires the registry, router, delivery engines, event bus,
// correlator, resource guard, and rate limiter into the single top-level
// object the transport layer drives. It generalizes the teacher's
// main-wiring shape (cmd/odin-ws/main.go assembling hub/transport/metrics)
// from a WebSocket broadcast hub to an agent-lifecycle-owning broker.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/agentbroker/internal/config"
	"github.com/adred-codev/agentbroker/internal/correlator"
	"github.com/adred-codev/agentbroker/internal/delivery"
	"github.com/adred-codev/agentbroker/internal/eventbus"
	"github.com/adred-codev/agentbroker/internal/metrics"
	"github.com/adred-codev/agentbroker/internal/protocol"
	"github.com/adred-codev/agentbroker/internal/ratelimit"
	"github.com/adred-codev/agentbroker/internal/registry"
	"github.com/adred-codev/agentbroker/internal/resource"
	"github.com/adred-codev/agentbroker/internal/router"
	"github.com/adred-codev/agentbroker/internal/runtime"
)

var (
	ErrInvalidSpec    = errors.New("invalid_spec")
	ErrSpawnFailed    = errors.New("spawn_failed")
	ErrNotSupported   = errors.New("not_supported")
	ErrUnknownAgent   = registry.ErrUnknownAgent
	ErrAgentExists    = registry.ErrAgentExists
	ErrQueueFull      = delivery.ErrQueueFull
	ErrUnknownTarget  = router.ErrUnknownTarget
	ErrMissingCorrID  = errors.New("missing_correlation_id")
	ErrDuplicateCorr  = errors.New("duplicate_correlation_id")
	ErrAckTimeout     = errors.New("ack_timeout")
)

// liveAgent bundles what the broker needs beyond the registry's own Agent
// record: the per-agent delivery engine, its owning context, and idle
// bookkeeping.
type liveAgent struct {
	engine *delivery.Engine
	cancel context.CancelFunc
	handle runtime.Handle

	idleMu        sync.Mutex
	idleTimer     *time.Timer
	idleThreshold time.Duration
	idleFired     bool
}

// Broker is the top-level orchestrator bound to one control socket.
type Broker struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Registry

	registry   *registry.Registry
	bus        *eventbus.Bus
	correlator *correlator.Correlator
	router     *router.Router
	limiter    *ratelimit.Limiter
	guard      *resource.Guard

	mu     sync.Mutex
	live   map[string]*liveAgent
}

// New assembles a Broker from already-constructed ambient components.
func New(cfg config.Config, logger *zap.Logger, reg *metrics.Registry) *Broker {
	bus := eventbus.New(cfg.Delivery.EventBusQueueSize, reg.EventBusDropped, reg.EventBusDepth)
	regy := registry.New()
	return &Broker{
		cfg:        cfg,
		logger:     logger,
		metrics:    reg,
		registry:   regy,
		bus:        bus,
		correlator: correlator.New(reg.AckLatency),
		router:     router.New(regy, bus),
		limiter:    ratelimit.New(ratelimit.Config{ConnectionBurst: cfg.Server.ConnRateBurst, ConnectionRate: cfg.Server.ConnRatePerSecond}, logger, reg),
		guard:      resource.New(resource.Config{MaxAgents: cfg.Server.MaxAgents, CPURejectPercent: cfg.Worker.CPUGuardPercent}, logger),
		live:       make(map[string]*liveAgent),
	}
}

// Start begins background sampling (resource guard).
func (b *Broker) Start(ctx context.Context) {
	b.guard.Start(ctx)
}

// Stop walks the registry and releases every agent with the configured
// grace period, per spec.md §5's shutdown semantics.
func (b *Broker) Stop() {
	for _, a := range b.registry.List() {
		_ = b.ReleaseAgent(a.Name)
	}
	b.limiter.Stop()
}

// Bus exposes the event bus for transport-layer subscription.
func (b *Broker) Bus() *eventbus.Bus { return b.bus }

// Limiter exposes the rate limiter for transport-layer request gating.
func (b *Broker) Limiter() *ratelimit.Limiter { return b.limiter }

// Correlator exposes the correlator for transport-layer ack resolution.
func (b *Broker) Correlator() *correlator.Correlator { return b.correlator }

// SpawnAgent starts a new agent's runtime and delivery engine.
func (b *Broker) SpawnAgent(ctx context.Context, spec protocol.AgentSpec, parent string) (protocol.SpawnAgentResult, error) {
	if spec.Name == "" {
		return protocol.SpawnAgentResult{}, ErrInvalidSpec
	}
	if spec.Runtime != "pty" && spec.Runtime != "headless" {
		return protocol.SpawnAgentResult{}, ErrInvalidSpec
	}

	if accept, reason := b.guard.ShouldAcceptSpawn(); !accept {
		b.logger.Warn("spawn rejected by resource guard", zap.String("name", spec.Name), zap.String("reason", reason))
		return protocol.SpawnAgentResult{}, ErrSpawnFailed
	}

	idleSecs := spec.IdleSeconds
	if idleSecs <= 0 {
		idleSecs = b.cfg.Worker.DefaultIdleSeconds
	}

	cli := spec.CLI
	if cli == "" {
		cli = b.cfg.Env.BinaryPath
	}
	workDir := spec.WorkDir
	if workDir == "" {
		workDir = b.cfg.Env.WorkspaceDir
	}

	rt := b.newRuntime(spec.Runtime)
	rtSpec := runtime.Spec{
		CLI:             cli,
		Args:            spec.Args,
		WorkDir:         workDir,
		Cols:            uint16(b.cfg.Worker.Cols),
		Rows:            uint16(b.cfg.Worker.Rows),
		IdleThreshold:   time.Duration(idleSecs) * time.Second,
		ScrollbackBytes: b.cfg.Worker.ScrollbackBytes,
	}

	handle, chunks, exitCh, err := rt.Start(ctx, rtSpec)
	if err != nil {
		b.logger.Error("spawn failed", zap.String("name", spec.Name), zap.Error(err))
		return protocol.SpawnAgentResult{}, ErrSpawnFailed
	}

	agent := registry.NewAgent(spec.Name, spec.Runtime, spec.CLI, spec.Args, spec.WorkDir, parent, idleSecs, spec.Channels)
	agent.PID = handle.PID()
	agent.Worker = handle

	if err := b.registry.Spawn(agent); err != nil {
		_ = handle.Terminate(b.cfg.Server.ShutdownGrace)
		return protocol.SpawnAgentResult{}, ErrAgentExists
	}
	b.guard.AgentSpawned()

	engCtx, cancel := context.WithCancel(context.Background())
	injector := runtime.NewInjector(handle, b.cfg.Delivery.VerifyWindow, spec.Runtime == "pty")
	engine := delivery.NewEngine(spec.Name, delivery.Config{
		Capacity:    b.cfg.Delivery.QueueDepth,
		MaxAttempts: b.cfg.Delivery.MaxAttempts,
		TTL:         b.cfg.Delivery.TTL,
		// Only the headless runtime can ever submit a worker-originated
		// delivery_ack; a generic PTY CLI has no such convention, so its
		// correlated deliveries are implicitly acked at verification
		// time (spec.md §4.6).
		ExplicitAck: spec.Runtime == "headless",
	}, injector, b.bus, b.metrics)
	engine.OnImplicitAck(func(correlationID string) {
		b.correlator.ResolveAck(correlationID, nil)
	})

	la := &liveAgent{engine: engine, cancel: cancel, handle: handle, idleThreshold: rtSpec.IdleThreshold}

	b.mu.Lock()
	b.live[spec.Name] = la
	b.mu.Unlock()

	go engine.Run(engCtx)
	go b.watchChunks(engCtx, spec.Name, la, chunks)
	go b.watchExit(spec.Name, la, exitCh)

	b.registry.MarkReady(spec.Name)
	b.metrics.AgentsActive.Set(float64(b.registry.Count()))
	b.bus.Publish(protocol.Event{Kind: protocol.EventAgentSpawned, Name: spec.Name, Runtime: spec.Runtime, PID: agent.PID})
	b.bus.Publish(protocol.Event{Kind: protocol.EventAgentReady, Name: spec.Name})

	return protocol.SpawnAgentResult{Name: spec.Name, Runtime: spec.Runtime}, nil
}

func (b *Broker) newRuntime(kind string) runtime.Runtime {
	if kind == "pty" {
		return runtime.NewPty()
	}
	return runtime.NewHeadless()
}

func (b *Broker) watchChunks(ctx context.Context, name string, la *liveAgent, chunks <-chan runtime.Chunk) {
	b.armIdleTimer(name, la)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			b.registry.MarkActive(name)
			b.resetIdleTimer(name, la)
			b.bus.Publish(protocol.Event{Kind: protocol.EventWorkerStream, Name: name, Stream: chunk.Stream, Chunk: chunk.Text})
		}
	}
}

func (b *Broker) armIdleTimer(name string, la *liveAgent) {
	if la.idleThreshold <= 0 {
		return
	}
	la.idleMu.Lock()
	la.idleTimer = time.AfterFunc(la.idleThreshold, func() { b.fireIdle(name, la) })
	la.idleMu.Unlock()
}

func (b *Broker) resetIdleTimer(name string, la *liveAgent) {
	if la.idleThreshold <= 0 {
		return
	}
	la.idleMu.Lock()
	la.idleFired = false
	if la.idleTimer != nil {
		la.idleTimer.Stop()
	}
	la.idleTimer = time.AfterFunc(la.idleThreshold, func() { b.fireIdle(name, la) })
	la.idleMu.Unlock()
}

func (b *Broker) fireIdle(name string, la *liveAgent) {
	la.idleMu.Lock()
	if la.idleFired {
		la.idleMu.Unlock()
		return
	}
	la.idleFired = true
	la.idleMu.Unlock()

	b.registry.MarkIdle(name)
	b.bus.Publish(protocol.Event{Kind: protocol.EventAgentIdle, Name: name, IdleSecs: int(la.idleThreshold.Seconds())})
}

// watchExit reacts to the worker process exiting on its own (crash or
// normal termination) rather than through release_agent: it tears down
// the agent's delivery engine and registry entry the same way release
// would, but skips re-terminating an already-dead process and emits
// agent_exited instead of agent_released (spec.md §5 "Retry and
// recovery": a worker crash releases that agent in isolation).
func (b *Broker) watchExit(name string, la *liveAgent, exitCh <-chan runtime.ExitResult) {
	result, ok := <-exitCh
	if !ok {
		return
	}

	if detached, stillLive := b.detach(name); stillLive {
		b.registry.MarkExited(name)
		detached.engine.Drain()
		detached.cancel()
		_, _ = b.registry.Release(name)
		b.guard.AgentReleased()
		b.metrics.AgentsActive.Set(float64(b.registry.Count()))
	}

	b.bus.Publish(protocol.Event{Kind: protocol.EventAgentExited, Name: name, Code: result.Code, HasCode: result.HasCode, Signal: result.Signal})
}

// ReleaseAgent cancels the agent's deliveries and terminates its worker
// with the configured grace period.
func (b *Broker) ReleaseAgent(name string) error {
	la, ok := b.detach(name)
	if !ok {
		return ErrUnknownAgent
	}

	la.engine.Drain()
	la.cancel()
	_ = la.handle.Terminate(b.cfg.Server.ShutdownGrace)

	if _, err := b.registry.Release(name); err != nil {
		return err
	}
	b.guard.AgentReleased()
	b.metrics.AgentsActive.Set(float64(b.registry.Count()))
	b.bus.Publish(protocol.Event{Kind: protocol.EventAgentReleased, Name: name})
	return nil
}

// detach removes name from the live-agent table, returning its liveAgent
// if it was present. Shared by ReleaseAgent (explicit release) and
// watchExit (worker crash), which differ only in whether the worker
// still needs terminating and whether agent_released is emitted.
func (b *Broker) detach(name string) (*liveAgent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	la, ok := b.live[name]
	if ok {
		delete(b.live, name)
	}
	return la, ok
}

// SendInput writes raw bytes directly to an agent's worker, bypassing the
// delivery/verification pipeline (spec.md send_input).
func (b *Broker) SendInput(name, data string) error {
	b.mu.Lock()
	la, ok := b.live[name]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownAgent
	}
	_, err := la.handle.Write([]byte(data))
	return err
}

// SetModel is unsupported by both concrete runtimes (spec.md §4.2): neither
// Pty nor Headless implements runtime.SupportsSetModel.
func (b *Broker) SetModel(name string) error {
	if _, ok := b.registry.Get(name); !ok {
		return ErrUnknownAgent
	}
	return ErrNotSupported
}

// SendResult is what SendMessage returns to the transport layer. For a
// blocking send to a single resolved target, CorrelationID and Target
// are populated so the transport layer can register and await the ack.
type SendResult struct {
	EventID       string
	Targets       []string
	CorrelationID string
	Target        string
}

// SendMessage resolves req's target, enqueues a delivery per allowed
// recipient, and (for blocking sends) assigns the correlation id that the
// transport layer then registers and awaits through AwaitAck. queue_full on a single exact-name
// target fails the whole request; on channel/broadcast fan-out a full
// queue simply omits that recipient from Targets, mirroring acl_denied's
// partial-failure shape (spec.md §4.5).
func (b *Broker) SendMessage(connectionID, sender string, req protocol.SendMessageRequest) (SendResult, error) {
	res, err := b.router.Resolve(sender, req.To)
	if err != nil {
		return SendResult{}, err
	}

	eventID := correlator.NewID()

	var correlationID string
	if req.Sync != nil && req.Sync.Blocking {
		correlationID = req.Sync.CorrelationID
		if correlationID == "" {
			correlationID = correlator.NewID()
		} else if b.correlator.Pending(correlationID) {
			return SendResult{}, ErrDuplicateCorr
		}
	}

	exactTarget := len(res.Allowed) == 1 && len(res.Denied) == 0 && req.To == res.Allowed[0]

	var enqueued []string
	for _, target := range res.Allowed {
		b.mu.Lock()
		la, ok := b.live[target]
		b.mu.Unlock()
		if !ok {
			continue
		}

		d := delivery.NewDelivery(eventID, sender, target, req.Text, req.ThreadID, req.Priority, correlationID)
		if err := la.engine.Enqueue(d); err != nil {
			if exactTarget {
				return SendResult{}, ErrQueueFull
			}
			continue
		}
		enqueued = append(enqueued, target)
	}

	result := SendResult{EventID: eventID, Targets: enqueued}
	if correlationID != "" && len(enqueued) == 1 {
		result.CorrelationID = correlationID
		result.Target = enqueued[0]
	}
	return result, nil
}

// AwaitAck registers correlationID against the broker's correlator with
// the given timeout and returns the channel the transport layer should
// wait on for the outcome.
func (b *Broker) AwaitAck(connectionID, correlationID, target string, timeout time.Duration, onTimeout func()) (<-chan correlator.Outcome, error) {
	return b.correlator.Register(correlationID, connectionID, target, timeout, onTimeout)
}

// ListAgents returns the deterministic agent summary list for list_agents.
func (b *Broker) ListAgents() []protocol.AgentSummary {
	agents := b.registry.List()
	out := make([]protocol.AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, protocol.AgentSummary{
			Name:     a.Name,
			Runtime:  a.Runtime,
			Channels: a.Channels(),
			Parent:   a.Parent,
			PID:      a.PID,
		})
	}
	return out
}

// GetStatus returns the broker's aggregate status for get_status.
func (b *Broker) GetStatus() protocol.GetStatusResult {
	agents := b.ListAgents()

	b.mu.Lock()
	defer b.mu.Unlock()

	var pendingCount int
	var pending []protocol.PendingDelivery
	for name, la := range b.live {
		depth := la.engine.Depth()
		pendingCount += depth
		if depth > 0 {
			pending = append(pending, protocol.PendingDelivery{Name: name, State: "queued", Attempts: 0})
		}
	}

	return protocol.GetStatusResult{
		AgentCount:           len(agents),
		Agents:               agents,
		PendingDeliveryCount: pendingCount,
		PendingDeliveries:    pending,
	}
}

// SubmitDeliveryAck handles a worker-originated delivery_ack envelope
// (spec.md §4.7): it resolves both the delivery's own pending-ack state
// and the broker-wide correlator entry the sender is blocked on. A
// correlation id with no matching pending entry is not an error — per
// spec.md §4.7 a late or duplicate ack is silently dropped.
func (b *Broker) SubmitDeliveryAck(req protocol.DeliveryAckRequest) error {
	if req.CorrelationID == "" {
		return ErrMissingCorrID
	}
	if _, ok := b.registry.Get(req.Target); !ok {
		return ErrUnknownAgent
	}
	b.ResolveCorrelatedAck(req.Target, req.CorrelationID, req.Response)
	b.correlator.ResolveAck(req.CorrelationID, req.Response)
	return nil
}

// ResolveCorrelatedAck is invoked by the transport layer when a
// worker-originated ACK envelope (matched by correlation id) needs to
// finalize an in-flight correlated delivery.
func (b *Broker) ResolveCorrelatedAck(target, correlationID string, ack any) bool {
	b.mu.Lock()
	la, ok := b.live[target]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return la.engine.ResolveCorrelatedAck(correlationID, ack)
}

// AbandonCorrelatedAck stops tracking a pending correlated delivery after
// its correlation timed out, per spec.md §4.7.
func (b *Broker) AbandonCorrelatedAck(target, correlationID string) {
	b.mu.Lock()
	la, ok := b.live[target]
	b.mu.Unlock()
	if ok {
		la.engine.AbandonCorrelated(correlationID)
	}
}

// CancelConnection fails every sync correlation owned by connectionID,
// used on disconnect (spec.md §4.2).
func (b *Broker) CancelConnection(connectionID string) {
	b.correlator.CancelConnection(connectionID)
	b.limiter.Release(connectionID)
}

// Registry exposes the registry for read-only transport-layer lookups
// (e.g. validating send_input's target exists before writing).
func (b *Broker) Registry() *registry.Registry { return b.registry }
