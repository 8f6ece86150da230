// Package registry owns the agent table and channel-membership index, the
// two structures spec.md §4.4 requires to be mutated through a single
// serialized owner. It generalizes the teacher's shard-plus-mutex
// discipline (session.Hub's sync.Map-guarded shards) to one lock, because
// the ACL owner-chain check (router package) must observe registry and
// channel state as a single consistent snapshot — something independently
// locked shards cannot guarantee.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/agentbroker/internal/runtime"
)

// State is an agent's position in its lifecycle state machine
// (spec.md §4.9).
type State string

const (
	StateSpawning  State = "spawning"
	StateReady     State = "ready"
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateReleasing State = "releasing"
	StateReleased  State = "released"
	StateExited    State = "exited"
)

// Agent is a named runtime instance under broker control.
type Agent struct {
	Name        string
	Runtime     string
	CLI         string
	Args        []string
	WorkDir     string
	Parent      string
	IdleThresholdSecs int
	PID         int
	Worker      runtime.Handle

	mu           sync.Mutex
	channels     []string // insertion order, for deterministic fan-out
	state        State
	lastActivity time.Time
}

// NewAgent constructs an Agent in the pre-spawn state. channels seeds the
// agent's initial subscription set in the given order.
func NewAgent(name, kind, cli string, args []string, workDir, parent string, idleSecs int, channels []string) *Agent {
	chCopy := make([]string, len(channels))
	copy(chCopy, channels)
	return &Agent{
		Name:              name,
		Runtime:           kind,
		CLI:               cli,
		Args:              args,
		WorkDir:           workDir,
		Parent:            parent,
		IdleThresholdSecs: idleSecs,
		channels:          chCopy,
	}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Channels returns a copy of the agent's subscribed channel names in
// insertion order.
func (a *Agent) Channels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.channels))
	copy(out, a.channels)
	return out
}

func (a *Agent) touchActivity() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// LastActivity returns the last time output was observed for this agent.
func (a *Agent) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

var (
	ErrAgentExists   = errors.New("agent_exists")
	ErrUnknownAgent  = errors.New("unknown_agent")
)

// Registry maps agent names to their worker handles and maintains the
// channel-membership index. All mutating methods take the single
// registry mutex so the invariants in spec.md §3 ("Invariants") hold
// across both indices at once.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	channels map[string][]string // channel name -> member names, insertion order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents:   make(map[string]*Agent),
		channels: make(map[string][]string),
	}
}

// Spawn registers a new agent. Returns ErrAgentExists if the name is
// still registered, including by an exited agent that has not yet been
// released.
func (r *Registry) Spawn(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[a.Name]; ok && existing.State() != StateReleased {
		return ErrAgentExists
	}

	a.state = StateSpawning
	a.lastActivity = time.Now()
	r.agents[a.Name] = a

	for _, ch := range a.channels {
		r.joinLocked(ch, a.Name)
	}
	return nil
}

// MarkReady transitions a spawned agent into the ready state.
func (r *Registry) MarkReady(name string) {
	if a, ok := r.Get(name); ok {
		a.setState(StateReady)
	}
}

// MarkActive/MarkIdle/Touch update liveness bookkeeping used by the idle
// detector (spec.md §4.3).
func (r *Registry) MarkActive(name string) {
	if a, ok := r.Get(name); ok {
		a.setState(StateActive)
		a.touchActivity()
	}
}

func (r *Registry) MarkIdle(name string) {
	if a, ok := r.Get(name); ok {
		a.setState(StateIdle)
	}
}

// MarkExited transitions an agent to its terminal exited state. The name
// remains reserved until Release is called, matching spec.md's invariant
// that agent_exited is emitted before any later agent_spawned for the
// reused name (Release is what actually frees the name for reuse).
func (r *Registry) MarkExited(name string) {
	if a, ok := r.Get(name); ok {
		a.setState(StateExited)
	}
}

// Release removes an agent and its channel memberships, freeing its name
// for reuse. Returns ErrUnknownAgent if name is not registered.
func (r *Registry) Release(name string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, ErrUnknownAgent
	}
	a.setState(StateReleasing)

	for _, ch := range a.Channels() {
		r.leaveLocked(ch, name)
	}
	delete(r.agents, name)
	a.setState(StateReleased)
	return a, nil
}

// Get returns the named agent, if registered.
func (r *Registry) Get(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// List returns all registered agents sorted by name, for deterministic
// list_agents/get_status responses.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count reports the number of currently registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Join adds name to channel's membership set (no-op if already a member).
func (r *Registry) Join(channel, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinLocked(channel, name)
	if a, ok := r.agents[name]; ok {
		a.mu.Lock()
		if !contains(a.channels, channel) {
			a.channels = append(a.channels, channel)
		}
		a.mu.Unlock()
	}
}

// Leave removes name from channel's membership set; the channel itself is
// destroyed once empty (spec.md §3).
func (r *Registry) Leave(channel, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(channel, name)
	if a, ok := r.agents[name]; ok {
		a.mu.Lock()
		a.channels = remove(a.channels, channel)
		a.mu.Unlock()
	}
}

// Members returns channel's subscribed agent names in insertion order.
func (r *Registry) Members(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.channels[channel]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// OwnerChain walks the parent relation for name, returning the chain from
// immediate parent up to the root spawner (spec.md §4.5 ACL).
func (r *Registry) OwnerChain(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chain []string
	seen := map[string]bool{name: true}
	cur := name
	for {
		a, ok := r.agents[cur]
		if !ok || a.Parent == "" || seen[a.Parent] {
			break
		}
		chain = append(chain, a.Parent)
		seen[a.Parent] = true
		cur = a.Parent
	}
	return chain
}

func (r *Registry) joinLocked(channel, name string) {
	members := r.channels[channel]
	if !contains(members, name) {
		r.channels[channel] = append(members, name)
	}
}

func (r *Registry) leaveLocked(channel, name string) {
	members := remove(r.channels[channel], name)
	if len(members) == 0 {
		delete(r.channels, channel)
		return
	}
	r.channels[channel] = members
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func remove(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
