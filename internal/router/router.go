// Package router resolves a send request's target selector into concrete
// recipients and enforces the owner-chain-or-shared-channel ACL, the
// generalization of the teacher's room/topic fan-out (session.Hub.Broadcast,
// which always addressed "everyone in the room") to named/targeted/broadcast
// selectors with a permission check per recipient.
package router

import (
	"errors"

	"github.com/adred-codev/agentbroker/internal/eventbus"
	"github.com/adred-codev/agentbroker/internal/protocol"
	"github.com/adred-codev/agentbroker/internal/registry"
)

// ErrUnknownTarget is returned when an exact agent-name target does not
// resolve to a registered agent.
var ErrUnknownTarget = errors.New("unknown_target")

// Resolution is the outcome of resolving one send request: the recipients
// permitted to receive it, plus any recipients denied by ACL (still
// reported so callers can decide whether to surface a partial failure).
type Resolution struct {
	Allowed []string
	Denied  []string
}

// Router resolves send targets against the registry's agent table and
// channel index.
type Router struct {
	reg *registry.Registry
	bus *eventbus.Bus
}

// New builds a Router over reg, publishing acl_denied events to bus.
func New(reg *registry.Registry, bus *eventbus.Bus) *Router {
	return &Router{reg: reg, bus: bus}
}

// Resolve expands target (an exact agent name, "#channel", or "*") into a
// deterministically ordered recipient set excluding sender, then applies
// the ACL check to each candidate.
func (r *Router) Resolve(sender, target string) (Resolution, error) {
	candidates, err := r.candidates(sender, target)
	if err != nil {
		return Resolution{}, err
	}

	var res Resolution
	ownerChain := r.reg.OwnerChain(sender)
	for _, name := range candidates {
		if r.permitted(sender, name, ownerChain) {
			res.Allowed = append(res.Allowed, name)
			continue
		}
		res.Denied = append(res.Denied, name)
		r.publishDenied(name, sender, ownerChain)
	}
	return res, nil
}

func (r *Router) candidates(sender, target string) ([]string, error) {
	switch {
	case target == "*":
		var out []string
		for _, a := range r.reg.List() {
			if a.Name != sender {
				out = append(out, a.Name)
			}
		}
		return out, nil

	case len(target) > 0 && target[0] == '#':
		members := r.reg.Members(target)
		out := make([]string, 0, len(members))
		for _, m := range members {
			if m != sender {
				out = append(out, m)
			}
		}
		return out, nil

	default:
		if _, ok := r.reg.Get(target); !ok {
			return nil, ErrUnknownTarget
		}
		return []string{target}, nil
	}
}

// permitted implements spec.md §4.5's ACL union: a sender may reach a
// target whose owner chain includes the sender (the sender spawned it,
// directly or transitively), or the sender's own owner chain includes the
// target (the target spawned the sender, directly or transitively), or
// sender and target share a subscribed channel.
func (r *Router) permitted(sender, target string, senderOwnerChain []string) bool {
	if sender == target {
		return true
	}

	targetOwnerChain := r.reg.OwnerChain(target)
	if containsName(targetOwnerChain, sender) {
		return true
	}
	if containsName(senderOwnerChain, target) {
		return true
	}

	senderChannels := channelSet(r.reg, sender)
	for _, ch := range channelsOf(r.reg, target) {
		if senderChannels[ch] {
			return true
		}
	}
	return false
}

func channelSet(reg *registry.Registry, name string) map[string]bool {
	a, ok := reg.Get(name)
	if !ok {
		return nil
	}
	set := make(map[string]bool)
	for _, ch := range a.Channels() {
		set[ch] = true
	}
	return set
}

func channelsOf(reg *registry.Registry, name string) []string {
	a, ok := reg.Get(name)
	if !ok {
		return nil
	}
	return a.Channels()
}

func containsName(chain []string, name string) bool {
	for _, n := range chain {
		if n == name {
			return true
		}
	}
	return false
}

func (r *Router) publishDenied(target, sender string, ownerChain []string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(protocol.Event{
		Kind:       protocol.EventACLDenied,
		Name:       target,
		Sender:     sender,
		OwnerChain: ownerChain,
	})
}
