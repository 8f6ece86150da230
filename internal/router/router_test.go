package router

import (
	"testing"
	"time"

	"github.com/adred-codev/agentbroker/internal/eventbus"
	"github.com/adred-codev/agentbroker/internal/registry"
)

func spawn(t *testing.T, reg *registry.Registry, name, parent string, channels ...string) {
	t.Helper()
	a := registry.NewAgent(name, "headless", "true", nil, "", parent, 0, channels)
	if err := reg.Spawn(a); err != nil {
		t.Fatalf("spawn %s: %v", name, err)
	}
}

func TestResolveExactTarget(t *testing.T) {
	reg := registry.New()
	spawn(t, reg, "root", "")
	spawn(t, reg, "child", "root")

	r := New(reg, nil)
	res, err := r.Resolve("root", "child")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Allowed) != 1 || res.Allowed[0] != "child" {
		t.Fatalf("expected [child] allowed, got %+v", res)
	}
}

func TestResolveUnknownTarget(t *testing.T) {
	reg := registry.New()
	spawn(t, reg, "root", "")

	r := New(reg, nil)
	if _, err := r.Resolve("root", "ghost"); err != ErrUnknownTarget {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestResolveChannelExcludesSender(t *testing.T) {
	reg := registry.New()
	spawn(t, reg, "root", "")
	spawn(t, reg, "a", "root", "#team")
	spawn(t, reg, "b", "root", "#team")

	r := New(reg, nil)
	res, err := r.Resolve("a", "#team")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Allowed) != 1 || res.Allowed[0] != "b" {
		t.Fatalf("expected [b], got %+v", res)
	}
}

func TestResolveEmptyChannelSucceedsWithNoTargets(t *testing.T) {
	reg := registry.New()
	spawn(t, reg, "root", "")

	r := New(reg, nil)
	res, err := r.Resolve("root", "#empty")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Allowed) != 0 || len(res.Denied) != 0 {
		t.Fatalf("expected no recipients, got %+v", res)
	}
}

func TestResolveBroadcastExcludesSender(t *testing.T) {
	reg := registry.New()
	spawn(t, reg, "root", "")
	spawn(t, reg, "a", "root")
	spawn(t, reg, "b", "root")

	r := New(reg, nil)
	res, err := r.Resolve("a", "*")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Allowed) != 2 {
		t.Fatalf("expected 2 recipients, got %+v", res)
	}
}

func TestACLDeniesUnrelatedAgent(t *testing.T) {
	reg := registry.New()
	spawn(t, reg, "root1", "")
	spawn(t, reg, "root2", "")
	spawn(t, reg, "child1", "root1")

	r := New(reg, nil)
	res, err := r.Resolve("root2", "child1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Allowed) != 0 {
		t.Fatalf("expected no allowed recipients, got %+v", res)
	}
	if len(res.Denied) != 1 || res.Denied[0] != "child1" {
		t.Fatalf("expected child1 denied, got %+v", res)
	}
}

func TestACLAllowsChildToReachOwner(t *testing.T) {
	reg := registry.New()
	spawn(t, reg, "root", "")
	spawn(t, reg, "child", "root")

	r := New(reg, nil)
	res, err := r.Resolve("child", "root")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Allowed) != 1 || res.Allowed[0] != "root" {
		t.Fatalf("expected root allowed via reverse owner chain, got %+v", res)
	}
}

func TestACLAllowsSharedChannelWithoutOwnerRelation(t *testing.T) {
	reg := registry.New()
	spawn(t, reg, "root1", "")
	spawn(t, reg, "root2", "")
	spawn(t, reg, "a", "root1", "#shared")
	spawn(t, reg, "b", "root2", "#shared")

	r := New(reg, nil)
	res, err := r.Resolve("a", "b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Allowed) != 1 || res.Allowed[0] != "b" {
		t.Fatalf("expected b allowed via shared channel, got %+v", res)
	}
}

func TestACLDeniedPublishesEvent(t *testing.T) {
	reg := registry.New()
	spawn(t, reg, "root1", "")
	spawn(t, reg, "root2", "")
	spawn(t, reg, "child1", "root1")

	bus := eventbus.New(8, nil, nil)
	sub := bus.Subscribe("watcher")
	defer bus.Unsubscribe("watcher")

	r := New(reg, bus)
	if _, err := r.Resolve("root2", "child1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Name != "child1" || ev.Sender != "root2" {
			t.Fatalf("unexpected acl_denied event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for acl_denied event")
	}
}
