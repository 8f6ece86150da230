package resource

import "testing"

func TestShouldAcceptSpawnWithinLimits(t *testing.T) {
	g := New(Config{MaxAgents: 2, CPURejectPercent: 90}, nil)

	accept, reason := g.ShouldAcceptSpawn()
	if !accept {
		t.Fatalf("expected accept, got reason %q", reason)
	}
}

func TestShouldAcceptSpawnRejectsAtMaxAgents(t *testing.T) {
	g := New(Config{MaxAgents: 1, CPURejectPercent: 90}, nil)
	g.AgentSpawned()

	accept, reason := g.ShouldAcceptSpawn()
	if accept {
		t.Fatalf("expected rejection at max agents")
	}
	if reason != "max_agents" {
		t.Fatalf("expected max_agents reason, got %q", reason)
	}
}

func TestShouldAcceptSpawnRejectsOnCPUPressure(t *testing.T) {
	g := New(Config{MaxAgents: 10, CPURejectPercent: 50}, nil)
	g.storeCPU(95.0)

	accept, reason := g.ShouldAcceptSpawn()
	if accept {
		t.Fatalf("expected rejection under CPU pressure")
	}
	if reason != "cpu_overload" {
		t.Fatalf("expected cpu_overload reason, got %q", reason)
	}
}

func TestAgentReleasedFreesSlot(t *testing.T) {
	g := New(Config{MaxAgents: 1}, nil)
	g.AgentSpawned()
	if accept, _ := g.ShouldAcceptSpawn(); accept {
		t.Fatalf("expected rejection before release")
	}
	g.AgentReleased()
	if accept, reason := g.ShouldAcceptSpawn(); !accept {
		t.Fatalf("expected accept after release, got reason %q", reason)
	}
}
