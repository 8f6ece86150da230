package registry

import "testing"

func TestSpawnDuplicateRejected(t *testing.T) {
	r := New()
	a := NewAgent("alice", "pty", "cat", nil, "", "", 20, nil)
	if err := r.Spawn(a); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}

	b := NewAgent("alice", "pty", "cat", nil, "", "", 20, nil)
	if err := r.Spawn(b); err != ErrAgentExists {
		t.Fatalf("got %v, want ErrAgentExists", err)
	}
}

func TestSpawnReleaseReturnsToPreSpawnState(t *testing.T) {
	r := New()
	a := NewAgent("alice", "pty", "cat", nil, "", "", 20, []string{"team"})
	if err := r.Spawn(a); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if got := r.Members("team"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("got members %v, want [alice]", got)
	}

	if _, err := r.Release("alice"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if r.Count() != 0 {
		t.Fatalf("expected registry empty after release, got %d", r.Count())
	}
	if got := r.Members("team"); len(got) != 0 {
		t.Fatalf("expected empty channel after release, got %v", got)
	}
}

func TestReleasedNameIsReusable(t *testing.T) {
	r := New()
	a := NewAgent("alice", "pty", "cat", nil, "", "", 20, nil)
	if err := r.Spawn(a); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := r.Release("alice"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	b := NewAgent("alice", "pty", "cat", nil, "", "", 20, nil)
	if err := r.Spawn(b); err != nil {
		t.Fatalf("expected reused name to spawn cleanly, got %v", err)
	}
}

func TestOwnerChainWalksParents(t *testing.T) {
	r := New()
	root := NewAgent("root", "pty", "cat", nil, "", "", 20, nil)
	child := NewAgent("child", "pty", "cat", nil, "", "root", 20, nil)
	grandchild := NewAgent("grandchild", "pty", "cat", nil, "", "child", 20, nil)

	for _, a := range []*Agent{root, child, grandchild} {
		if err := r.Spawn(a); err != nil {
			t.Fatalf("Spawn %s: %v", a.Name, err)
		}
	}

	chain := r.OwnerChain("grandchild")
	if len(chain) != 2 || chain[0] != "child" || chain[1] != "root" {
		t.Fatalf("got chain %v, want [child root]", chain)
	}
}

func TestChannelFanOutDeterministicOrder(t *testing.T) {
	r := New()
	names := []string{"a", "b", "c"}
	for _, n := range names {
		if err := r.Spawn(NewAgent(n, "pty", "cat", nil, "", "", 20, []string{"team"})); err != nil {
			t.Fatalf("Spawn %s: %v", n, err)
		}
	}

	members := r.Members("team")
	for i, n := range names {
		if members[i] != n {
			t.Fatalf("members[%d] = %s, want %s", i, members[i], n)
		}
	}
}
