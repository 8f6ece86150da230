// Package resource adapts the teacher's static-limits ResourceGuard
// (src/resource_guard.go) from gating inbound network connections to
// gating spawn_agent under CPU pressure, per SPEC_FULL.md §4.10: a live
// CPU sample backstops the static max-agents counter in spec.md §5.
package resource

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// Config bounds the guard's thresholds.
type Config struct {
	MaxAgents        int
	CPURejectPercent float64 // spawn_agent refused above this CPU usage
	SampleInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAgents == 0 {
		c.MaxAgents = 64
	}
	if c.CPURejectPercent == 0 {
		c.CPURejectPercent = 90
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = 15 * time.Second
	}
	return c
}

// Guard samples host CPU usage and tracks active agent count to decide
// whether spawn_agent should be accepted.
type Guard struct {
	cfg    Config
	logger *zap.Logger

	currentCPU   atomic.Uint64 // float64 bits
	activeAgents atomic.Int64
}

// New builds a Guard; call Start to begin periodic CPU sampling.
func New(cfg Config, logger *zap.Logger) *Guard {
	return &Guard{cfg: cfg.withDefaults(), logger: logger}
}

// Start begins periodic CPU sampling until ctx is cancelled.
func (g *Guard) Start(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *Guard) sample() {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("cpu sample failed", zap.Error(err))
		}
		return
	}
	if len(percents) == 0 {
		return
	}
	g.storeCPU(percents[0])
}

func (g *Guard) storeCPU(pct float64) {
	g.currentCPU.Store(math.Float64bits(pct))
}

// CurrentCPU returns the most recently sampled CPU usage percentage.
func (g *Guard) CurrentCPU() float64 {
	return math.Float64frombits(g.currentCPU.Load())
}

// AgentSpawned/AgentReleased keep the live agent count in sync with the
// registry so ShouldAcceptSpawn can enforce MaxAgents without querying
// the registry directly (the guard has no registry dependency).
func (g *Guard) AgentSpawned()  { g.activeAgents.Add(1) }
func (g *Guard) AgentReleased() { g.activeAgents.Add(-1) }

// ShouldAcceptSpawn reports whether a spawn_agent request should proceed,
// and a reason string when it should not.
func (g *Guard) ShouldAcceptSpawn() (accept bool, reason string) {
	if current := g.activeAgents.Load(); current >= int64(g.cfg.MaxAgents) {
		return false, "max_agents"
	}
	if cpuPct := g.CurrentCPU(); cpuPct > g.cfg.CPURejectPercent {
		return false, "cpu_overload"
	}
	if n := runtime.NumGoroutine(); n > g.cfg.MaxAgents*64 {
		return false, "goroutine_limit"
	}
	return true, ""
}
