package security

import (
	"fmt"
	"runtime"
	"sync"
)

// MemoryGuard enforces an advisory per-agent memory budget. The process has
// no per-goroutine accounting, so the guard compares total heap allocation
// against budget × active agents: a best-effort resource check, not a
// sandbox.
type MemoryGuard struct {
	perAgentBytes uint64

	mu       sync.Mutex
	readStat func() uint64
}

// NewMemoryGuard creates a guard with the given per-agent budget in bytes.
// A zero budget disables the check.
func NewMemoryGuard(perAgentBytes int64) *MemoryGuard {
	g := &MemoryGuard{readStat: heapAlloc}
	if perAgentBytes > 0 {
		g.perAgentBytes = uint64(perAgentBytes)
	}
	return g
}

// Check returns an error when current heap usage exceeds the budget for the
// given number of active agents. Callers treat the error as advisory.
func (g *MemoryGuard) Check(activeAgents int) error {
	if g.perAgentBytes == 0 || activeAgents <= 0 {
		return nil
	}

	g.mu.Lock()
	alloc := g.readStat()
	g.mu.Unlock()

	budget := g.perAgentBytes * uint64(activeAgents)
	if alloc > budget {
		return fmt.Errorf("heap usage %d bytes exceeds advisory budget %d bytes for %d agents",
			alloc, budget, activeAgents)
	}
	return nil
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
