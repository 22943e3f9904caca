package router

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// QueueHandoffDelay is a brief pause before processing a queued request on
// a reused slot, giving the agent-CLI process time to flush residual I/O
// from the previous turn before a new session is loaded on top of it. This
// is unrelated to the chunk-loss race internal/acp.Client.pumpPrompt
// guards against — it addresses the agent-CLI's own lock-release timing.
const QueueHandoffDelay = 100 * time.Millisecond

// HandoffRegistry tracks the background goroutines that process queued
// requests handed off by pool.ReleaseAndDequeue, so shutdown can wait for
// them to finish instead of killing an in-progress turn.
type HandoffRegistry struct {
	g errgroup.Group
}

func NewHandoffRegistry() *HandoffRegistry {
	return &HandoffRegistry{}
}

// Spawn runs fn in the background, tracked by Wait.
func (h *HandoffRegistry) Spawn(fn func() error) {
	h.g.Go(fn)
}

// Wait blocks until every spawned task has returned.
func (h *HandoffRegistry) Wait() error {
	return h.g.Wait()
}
