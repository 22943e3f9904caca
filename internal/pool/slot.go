// Package pool implements the process pool that multiplexes agent-CLI
// subprocesses across conversations: slot lifecycle, user/topic affinity,
// the request queue, and the in-flight cancel-signal tracker.
package pool

import (
	"time"

	"github.com/acpgateway/gateway/internal/acp"
)

// SlotState is the lifecycle state of a ProcessSlot.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotBusy
)

// ProcessSlot is one agent-CLI subprocess and the conversation currently
// bound to it. A slot keeps its UserID/TopicID/SessionID after Release so
// that a follow-up message from the same conversation can be routed back
// to the same warm process (affinity), rather than losing its place in
// line to whichever slot happens to be idle.
type ProcessSlot struct {
	ID         int
	Client     *acp.Client
	UserID     int64
	TopicID    int64
	SessionID  string
	State      SlotState
	LastUsedAt time.Time
}
