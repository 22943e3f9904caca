package acp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return &Client{
		pending:       make(map[int64]chan *jsonrpcResponse),
		notifications: make(chan *jsonrpcNotification, 16),
	}
}

func chunkNotification(text string) *jsonrpcNotification {
	params := SessionUpdateParams{
		SessionID: "sess-1",
		Update:    SessionUpdate{SessionUpdate: UpdateAgentMessageChunk, Content: &ContentBlock{Type: "text", Text: text}},
	}
	raw, _ := json.Marshal(params)
	var generic interface{}
	_ = json.Unmarshal(raw, &generic)
	return &jsonrpcNotification{JSONRPC: "2.0", Method: "session/update", Params: generic}
}

func promptResponse(stopReason string) *jsonrpcResponse {
	result, _ := json.Marshal(SessionPromptResult{StopReason: stopReason})
	return &jsonrpcResponse{JSONRPC: "2.0", ID: 1, Result: result}
}

func TestPumpPromptEmitsQueuedChunkBeforeTurnEnd(t *testing.T) {
	c := newTestClient()
	respCh := make(chan *jsonrpcResponse, 1)

	// The chunk is already sitting in the queue by the time the response
	// arrives — the naive "respond then stop" ordering would drop it.
	c.notifications <- chunkNotification("final words")
	respCh <- promptResponse("end_turn")

	out := make(chan Update, 8)
	c.pumpPrompt(context.Background(), respCh, out)

	var updates []Update
	for u := range out {
		updates = append(updates, u)
	}

	require.Len(t, updates, 2)
	assert.Equal(t, "final words", updates[0].Notification.Update.Content.Text)
	assert.True(t, updates[1].TurnEnd)
	assert.Equal(t, "end_turn", updates[1].StopReason)
}

func TestPumpPromptWaitsBoundedWindowForLateChunk(t *testing.T) {
	c := newTestClient()
	respCh := make(chan *jsonrpcResponse, 1)
	respCh <- promptResponse("end_turn")

	// Simulate a chunk that lands a few milliseconds after the response,
	// well inside turnEndQueueCheckTimeout — this is the exact race the
	// chunk-loss regression fix exists for.
	go func() {
		time.Sleep(turnEndQueueCheckTimeout / 4)
		c.notifications <- chunkNotification("trailing chunk")
	}()

	out := make(chan Update, 8)
	c.pumpPrompt(context.Background(), respCh, out)

	var sawChunk, sawTurnEnd bool
	var chunkBeforeEnd bool
	for u := range out {
		if u.Notification != nil {
			sawChunk = true
			if !sawTurnEnd {
				chunkBeforeEnd = true
			}
		}
		if u.TurnEnd {
			sawTurnEnd = true
		}
	}

	assert.True(t, sawChunk, "the late chunk must still be delivered")
	assert.True(t, sawTurnEnd)
	assert.True(t, chunkBeforeEnd, "TurnEnd must never precede a chunk belonging to the same turn")
}

func TestPumpPromptContextCancelEndsTurn(t *testing.T) {
	c := newTestClient()
	respCh := make(chan *jsonrpcResponse, 1) // never written to

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Update, 4)
	c.pumpPrompt(ctx, respCh, out)

	u, ok := <-out
	require.True(t, ok)
	assert.True(t, u.TurnEnd)
	assert.Equal(t, "cancelled", u.StopReason)

	_, ok = <-out
	assert.False(t, ok, "channel must be closed after the terminating update")
}

func TestClassifyLoadErrorStaleLockForDeadPID(t *testing.T) {
	err := &JSONRPCError{Message: "session is active in another process (PID 999999999)"}
	assert.Equal(t, StaleLock, classifyLoadError(err))
}

func TestClassifyLoadErrorOtherForUnrelatedMessage(t *testing.T) {
	err := &JSONRPCError{Message: "session not found"}
	assert.Equal(t, OtherError, classifyLoadError(err))
}
