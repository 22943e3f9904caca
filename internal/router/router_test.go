package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpgateway/gateway/internal/config"
	"github.com/acpgateway/gateway/internal/pool"
	"github.com/acpgateway/gateway/internal/session"
)

type fakeReplier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeReplier) SendPlainMessage(ctx context.Context, chatID, topicID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeReplier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

func newTestRouter(t *testing.T, allowed map[int64]struct{}) (*Router, *fakeReplier, *session.MemoryStore) {
	t.Helper()
	reply := &fakeReplier{}
	store := session.NewMemoryStore()
	cfg := config.Config{AllowedTelegramIDs: allowed}
	r := New(&Context{Config: cfg, Store: store, Reply: reply})
	return r, reply, store
}

func TestHandleStartDeniesUnallowedUser(t *testing.T) {
	r, reply, _ := newTestRouter(t, map[int64]struct{}{})
	require.NoError(t, r.HandleStart(context.Background(), 42, 1, 100))
	assert.Contains(t, reply.last(), "Access restricted")
	assert.Contains(t, reply.last(), "42")
}

func TestHandleStartGreetsAllowedUser(t *testing.T) {
	r, reply, _ := newTestRouter(t, map[int64]struct{}{7: {}})
	require.NoError(t, r.HandleStart(context.Background(), 7, 1, 100))
	assert.NotContains(t, reply.last(), "Access restricted")
}

func TestHandleModelListsAvailableModelsWithCurrentMarked(t *testing.T) {
	r, reply, store := newTestRouter(t, map[int64]struct{}{7: {}})
	// SetModel only updates an existing record.
	require.NoError(t, store.Upsert(7, 100, "sess-1", "/ws/7/100"))
	require.NoError(t, store.SetModel(7, 100, "claude-sonnet-4.5"))

	require.NoError(t, r.HandleModel(context.Background(), 7, 1, 100, ""))
	out := reply.last()
	assert.True(t, strings.Contains(out, "✓ claude-sonnet-4.5"))
	assert.True(t, strings.Contains(out, "• auto"))
}

func TestHandleModelSetsKnownModel(t *testing.T) {
	r, reply, store := newTestRouter(t, map[int64]struct{}{7: {}})
	// SetModel only updates an existing record; with a record present,
	// HandleModel also asks the pool for a slot to apply the model on.
	require.NoError(t, store.Upsert(7, 100, "sess-1", "/ws/7/100"))
	r.ctx.Pool = pool.New(1, time.Hour, nil, nil)

	require.NoError(t, r.HandleModel(context.Background(), 7, 1, 100, "claude-opus-4.6"))
	assert.Contains(t, reply.last(), "Model set to claude-opus-4.6")

	got, err := store.GetModel(7, 100)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4.6", got)
}

func TestHandleModelRejectsUnknownModel(t *testing.T) {
	r, reply, _ := newTestRouter(t, map[int64]struct{}{7: {}})

	require.NoError(t, r.HandleModel(context.Background(), 7, 1, 100, "gpt-nonexistent"))
	assert.Contains(t, reply.last(), "Unknown model")
}

func TestHandleModelDeniesUnallowedUser(t *testing.T) {
	r, reply, _ := newTestRouter(t, map[int64]struct{}{})
	require.NoError(t, r.HandleModel(context.Background(), 99, 1, 100, "auto"))
	assert.Contains(t, reply.last(), "Access restricted")
}

func TestPromptBlocksIncludesFileReferencesBeforeText(t *testing.T) {
	blocks := promptBlocks(ProcessRequest{Text: "look at this", FilePaths: []string{"/ws/a.png"}})
	require.Len(t, blocks, 2)
	assert.Contains(t, blocks[0].Text, "/ws/a.png")
	assert.Equal(t, "look at this", blocks[1].Text)
}

func TestPromptBlocksTextOnly(t *testing.T) {
	blocks := promptBlocks(ProcessRequest{Text: "hello"})
	require.Len(t, blocks, 1)
	assert.Equal(t, "hello", blocks[0].Text)
}
