package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpgateway/gateway/internal/acp"
)

// spawnCat returns a SpawnFunc that launches `cat` as a stand-in
// subprocess — enough to exercise slot lifecycle and Kill without
// depending on a real agent-CLI binary being present.
func spawnCat(t *testing.T) SpawnFunc {
	t.Helper()
	return func(ctx context.Context, userID, topicID int64) (*acp.Client, error) {
		return acp.NewClient("cat", nil, "", nil, nil)
	}
}

func newTestPool(t *testing.T, max int) *Pool {
	t.Helper()
	p := New(max, time.Hour, spawnCat(t), nil)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(p.Shutdown)
	return p
}

func TestAcquireReusesAffinityWhenIdle(t *testing.T) {
	p := newTestPool(t, 2)

	slot1, sig1, enqueue := p.Acquire(1, 100)
	require.False(t, enqueue)
	require.NotNil(t, slot1)
	require.NotNil(t, sig1)
	p.Release(slot1.ID)

	slot2, _, enqueue := p.Acquire(1, 100)
	require.False(t, enqueue)
	assert.Equal(t, slot1.ID, slot2.ID, "same (user,topic) should be routed back to the same warm slot")
}

func TestAcquireBusyAffinityCancelsAndAsksToEnqueue(t *testing.T) {
	p := newTestPool(t, 2)

	slot, sig, enqueue := p.Acquire(1, 100)
	require.False(t, enqueue)
	require.NotNil(t, slot)

	_, sig2, enqueue2 := p.Acquire(1, 100)
	assert.True(t, enqueue2)
	assert.Nil(t, sig2)
	assert.True(t, sig.IsSet(), "the in-flight turn for the same topic should be cancelled")
}

func TestAcquireSharesSlotAcrossTopicsOfSameUser(t *testing.T) {
	p := newTestPool(t, 1)

	slot, _, enqueue := p.Acquire(1, 100)
	require.False(t, enqueue)
	p.Release(slot.ID)

	// Same user, a different topic: Phase B reassigns the idle slot and
	// moves its sticky topic to 200, but the earlier affinity entry for
	// topic 100 is left in place per spec.md §4.2.
	slot2, _, enqueue2 := p.Acquire(1, 200)
	require.False(t, enqueue2)
	require.Equal(t, slot.ID, slot2.ID)
	p.Release(slot2.ID)

	// Looking the first topic back up must still find the same slot, not
	// treat the stale TopicID as grounds to erase the affinity entry and
	// spawn (or enqueue for) a brand new one.
	slot3, sig3, enqueue3 := p.Acquire(1, 100)
	require.False(t, enqueue3, "an idle affinity hit for an older topic of the same user must reuse the slot, not fall through to enqueue")
	require.NotNil(t, sig3)
	assert.Equal(t, slot.ID, slot3.ID)
}

func TestAcquireSpawnsPlaceholderUnderCapacity(t *testing.T) {
	p := newTestPool(t, 2)

	// Slot 0 is already busy-occupied by the other user; a second,
	// distinct (user,topic) should get a fresh placeholder slot.
	_, _, enqueue := p.Acquire(1, 100)
	require.False(t, enqueue)

	slot2, _, enqueue2 := p.Acquire(2, 200)
	require.False(t, enqueue2)
	require.NotNil(t, slot2)
	assert.Nil(t, slot2.Client, "a brand new slot beyond the first is a placeholder until the caller spawns it")
}

func TestAcquireAtCapacityAsksToEnqueue(t *testing.T) {
	p := newTestPool(t, 1)

	_, _, enqueue := p.Acquire(1, 100)
	require.False(t, enqueue)

	_, sig, enqueue2 := p.Acquire(2, 200)
	assert.True(t, enqueue2)
	assert.Nil(t, sig)
}

func TestReleaseAndDequeuePrefersOwnTopicContinuity(t *testing.T) {
	p := newTestPool(t, 1)

	slot, _, _ := p.Acquire(1, 100)
	p.Queue().Enqueue(&QueuedRequest{UserID: 1, TopicID: 100, Text: "second message", EnqueuedAt: time.Now()})
	p.Queue().Enqueue(&QueuedRequest{UserID: 2, TopicID: 200, Text: "other user", EnqueuedAt: time.Now()})

	req, sig := p.ReleaseAndDequeue(slot.ID)
	require.NotNil(t, req)
	require.NotNil(t, sig)
	assert.Equal(t, int64(100), req.TopicID, "the slot's own sticky topic should win over plain FIFO order")
}

func TestReleaseAndDequeuePrefersAffinityMatchOverOlderFIFOEntry(t *testing.T) {
	p := newTestPool(t, 1)

	slot, _, _ := p.Acquire(1, 100)
	p.Release(slot.ID)
	slot2, _, _ := p.Acquire(1, 200) // same slot, now carries affinity for both 100 and 200
	require.Equal(t, slot.ID, slot2.ID)

	// An older, unrelated request sits at the front of the queue; a
	// request for this slot's other affinity-bound topic arrives after it.
	p.Queue().Enqueue(&QueuedRequest{UserID: 2, TopicID: 300, Text: "unrelated older", EnqueuedAt: time.Now()})
	p.Queue().Enqueue(&QueuedRequest{UserID: 1, TopicID: 100, Text: "affinity-bound to this slot", EnqueuedAt: time.Now()})

	req, sig := p.ReleaseAndDequeue(slot2.ID)
	require.NotNil(t, req, "an affinity-bound request must be drained even when an older FIFO entry for a different user is queued ahead of it")
	require.NotNil(t, sig)
	assert.Equal(t, int64(100), req.TopicID)

	assert.Equal(t, 1, p.Queue().Len(), "the unrelated request must remain queued, not be dropped")
}

func TestReleaseAndDequeueRequeuesWrongUser(t *testing.T) {
	p := newTestPool(t, 1)

	slot, _, _ := p.Acquire(1, 100)
	p.Queue().Enqueue(&QueuedRequest{UserID: 2, TopicID: 200, Text: "other user", EnqueuedAt: time.Now()})

	req, sig := p.ReleaseAndDequeue(slot.ID)
	assert.Nil(t, req)
	assert.Nil(t, sig)
	assert.Equal(t, 1, p.Queue().Len(), "a request for a different user must be put back, not dropped")
}

func TestReleaseAndDequeueEmptyQueueReturnsNil(t *testing.T) {
	p := newTestPool(t, 1)
	slot, _, _ := p.Acquire(1, 100)
	req, sig := p.ReleaseAndDequeue(slot.ID)
	assert.Nil(t, req)
	assert.Nil(t, sig)
}

func TestReaperNeverReapsLastSlot(t *testing.T) {
	p := New(1, 10*time.Millisecond, spawnCat(t), nil)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown()

	time.Sleep(50 * time.Millisecond)
	p.reapIdle()

	p.mu.Lock()
	count := len(p.slots)
	p.mu.Unlock()
	assert.Equal(t, 1, count, "the only slot must never be reaped")
}
