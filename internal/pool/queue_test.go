package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewRequestQueue()
	q.Enqueue(&QueuedRequest{TopicID: 1, Text: "a", EnqueuedAt: time.Now()})
	q.Enqueue(&QueuedRequest{TopicID: 2, Text: "b", EnqueuedAt: time.Now()})

	first, ok := q.DequeueFront()
	require.True(t, ok)
	assert.Equal(t, int64(1), first.TopicID)

	second, ok := q.DequeueFront()
	require.True(t, ok)
	assert.Equal(t, int64(2), second.TopicID)

	_, ok = q.DequeueFront()
	assert.False(t, ok)
}

func TestQueueReEnqueueSameTopicKeepsPosition(t *testing.T) {
	q := NewRequestQueue()
	q.Enqueue(&QueuedRequest{TopicID: 1, Text: "first"})
	q.Enqueue(&QueuedRequest{TopicID: 2, Text: "other"})
	q.Enqueue(&QueuedRequest{TopicID: 1, Text: "replacement"})

	assert.Equal(t, 2, q.Len())

	first, ok := q.DequeueFront()
	require.True(t, ok)
	assert.Equal(t, int64(1), first.TopicID)
	assert.Equal(t, "replacement", first.Text, "re-enqueuing a topic replaces the value, not the position")
}

func TestQueueDequeueByTopicPreservesOrderOfRest(t *testing.T) {
	q := NewRequestQueue()
	q.Enqueue(&QueuedRequest{TopicID: 1})
	q.Enqueue(&QueuedRequest{TopicID: 2})
	q.Enqueue(&QueuedRequest{TopicID: 3})

	mid, ok := q.DequeueByTopic(2)
	require.True(t, ok)
	assert.Equal(t, int64(2), mid.TopicID)

	first, _ := q.DequeueFront()
	assert.Equal(t, int64(1), first.TopicID)
	second, _ := q.DequeueFront()
	assert.Equal(t, int64(3), second.TopicID)
}

func TestQueueRequeueFrontPutsItBackAtFront(t *testing.T) {
	q := NewRequestQueue()
	q.Enqueue(&QueuedRequest{TopicID: 1})
	q.Enqueue(&QueuedRequest{TopicID: 2})

	req, _ := q.DequeueFront()
	q.RequeueFront(req)

	front, _ := q.DequeueFront()
	assert.Equal(t, int64(1), front.TopicID)
}
