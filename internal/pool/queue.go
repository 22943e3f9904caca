package pool

import (
	"sync"
	"time"
)

// QueuedRequest is a conversation turn waiting for a free process slot.
type QueuedRequest struct {
	UserID        int64
	TopicID       int64
	ChatID        int64
	Text          string
	Attachments   []string
	WorkspacePath string
	EnqueuedAt    time.Time
}

// RequestQueue is a FIFO of QueuedRequest keyed by TopicID. Re-enqueuing an
// existing topic replaces its pending request in place without changing
// its position in line — a user editing or resending while already queued
// doesn't let them cut ahead of, or fall behind, their own prior spot.
type RequestQueue struct {
	mu      sync.Mutex
	order   []int64
	byTopic map[int64]*QueuedRequest
}

// NewRequestQueue returns an empty queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{byTopic: make(map[int64]*QueuedRequest)}
}

// Enqueue adds req, or replaces the pending request for the same topic
// while preserving that topic's position in the order.
func (q *RequestQueue) Enqueue(req *QueuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byTopic[req.TopicID]; !exists {
		q.order = append(q.order, req.TopicID)
	}
	q.byTopic[req.TopicID] = req
}

// DequeueByTopic removes and returns the pending request for topicID, if
// any, preserving the relative order of the rest of the queue.
func (q *RequestQueue) DequeueByTopic(topicID int64) (*QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byTopic[topicID]
	if !ok {
		return nil, false
	}
	delete(q.byTopic, topicID)
	q.removeFromOrderLocked(topicID)
	return req, true
}

// DequeueFront removes and returns the oldest pending request.
func (q *RequestQueue) DequeueFront() (*QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		topicID := q.order[0]
		q.order = q.order[1:]
		if req, ok := q.byTopic[topicID]; ok {
			delete(q.byTopic, topicID)
			return req, true
		}
	}
	return nil, false
}

// DequeueFirstMatching removes and returns the first pending request (in
// FIFO order) for which pred returns true, or false if none match.
func (q *RequestQueue) DequeueFirstMatching(pred func(*QueuedRequest) bool) (*QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, topicID := range q.order {
		req, ok := q.byTopic[topicID]
		if !ok || !pred(req) {
			continue
		}
		delete(q.byTopic, topicID)
		q.order = append(q.order[:i], q.order[i+1:]...)
		return req, true
	}
	return nil, false
}

// RequeueFront puts req back at the front of the queue, for the
// requeue-if-wrong-user case in Pool.ReleaseAndDequeue.
func (q *RequestQueue) RequeueFront(req *QueuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = append([]int64{req.TopicID}, q.order...)
	q.byTopic[req.TopicID] = req
}

// Len returns the number of distinct pending topics.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byTopic)
}

func (q *RequestQueue) removeFromOrderLocked(topicID int64) {
	for i, id := range q.order {
		if id == topicID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
