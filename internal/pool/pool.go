package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acpgateway/gateway/internal/acp"
)

// SpawnFunc starts a new agent-CLI subprocess client for the given
// conversation's workspace. Called outside the pool's mutex so a slow
// subprocess start never blocks Acquire for every other conversation.
type SpawnFunc func(ctx context.Context, userID, topicID int64) (*acp.Client, error)

type affinityKey struct {
	userID  int64
	topicID int64
}

// Pool owns the set of process slots, the user/topic affinity map, the
// request queue, and the in-flight cancel-signal tracker. All slot and
// affinity state is guarded by a single mutex; it is never held across a
// subprocess spawn or a call into the messaging API.
type Pool struct {
	mu           sync.Mutex
	slots        map[int]*ProcessSlot
	nextSlotID   int
	affinity     map[affinityKey]int
	maxProcesses int
	idleTimeout  time.Duration

	queue    *RequestQueue
	inflight *InFlightTracker
	spawn    SpawnFunc
	log      *slog.Logger

	reaperStop chan struct{}
	reaperWG   sync.WaitGroup
}

// New constructs a Pool. Initialize must be called before use to spawn the
// first warm slot and start the idle reaper.
func New(maxProcesses int, idleTimeout time.Duration, spawn SpawnFunc, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		slots:        make(map[int]*ProcessSlot),
		affinity:     make(map[affinityKey]int),
		maxProcesses: maxProcesses,
		idleTimeout:  idleTimeout,
		queue:        NewRequestQueue(),
		inflight:     NewInFlightTracker(),
		spawn:        spawn,
		log:          log,
	}
}

// Queue exposes the pool's request queue to callers that need to enqueue a
// turn Acquire couldn't satisfy immediately.
func (p *Pool) Queue() *RequestQueue { return p.queue }

// Initialize spawns the pool's first slot so the reaper never has to
// consider an empty pool, then starts the reaper loop.
func (p *Pool) Initialize(ctx context.Context) error {
	client, err := p.spawn(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("pool: initial spawn: %w", err)
	}
	p.mu.Lock()
	id := p.nextSlotID
	p.nextSlotID++
	p.slots[id] = &ProcessSlot{ID: id, Client: client, State: SlotIdle, LastUsedAt: time.Now()}
	p.mu.Unlock()

	p.startReaper()
	return nil
}

// Shutdown stops the reaper and kills every slot's subprocess.
func (p *Pool) Shutdown() {
	if p.reaperStop != nil {
		close(p.reaperStop)
		p.reaperWG.Wait()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		if slot.Client != nil {
			slot.Client.Kill()
		}
	}
}

// Acquire implements the two-phase slot acquisition algorithm.
//
// Phase A looks up the (userID, topicID) affinity map. A stale entry
// (pointing at a slot that no longer exists) is dropped; an entry whose
// slot has since served another topic is kept. A live, idle affinity
// match is claimed immediately. A live, busy affinity match tells the
// caller to enqueue instead; if the busy slot is running a turn for this
// same topic, that turn is cancelled first (the newer message supersedes
// it).
//
// Phase B (no usable affinity) scans for any idle slot whose UserID is
// unset or already matches this request, claims it, and records the new
// affinity. Failing that, it spawns a new placeholder slot if under
// capacity, or tells the caller to enqueue.
//
// Return value: (slot, cancelSignal, shouldEnqueue). When shouldEnqueue is
// true the caller must enqueue the request; slot and cancelSignal are nil
// in that case. A non-nil slot with Client == nil is a placeholder: the
// caller must spawn a client for it (outside any lock) and call BindClient.
func (p *Pool) Acquire(userID, topicID int64) (slot *ProcessSlot, cancel *CancelSignal, shouldEnqueue bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := affinityKey{userID, topicID}
	if slotID, ok := p.affinity[key]; ok {
		s, exists := p.slots[slotID]
		switch {
		case !exists:
			delete(p.affinity, key)
		case s.State == SlotIdle:
			// The same slot can legitimately carry affinity entries for
			// several topics of one user; claiming it for this topic just
			// moves S.topic_id to the topic being served now.
			s.State = SlotBusy
			s.TopicID = topicID
			s.LastUsedAt = time.Now()
			return s, p.inflight.Track(s.ID), false
		default: // SlotBusy: cancel only if the running turn is this topic's
			if s.TopicID == topicID {
				p.inflight.Cancel(s.ID)
			}
			return nil, nil, true
		}
	}

	for _, s := range p.slots {
		if s.State == SlotIdle && (s.UserID == 0 || s.UserID == userID) {
			s.State = SlotBusy
			s.UserID = userID
			s.TopicID = topicID
			s.LastUsedAt = time.Now()
			p.affinity[key] = s.ID
			return s, p.inflight.Track(s.ID), false
		}
	}

	if len(p.slots) < p.maxProcesses {
		id := p.nextSlotID
		p.nextSlotID++
		placeholder := &ProcessSlot{ID: id, UserID: userID, TopicID: topicID, State: SlotBusy, LastUsedAt: time.Now()}
		p.slots[id] = placeholder
		p.affinity[key] = id
		return placeholder, p.inflight.Track(id), false
	}

	return nil, nil, true
}

// BindClient attaches a freshly spawned client (and agent-CLI session id)
// to a placeholder slot returned by Acquire.
func (p *Pool) BindClient(slotID int, client *acp.Client, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[slotID]; ok {
		s.Client = client
		s.SessionID = sessionID
	}
}

// DropSlot removes a slot entirely, e.g. after a failed placeholder spawn
// or a detected process death, along with any affinity pointing at it.
func (p *Pool) DropSlot(slotID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, slotID)
	for k, v := range p.affinity {
		if v == slotID {
			delete(p.affinity, k)
		}
	}
	p.inflight.Untrack(slotID)
}

// Release marks a slot idle again, keeping its UserID/TopicID/SessionID so
// a follow-up message from the same conversation still finds it warm.
func (p *Pool) Release(slotID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[slotID]; ok {
		s.State = SlotIdle
		s.LastUsedAt = time.Now()
	}
	p.inflight.Untrack(slotID)
}

// ReleaseAndDequeue atomically releases slotID and, in one mutex
// acquisition, hands it the next eligible queued request — eliminating
// the window in which a third party could otherwise steal a slot between
// a separate Release and the next Acquire. Priority order:
//  1. an affinity match for this slot: any queued request whose
//     (UserID, TopicID) affinity key currently resolves to this slot,
//     even for a topic other than the slot's present sticky topic — one
//     slot may carry affinity for several topics of the same user;
//  2. a queued request for this slot's own (sticky) topic;
//  3. the oldest queued request overall, provided its user matches the
//     slot's bound user (or the slot is unbound) — otherwise it is put
//     back at the front of the queue untouched and this call returns nil,
//     leaving the slot idle for the next Acquire.
func (p *Pool) ReleaseAndDequeue(slotID int) (*QueuedRequest, *CancelSignal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[slotID]
	if !ok {
		return nil, nil
	}
	s.State = SlotIdle
	s.LastUsedAt = time.Now()
	p.inflight.Untrack(slotID)

	if req, ok := p.queue.DequeueFirstMatching(func(req *QueuedRequest) bool {
		id, has := p.affinity[affinityKey{req.UserID, req.TopicID}]
		return has && id == slotID
	}); ok {
		return req, p.bindLocked(s, req)
	}

	if req, ok := p.queue.DequeueByTopic(s.TopicID); ok {
		return req, p.bindLocked(s, req)
	}

	req, ok := p.queue.DequeueFront()
	if !ok {
		return nil, nil
	}
	if s.UserID != 0 && req.UserID != s.UserID {
		p.queue.RequeueFront(req)
		return nil, nil
	}
	return req, p.bindLocked(s, req)
}

func (p *Pool) bindLocked(s *ProcessSlot, req *QueuedRequest) *CancelSignal {
	s.State = SlotBusy
	s.UserID = req.UserID
	s.TopicID = req.TopicID
	s.LastUsedAt = time.Now()
	p.affinity[affinityKey{req.UserID, req.TopicID}] = s.ID
	return p.inflight.Track(s.ID)
}

func (p *Pool) startReaper() {
	interval := p.idleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	p.reaperStop = make(chan struct{})
	p.reaperWG.Add(1)
	go func() {
		defer p.reaperWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.reapIdle()
			case <-p.reaperStop:
				return
			}
		}
	}()
}

// reapIdle kills and removes slots that have sat idle past idleTimeout,
// but never reaps the last remaining slot — the pool always keeps at
// least one warm process so the next message doesn't pay a cold-start
// spawn cost.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) <= 1 {
		return
	}
	now := time.Now()
	for id, s := range p.slots {
		if len(p.slots) <= 1 {
			return
		}
		if s.State != SlotIdle || s.Client == nil {
			continue
		}
		if now.Sub(s.LastUsedAt) < p.idleTimeout {
			continue
		}
		p.log.Info("reaping idle process slot", "slot_id", id, "idle_for", now.Sub(s.LastUsedAt))
		s.Client.Kill()
		delete(p.slots, id)
		for k, v := range p.affinity {
			if v == id {
				delete(p.affinity, k)
			}
		}
	}
}

// Slot returns the live *ProcessSlot for id, or nil if it no longer
// exists. Used by the handoff path to recover the slot ReleaseAndDequeue
// just bound for a background goroutine to continue working with; the
// slot is safe to use without further locking as long as the caller holds
// exclusive ownership of it (i.e. it is SlotBusy and bound to them).
func (p *Pool) Slot(id int) *ProcessSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[id]
}

// Snapshot returns a point-in-time copy of pool state for introspection.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		MaxProcesses: p.maxProcesses,
		SlotCount:    len(p.slots),
		AffinitySize: len(p.affinity),
		QueueDepth:   p.queue.Len(),
	}
	for _, s := range p.slots {
		snap.Slots = append(snap.Slots, SlotSnapshot{
			ID: s.ID, UserID: s.UserID, TopicID: s.TopicID,
			Busy: s.State == SlotBusy, LastUsedAt: s.LastUsedAt,
		})
	}
	return snap
}

// Snapshot is a read-only view of pool state for the introspection endpoint.
type Snapshot struct {
	MaxProcesses int
	SlotCount    int
	AffinitySize int
	QueueDepth   int
	Slots        []SlotSnapshot
}

// SlotSnapshot is one slot's state within a Snapshot.
type SlotSnapshot struct {
	ID         int
	UserID     int64
	TopicID    int64
	Busy       bool
	LastUsedAt time.Time
}
