// Package bus is the in-process side of the change-notification fan-out.
//
// Publications come from two sources that share one stream: repos emit
// pg_notify inside their transactions and the pglisten relay republishes the
// notifications here, so local and remote subscribers observe the same
// per-job order. The hub holds no durable state; a subscriber joining
// mid-stream gets only future envelopes and must snapshot from the ledger
// first.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
)

// Global stream topics. Every envelope lands on TopicJobs next to its
// per-job and per-conversation topics; the remaining topics carry
// operational announcements published by their owners: stale-claim sweeps
// on TopicHealth, queue-depth snapshots on TopicMetrics, scorecards on
// TopicInsights and score-drift warnings on TopicAlerts.
const (
	TopicJobs     = "jobs"
	TopicMetrics  = "metrics"
	TopicInsights = "insights"
	TopicAlerts   = "alerts"
	TopicHealth   = "health"
)

// JobTopic returns the stream topic for one job.
func JobTopic(jobID string) string { return "job:" + jobID }

// ConversationTopic returns the stream topic for one conversation.
func ConversationTopic(conversationID string) string { return "conversation:" + conversationID }

// Envelope is one bus publication, decoded from the change-channel payload.
type Envelope struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	JobID          string         `json:"job_id"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data,omitempty"`
}

// DefaultQueueSize bounds each subscriber's queue. A slow subscriber never
// blocks the publisher: on overflow the oldest envelope is dropped and the
// overflow counters advance.
const DefaultQueueSize = 64

// Subscription is one subscriber's bounded queue over a set of topics.
type Subscription struct {
	C <-chan Envelope

	ch      chan Envelope
	topics  []string
	hub     *Hub
	once    sync.Once
	dropped atomic.Uint64
}

// Dropped reports how many envelopes this subscription lost to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
		close(s.ch)
	})
}

// Hub fans envelopes out to per-topic subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber on the given topics with a queue of the
// given size (DefaultQueueSize when <= 0).
func (h *Hub) Subscribe(queueSize int, topics ...string) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ch := make(chan Envelope, queueSize)
	sub := &Subscription{C: ch, ch: ch, topics: topics, hub: h}
	h.mu.Lock()
	for _, t := range topics {
		if h.subs[t] == nil {
			h.subs[t] = make(map[*Subscription]struct{})
		}
		h.subs[t][sub] = struct{}{}
	}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	for _, t := range sub.topics {
		delete(h.subs[t], sub)
		if len(h.subs[t]) == 0 {
			delete(h.subs, t)
		}
	}
	h.mu.Unlock()
}

// Publish routes the envelope to its job topic, its conversation topic when
// set, and the global jobs topic. Per-job order is preserved because every
// envelope for a job flows through this single call path.
func (h *Hub) Publish(env Envelope) {
	topics := make([]string, 0, 3)
	if env.JobID != "" {
		topics = append(topics, JobTopic(env.JobID))
	}
	if env.ConversationID != "" {
		topics = append(topics, ConversationTopic(env.ConversationID))
	}
	topics = append(topics, TopicJobs)
	h.PublishTo(env, topics...)
}

// PublishTo delivers the envelope to the named topics only.
func (h *Hub) PublishTo(env Envelope, topics ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Subscription]struct{})
	for _, t := range topics {
		for sub := range h.subs[t] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			sub.offer(env)
		}
	}
}

// offer enqueues without blocking, dropping the oldest entry on overflow.
func (s *Subscription) offer(env Envelope) {
	for {
		select {
		case s.ch <- env:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			observability.BusOverflowTotal.Inc()
		default:
		}
	}
}
