package message

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-fanline/internal/event"
	"go-fanline/internal/metrics"
	"go-fanline/internal/notify"
)

type job struct {
	to  []string
	env event.Envelope

	// Push fallback, used when pushTo has no live connection at dispatch.
	pushTo    string
	pushTitle string
	pushBody  string
	pushData  map[string]string
}

// sequencer orders one conversation's outbound jobs. Sequence numbers and
// timestamps are handed out under Pipeline.mu; a finished job waits in done
// until every lower sequence number has finished too.
type sequencer struct {
	next     uint64
	released uint64
	lastAt   time.Time
	done     map[uint64]*job
}

// reserve assigns the next sequence number and a creation time that never
// goes backwards within the conversation.
func (p *Pipeline) reserve(conversationID string) (uint64, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.seqs[conversationID]
	if !ok {
		s = &sequencer{done: make(map[uint64]*job)}
		p.seqs[conversationID] = s
	}
	at := p.clock.Now().UTC()
	if at.Before(s.lastAt) {
		at = s.lastAt
	}
	s.lastAt = at
	seq := s.next
	s.next++
	return seq, at
}

// release marks seq finished. j is nil when the send failed; the slot is
// still consumed so later sequence numbers are not held back.
func (p *Pipeline) release(conversationID string, seq uint64, j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.seqs[conversationID]
	s.done[seq] = j
	for {
		next, ok := s.done[s.released]
		if !ok {
			break
		}
		delete(s.done, s.released)
		s.released++
		if next != nil {
			p.queue.push(next)
		}
	}
	// Idle sequencers are dropped once wall time has caught up with their
	// last timestamp, so a fresh one cannot hand out an earlier time.
	if s.released == s.next && !p.clock.Now().Before(s.lastAt) {
		delete(p.seqs, conversationID)
	}
}

func (p *Pipeline) enqueue(conversationID string, j *job) {
	seq, _ := p.reserve(conversationID)
	p.release(conversationID, seq, j)
}

// Run is the dispatcher: it delivers released jobs one at a time, in
// release order, until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		j, ok := p.queue.pop(ctx)
		if !ok {
			return
		}
		p.dispatch(ctx, j)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, j *job) {
	if err := p.deliver.Deliver(ctx, j.to, j.env); err != nil {
		p.log.Warn("live delivery failed", zap.String("type", string(j.env.Type)), zap.Error(err))
	}
	if j.pushTo == "" || p.notifier == nil || p.presence.IsOnline(ctx, j.pushTo) {
		return
	}

	n := notify.Notification{Title: j.pushTitle, Body: j.pushBody, Data: j.pushData}
	to := j.pushTo
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if err := p.notifier.Notify(pctx, []string{to}, n); err != nil {
			metrics.PushFallbacks.WithLabelValues("error").Inc()
			p.log.Warn("push notification failed", zap.String("user_id", to), zap.Error(err))
			return
		}
		metrics.PushFallbacks.WithLabelValues("ok").Inc()
	}()
}

type jobQueue struct {
	mu     sync.Mutex
	items  []*job
	notify chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{notify: make(chan struct{}, 1)}
}

func (q *jobQueue) push(j *job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *jobQueue) pop(ctx context.Context) (*job, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			j := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return j, true
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}
