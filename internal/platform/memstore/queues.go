package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

func cloneStatus(st core_domain.ProspectSequenceStatus) *core_domain.ProspectSequenceStatus {
	st.History = append([]core_domain.HistoryEntry(nil), st.History...)
	return &st
}

type statusRepo struct{ s *Store }

func (r statusRepo) Create(_ context.Context, st *core_domain.ProspectSequenceStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.statuses {
		if existing.ProspectID == st.ProspectID && existing.SequenceID == st.SequenceID {
			return core_domain.ErrAlreadyEnrolled
		}
	}
	r.s.statuses[st.ID] = *cloneStatus(*st)
	return nil
}

func (r statusRepo) GetByID(_ context.Context, id uuid.UUID) (*core_domain.ProspectSequenceStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.statuses[id]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return cloneStatus(st), nil
}

func (r statusRepo) ListSchedulable(_ context.Context, sequenceID uuid.UUID) ([]*core_domain.ProspectSequenceStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*core_domain.ProspectSequenceStatus
	for _, st := range r.s.statuses {
		if st.SequenceID == sequenceID && st.Status == core_domain.ProspectActive && st.NextMessageScheduledAt == nil {
			out = append(out, cloneStatus(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r statusRepo) SetNextScheduled(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.statuses[id]
	if !ok || st.Status != core_domain.ProspectActive {
		return false, nil
	}
	st.NextMessageScheduledAt = ptr(at)
	r.s.statuses[id] = st
	return true, nil
}

func (r statusRepo) ClearNextScheduledForSequence(_ context.Context, sequenceID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inFlight := map[uuid.UUID]bool{}
	for _, e := range r.s.msgQueue {
		if e.Status == core_domain.QueueProcessing {
			inFlight[e.ProspectSequenceStatusID] = true
		}
	}
	var n int64
	for id, st := range r.s.statuses {
		if st.SequenceID != sequenceID || st.NextMessageScheduledAt == nil || inFlight[id] {
			continue
		}
		st.NextMessageScheduledAt = nil
		r.s.statuses[id] = st
		n++
	}
	return n, nil
}

func (r statusRepo) RecordSend(_ context.Context, id uuid.UUID, step int, entry core_domain.HistoryEntry) (*core_domain.ProspectSequenceStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.statuses[id]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	st.CurrentStep = max(st.CurrentStep, step)
	st.LastMessageSentAt = ptr(entry.SentAt)
	st.NextMessageScheduledAt = nil
	st.History = append(append([]core_domain.HistoryEntry(nil), st.History...), entry)
	st.UpdatedAt = entry.SentAt
	r.s.statuses[id] = st
	return cloneStatus(st), nil
}

func (r statusRepo) AppendHistory(_ context.Context, id uuid.UUID, entry core_domain.HistoryEntry) (*core_domain.ProspectSequenceStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.statuses[id]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	st.History = append(append([]core_domain.HistoryEntry(nil), st.History...), entry)
	st.UpdatedAt = entry.SentAt
	r.s.statuses[id] = st
	return cloneStatus(st), nil
}

func (r statusRepo) terminate(id uuid.UUID, to core_domain.ProspectStatus, at time.Time) bool {
	st, ok := r.s.statuses[id]
	if !ok || st.Status == core_domain.ProspectCompleted || st.Status == core_domain.ProspectFailed {
		return false
	}
	st.Status, st.UpdatedAt = to, at
	st.NextMessageScheduledAt = nil
	if to == core_domain.ProspectCompleted {
		st.CompletedAt = ptr(at)
	}
	r.s.statuses[id] = st
	return true
}

func (r statusRepo) Complete(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.terminate(id, core_domain.ProspectCompleted, at), nil
}

func (r statusRepo) Fail(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.terminate(id, core_domain.ProspectFailed, at), nil
}

func (r statusRepo) MarkInvitationSent(_ context.Context, prospectID uuid.UUID, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, st := range r.s.statuses {
		if st.ProspectID == prospectID && st.ConnectionStatus == core_domain.ConnectionNotConnected {
			st.ConnectionStatus, st.InvitationSentAt, st.UpdatedAt = core_domain.ConnectionInvitationSent, ptr(at), at
			r.s.statuses[id] = st
			n++
		}
	}
	return n, nil
}

func (r statusRepo) MarkConnected(_ context.Context, prospectID uuid.UUID, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, st := range r.s.statuses {
		if st.ProspectID == prospectID && st.ConnectionStatus != core_domain.ConnectionConnected {
			st.ConnectionStatus, st.UpdatedAt = core_domain.ConnectionConnected, at
			r.s.statuses[id] = st
			n++
		}
	}
	return n, nil
}

func (r statusRepo) PromoteConnected(_ context.Context, filter core_domain.PromoteFilter, at time.Time) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []uuid.UUID
	for id, st := range r.s.statuses {
		if filter.ProspectID != nil && st.ProspectID != *filter.ProspectID {
			continue
		}
		if filter.SequenceID != nil && st.SequenceID != *filter.SequenceID {
			continue
		}
		if st.Status != core_domain.ProspectPending || st.ConnectionStatus != core_domain.ConnectionConnected {
			continue
		}
		if r.s.sequences[st.SequenceID].Status != core_domain.SequenceActive {
			continue
		}
		st.Status, st.UpdatedAt = core_domain.ProspectActive, at
		r.s.statuses[id] = st
		out = append(out, id)
	}
	return out, nil
}

func (r statusRepo) Stats(_ context.Context, sequenceID uuid.UUID) (*core_domain.SequenceStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &core_domain.SequenceStats{
		SequenceID: sequenceID,
		ByStatus:   map[core_domain.ProspectStatus]int{},
		ByStep:     map[int]int{},
	}
	for _, st := range r.s.statuses {
		if st.SequenceID == sequenceID {
			stats.ByStatus[st.Status]++
			stats.ByStep[st.CurrentStep]++
		}
	}
	return stats, nil
}

type messageQueueRepo struct{ s *Store }

func (r messageQueueRepo) Enqueue(_ context.Context, e *core_domain.MessageQueueEntry) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.msgQueue {
		open := existing.Status == core_domain.QueueQueued || existing.Status == core_domain.QueueProcessing
		if open && existing.ProspectSequenceStatusID == e.ProspectSequenceStatusID && existing.MessageID == e.MessageID {
			return false, nil
		}
	}
	r.s.msgQueue[e.ID] = *e
	return true, nil
}

func (r messageQueueRepo) ClaimNext(_ context.Context, now time.Time) (*core_domain.MessageQueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *core_domain.MessageQueueEntry
	for _, e := range r.s.msgQueue {
		if e.Status != core_domain.QueueQueued || e.ScheduledFor.After(now) {
			continue
		}
		if best == nil || e.Priority > best.Priority ||
			(e.Priority == best.Priority && e.ScheduledFor.Before(best.ScheduledFor)) {
			e := e
			best = &e
		}
	}
	if best == nil {
		return nil, core_domain.ErrNoDueEntries
	}
	best.Status = core_domain.QueueProcessing
	best.Attempts++
	best.LastAttemptAt, best.ProcessingStartedAt, best.UpdatedAt = ptr(now), ptr(now), now
	r.s.msgQueue[best.ID] = *best
	out := *best
	return &out, nil
}

func (r messageQueueRepo) transition(id uuid.UUID, fn func(e *core_domain.MessageQueueEntry)) error {
	e, ok := r.s.msgQueue[id]
	if !ok || e.Status != core_domain.QueueProcessing {
		return core_domain.ErrNotFound
	}
	fn(&e)
	e.ProcessingStartedAt = nil
	r.s.msgQueue[id] = e
	return nil
}

func (r messageQueueRepo) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.transition(id, func(e *core_domain.MessageQueueEntry) {
		e.Status, e.SentAt, e.UpdatedAt = core_domain.QueueSent, ptr(at), at
	})
}

func (r messageQueueRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.transition(id, func(e *core_domain.MessageQueueEntry) {
		e.Status, e.LastError, e.UpdatedAt = core_domain.QueueFailed, ptr(reason), at
	})
}

func (r messageQueueRepo) Requeue(_ context.Context, id uuid.UUID, scheduledFor time.Time, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.transition(id, func(e *core_domain.MessageQueueEntry) {
		e.Status, e.ScheduledFor, e.LastError, e.UpdatedAt = core_domain.QueueQueued, scheduledFor, ptr(reason), at
	})
}

func (r messageQueueRepo) Cancel(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.transition(id, func(e *core_domain.MessageQueueEntry) {
		e.Status, e.LastError, e.UpdatedAt = core_domain.QueueCancelled, ptr(reason), at
	})
}

func (r messageQueueRepo) ReclaimStuck(_ context.Context, startedBefore, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, e := range r.s.msgQueue {
		if e.Status == core_domain.QueueProcessing && e.ProcessingStartedAt != nil && e.ProcessingStartedAt.Before(startedBefore) {
			e.Status, e.ProcessingStartedAt, e.UpdatedAt = core_domain.QueueQueued, nil, now
			r.s.msgQueue[id] = e
			n++
		}
	}
	return n, nil
}

func (r messageQueueRepo) CancelForSequence(_ context.Context, sequenceID uuid.UUID, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, e := range r.s.msgQueue {
		if e.Status != core_domain.QueueQueued || r.s.statuses[e.ProspectSequenceStatusID].SequenceID != sequenceID {
			continue
		}
		e.Status, e.UpdatedAt = core_domain.QueueCancelled, at
		r.s.msgQueue[id] = e
		n++
	}
	return n, nil
}

func (r messageQueueRepo) CountByStatus(context.Context) (map[core_domain.QueueStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[core_domain.QueueStatus]int{}
	for _, e := range r.s.msgQueue {
		out[e.Status]++
	}
	return out, nil
}

type connectionQueueRepo struct{ s *Store }

func (r connectionQueueRepo) Enqueue(_ context.Context, e *core_domain.ConnectionQueueEntry) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.connQueue {
		open := existing.Status == core_domain.QueuePending || existing.Status == core_domain.QueueProcessing
		if open && existing.ProspectID == e.ProspectID {
			return false, nil
		}
	}
	r.s.connQueue[e.ID] = *e
	return true, nil
}

func (r connectionQueueRepo) ClaimNext(_ context.Context, now time.Time) (*core_domain.ConnectionQueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *core_domain.ConnectionQueueEntry
	for _, e := range r.s.connQueue {
		if e.Status != core_domain.QueuePending || e.ScheduledAt.After(now) {
			continue
		}
		if best == nil || e.Priority > best.Priority ||
			(e.Priority == best.Priority && e.ScheduledAt.Before(best.ScheduledAt)) {
			e := e
			best = &e
		}
	}
	if best == nil {
		return nil, core_domain.ErrNoDueEntries
	}
	best.Status = core_domain.QueueProcessing
	best.Attempts++
	best.ProcessingStartedAt, best.UpdatedAt = ptr(now), now
	r.s.connQueue[best.ID] = *best
	out := *best
	return &out, nil
}

func (r connectionQueueRepo) transition(id uuid.UUID, fn func(e *core_domain.ConnectionQueueEntry)) error {
	e, ok := r.s.connQueue[id]
	if !ok || e.Status != core_domain.QueueProcessing {
		return core_domain.ErrNotFound
	}
	fn(&e)
	e.ProcessingStartedAt = nil
	r.s.connQueue[id] = e
	return nil
}

func (r connectionQueueRepo) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.transition(id, func(e *core_domain.ConnectionQueueEntry) {
		e.Status, e.CompletedAt, e.UpdatedAt = core_domain.QueueSent, ptr(at), at
	})
}

func (r connectionQueueRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.transition(id, func(e *core_domain.ConnectionQueueEntry) {
		e.Status, e.CompletedAt, e.Error, e.UpdatedAt = core_domain.QueueFailed, ptr(at), ptr(reason), at
	})
}

func (r connectionQueueRepo) Requeue(_ context.Context, id uuid.UUID, scheduledAt time.Time, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.transition(id, func(e *core_domain.ConnectionQueueEntry) {
		e.Status, e.ScheduledAt, e.Error, e.UpdatedAt = core_domain.QueuePending, scheduledAt, ptr(reason), at
	})
}

func (r connectionQueueRepo) ReclaimStuck(_ context.Context, startedBefore, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, e := range r.s.connQueue {
		if e.Status == core_domain.QueueProcessing && e.ProcessingStartedAt != nil && e.ProcessingStartedAt.Before(startedBefore) {
			e.Status, e.ProcessingStartedAt, e.UpdatedAt = core_domain.QueuePending, nil, now
			r.s.connQueue[id] = e
			n++
		}
	}
	return n, nil
}

func (r connectionQueueRepo) CountByStatus(context.Context) (map[core_domain.QueueStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[core_domain.QueueStatus]int{}
	for _, e := range r.s.connQueue {
		out[e.Status]++
	}
	return out, nil
}
