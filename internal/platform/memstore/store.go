// Package memstore keeps every outreach collection in memory behind one mutex. Claims and
// conditional updates follow the same rules as the Postgres repositories, which makes it
// suitable for scenario tests and local dry runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

type Store struct {
	mu          sync.Mutex
	credentials map[string]core_domain.Credential
	settings    *core_domain.AppSettings
	stats       map[time.Time]core_domain.DailyStats
	prospects   map[uuid.UUID]core_domain.Prospect
	sequences   map[uuid.UUID]core_domain.Sequence
	messages    map[uuid.UUID][]core_domain.SequenceMessage
	statuses    map[uuid.UUID]core_domain.ProspectSequenceStatus
	msgQueue    map[uuid.UUID]core_domain.MessageQueueEntry
	connQueue   map[uuid.UUID]core_domain.ConnectionQueueEntry
}

func New() *Store {
	return &Store{
		credentials: map[string]core_domain.Credential{},
		stats:       map[time.Time]core_domain.DailyStats{},
		prospects:   map[uuid.UUID]core_domain.Prospect{},
		sequences:   map[uuid.UUID]core_domain.Sequence{},
		messages:    map[uuid.UUID][]core_domain.SequenceMessage{},
		statuses:    map[uuid.UUID]core_domain.ProspectSequenceStatus{},
		msgQueue:    map[uuid.UUID]core_domain.MessageQueueEntry{},
		connQueue:   map[uuid.UUID]core_domain.ConnectionQueueEntry{},
	}
}

func ptr[T any](v T) *T { return &v }

// Credentials returns the CredentialRepository view.
func (s *Store) Credentials() core_domain.CredentialRepository { return credentialRepo{s} }

// Settings returns the SettingsRepository view.
func (s *Store) Settings() core_domain.SettingsRepository { return settingsRepo{s} }

// DailyStats returns the DailyStatsRepository view.
func (s *Store) DailyStats() core_domain.DailyStatsRepository { return statsRepo{s} }

// Prospects returns the ProspectRepository view.
func (s *Store) Prospects() core_domain.ProspectRepository { return prospectRepo{s} }

// Sequences returns the SequenceRepository view.
func (s *Store) Sequences() core_domain.SequenceRepository { return sequenceRepo{s} }

// Statuses returns the ProspectStatusRepository view.
func (s *Store) Statuses() core_domain.ProspectStatusRepository { return statusRepo{s} }

// MessageQueue returns the MessageQueueRepository view.
func (s *Store) MessageQueue() core_domain.MessageQueueRepository { return messageQueueRepo{s} }

// ConnectionQueue returns the ConnectionQueueRepository view.
func (s *Store) ConnectionQueue() core_domain.ConnectionQueueRepository {
	return connectionQueueRepo{s}
}

// MessageEntries snapshots the message queue ordered by creation time.
func (s *Store) MessageEntries() []core_domain.MessageQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core_domain.MessageQueueEntry, 0, len(s.msgQueue))
	for _, e := range s.msgQueue {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ConnectionEntries snapshots the connection queue ordered by creation time.
func (s *Store) ConnectionEntries() []core_domain.ConnectionQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core_domain.ConnectionQueueEntry, 0, len(s.connQueue))
	for _, e := range s.connQueue {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type credentialRepo struct{ s *Store }

func (r credentialRepo) Get(_ context.Context, name string) (*core_domain.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credentials[name]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return &c, nil
}

func (r credentialRepo) Upsert(_ context.Context, name, value string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.credentials[name]
	c.Name, c.Value, c.UpdatedAt = name, value, time.Now().UTC()
	r.s.credentials[name] = c
	return nil
}

func (r credentialRepo) UpdateValidity(_ context.Context, name string, isValid bool, checkedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credentials[name]
	if !ok {
		return core_domain.ErrNotFound
	}
	c.IsValid, c.LastCheckedAt = isValid, ptr(checkedAt)
	r.s.credentials[name] = c
	return nil
}

type settingsRepo struct{ s *Store }

func (r settingsRepo) Get(context.Context) (*core_domain.AppSettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.settings == nil {
		return nil, core_domain.ErrNotFound
	}
	cp := *r.s.settings
	cp.WeekendDays = append([]time.Weekday(nil), r.s.settings.WeekendDays...)
	return &cp, nil
}

func (r settingsRepo) Save(_ context.Context, settings *core_domain.AppSettings) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *settings
	cp.WeekendDays = append([]time.Weekday(nil), settings.WeekendDays...)
	r.s.settings = &cp
	return nil
}

type statsRepo struct{ s *Store }

func (r statsRepo) getOrCreateLocked(seed core_domain.DailyStats) core_domain.DailyStats {
	d, ok := r.s.stats[seed.Date]
	if !ok {
		d = core_domain.DailyStats{
			Date:                    seed.Date,
			MessagesQuota:           seed.MessagesQuota,
			ConnectionRequestsQuota: seed.ConnectionRequestsQuota,
		}
		r.s.stats[seed.Date] = d
	}
	return d
}

func (r statsRepo) GetOrCreate(_ context.Context, seed core_domain.DailyStats) (*core_domain.DailyStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.getOrCreateLocked(seed)
	return &d, nil
}

func (r statsRepo) Increment(_ context.Context, seed core_domain.DailyStats, action core_domain.ActionType) (*core_domain.DailyStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.getOrCreateLocked(seed)
	if action == core_domain.ActionConnection {
		d.ConnectionRequestsSent++
	} else {
		d.MessagesSent++
	}
	r.s.stats[seed.Date] = d
	return &d, nil
}

func (r statsRepo) UpdateQuotas(_ context.Context, seed core_domain.DailyStats) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.getOrCreateLocked(seed)
	d.MessagesQuota, d.ConnectionRequestsQuota = seed.MessagesQuota, seed.ConnectionRequestsQuota
	r.s.stats[seed.Date] = d
	return nil
}

type prospectRepo struct{ s *Store }

func (r prospectRepo) Create(_ context.Context, p *core_domain.Prospect) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.prospects {
		if existing.ProfileURL == p.ProfileURL {
			return core_domain.ErrAlreadyEnrolled
		}
	}
	r.s.prospects[p.ID] = *p
	return nil
}

func (r prospectRepo) GetByID(_ context.Context, id uuid.UUID) (*core_domain.Prospect, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.prospects[id]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return &p, nil
}

func (r prospectRepo) FindByProfileURL(_ context.Context, profileURL string) (*core_domain.Prospect, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.prospects {
		if p.ProfileURL == profileURL {
			return &p, nil
		}
	}
	return nil, core_domain.ErrNotFound
}

func (r prospectRepo) ListAwaitingAcceptance(context.Context) ([]*core_domain.Prospect, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*core_domain.Prospect
	for _, p := range r.s.prospects {
		if p.ConnectionStatus != core_domain.ConnectionConnected {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r prospectRepo) SetConnectionStatus(_ context.Context, id uuid.UUID, status core_domain.ConnectionStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.prospects[id]
	if !ok {
		return core_domain.ErrNotFound
	}
	p.ConnectionStatus, p.UpdatedAt = status, time.Now().UTC()
	r.s.prospects[id] = p
	return nil
}

type sequenceRepo struct{ s *Store }

func (r sequenceRepo) Create(_ context.Context, seq *core_domain.Sequence, messages []*core_domain.SequenceMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sequences[seq.ID] = *seq
	list := make([]core_domain.SequenceMessage, 0, len(messages))
	for _, m := range messages {
		list = append(list, *m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Position < list[j].Position })
	r.s.messages[seq.ID] = list
	return nil
}

func (r sequenceRepo) GetByID(_ context.Context, id uuid.UUID) (*core_domain.Sequence, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seq, ok := r.s.sequences[id]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return &seq, nil
}

func (r sequenceRepo) ListByStatus(_ context.Context, status core_domain.SequenceStatus) ([]*core_domain.Sequence, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*core_domain.Sequence
	for _, seq := range r.s.sequences {
		if seq.Status == status {
			seq := seq
			out = append(out, &seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r sequenceRepo) SetStatus(_ context.Context, id uuid.UUID, status core_domain.SequenceStatus, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seq, ok := r.s.sequences[id]
	if !ok {
		return core_domain.ErrNotFound
	}
	seq.Status, seq.UpdatedAt = status, at
	r.s.sequences[id] = seq
	return nil
}

func (r sequenceRepo) ListMessages(_ context.Context, sequenceID uuid.UUID) ([]*core_domain.SequenceMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	list := r.s.messages[sequenceID]
	out := make([]*core_domain.SequenceMessage, 0, len(list))
	for _, m := range list {
		m := m
		out = append(out, &m)
	}
	return out, nil
}
