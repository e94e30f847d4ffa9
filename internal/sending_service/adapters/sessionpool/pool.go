// Package sessionpool hands out a bounded number of browser sessions.
package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("session pool closed")

// Opener creates and disposes of the underlying sessions.
type Opener interface {
	Open(ctx context.Context, temporary bool) (core_domain.Session, error)
	Close(s core_domain.Session) error
	// Healthy reports whether a returned session can be handed out again.
	Healthy(s core_domain.Session) bool
}

// Lease is the handle Acquire returns. Release through the pool, not the session.
type Lease struct {
	session   core_domain.Session
	temporary bool
	released  atomic.Bool
}

func (l *Lease) ID() string { return l.session.ID() }

// Session is the leased underlying session.
func (l *Lease) Session() core_domain.Session { return l.session }

// Temporary reports whether the lease is outside the pool ceiling.
func (l *Lease) Temporary() bool { return l.temporary }

// Unwrap returns the session under a lease, or s itself when it is not a lease.
func Unwrap(s core_domain.Session) core_domain.Session {
	if l, ok := s.(*Lease); ok {
		return l.session
	}
	return s
}

// Pool caps concurrent pooled sessions at its size. Acquire blocks while every slot is
// taken. Temporary acquisitions bypass the cap and are closed on release.
type Pool struct {
	opener Opener
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	idle   []core_domain.Session
	closed bool
	temps  atomic.Int64
}

func New(opener Opener, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{opener: opener, sem: semaphore.NewWeighted(int64(size)), logger: logger}
}

func (p *Pool) Acquire(ctx context.Context, temporary bool) (core_domain.Session, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if temporary {
		s, err := p.opener.Open(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("open temporary session: %w", err)
		}
		p.temps.Add(1)
		leasesGauge.WithLabelValues("temporary").Inc()
		return &Lease{session: s, temporary: true}, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for session: %w", err)
	}
	s := p.popIdle()
	if s == nil {
		var err error
		s, err = p.opener.Open(ctx, false)
		if err != nil {
			p.sem.Release(1)
			return nil, fmt.Errorf("open session: %w", err)
		}
	}
	leasesGauge.WithLabelValues("pooled").Inc()
	return &Lease{session: s}, nil
}

// Release returns a session to the pool. Releasing the same lease twice is a no-op.
func (p *Pool) Release(s core_domain.Session) {
	l, ok := s.(*Lease)
	if !ok || l == nil {
		return
	}
	if !l.released.CompareAndSwap(false, true) {
		p.logger.Debug("Session already released", "session_id", l.ID())
		return
	}
	if l.temporary {
		p.temps.Add(-1)
		leasesGauge.WithLabelValues("temporary").Dec()
		p.dispose(l.session)
		return
	}
	defer p.sem.Release(1)
	leasesGauge.WithLabelValues("pooled").Dec()

	if !p.opener.Healthy(l.session) {
		p.dispose(l.session)
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dispose(l.session)
		return
	}
	p.idle = append(p.idle, l.session)
	p.mu.Unlock()
}

// Temporaries is the number of live off-pool sessions.
func (p *Pool) Temporaries() int64 { return p.temps.Load() }

// Close disposes of idle sessions and refuses further acquisitions. Leased sessions are
// disposed of when released.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle, p.closed = nil, true
	p.mu.Unlock()
	for _, s := range idle {
		p.dispose(s)
	}
}

func (p *Pool) popIdle() core_domain.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	s := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return s
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) dispose(s core_domain.Session) {
	if err := p.opener.Close(s); err != nil {
		p.logger.Warn("Failed to close session", "session_id", s.ID(), "error", err)
	}
}
