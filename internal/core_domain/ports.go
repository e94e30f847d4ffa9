package core_domain

import (
	"context"
	"time"
)

// Session is an opaque handle to one browser persona.
type Session interface {
	ID() string
}

// SessionPool hands out browser sessions. Acquire blocks while the pool is exhausted unless
// temporary is set, in which case an off-pool session is created. Release is idempotent.
type SessionPool interface {
	Acquire(ctx context.Context, temporary bool) (Session, error)
	Release(s Session)
}

// OutreachDriver performs the site-side actions. Implementations honor ctx deadlines.
type OutreachDriver interface {
	SendConnectionRequest(ctx context.Context, s Session, profileURL, name string) (ConnectionResult, error)
	SendMessage(ctx context.Context, s Session, profileURL, text string) error
	RecentConnections(ctx context.Context, s Session) ([]ObservedConnection, error)
}

// CredentialGate reports whether the shared credential is currently usable.
type CredentialGate interface {
	IsValid() bool
}

// CredentialRejectionReporter is implemented by gates that want to hear when the site
// refuses the credential during an operation.
type CredentialRejectionReporter interface {
	ReportRejected(ctx context.Context, cause error)
}

// Clock returns the current time. Components take one so tests can pin "now".
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }
