// Package browser drives the outreach site through a headless Chromium using go-rod.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/sending_service/adapters/sessionpool"
)

type Config struct {
	Headless       bool
	Bin            string
	BaseURL        string
	CredentialName string
}

// CredentialSource returns the current session token.
type CredentialSource func(ctx context.Context) (string, error)

// Browser owns one Chromium process. Sessions are pages inside it.
type Browser struct {
	rod        *rod.Browser
	cfg        Config
	credential CredentialSource
	logger     *slog.Logger
}

func Launch(ctx context.Context, cfg Config, credential CredentialSource, logger *slog.Logger) (*Browser, error) {
	l := launcher.New().Context(ctx).Headless(cfg.Headless).Leakless(false)
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	rb := rod.New().ControlURL(controlURL)
	if err := rb.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	logger.Info("Browser launched", "headless", cfg.Headless)
	return &Browser{rod: rb, cfg: cfg, credential: credential, logger: logger}, nil
}

func (b *Browser) Close() error {
	return b.rod.Close()
}

// Session is one page authenticated with the shared credential.
type Session struct {
	page      *rod.Page
	temporary bool
	broken    atomic.Bool
}

func (s *Session) ID() string { return string(s.page.TargetID) }

func (b *Browser) newPage(ctx context.Context, token string) (*rod.Page, error) {
	page, err := b.rod.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, classify(fmt.Errorf("open page: %w", err))
	}
	host := b.cookieDomain()
	err = page.SetCookies([]*proto.NetworkCookieParam{{
		Name:     b.cfg.CredentialName,
		Value:    token,
		Domain:   host,
		Path:     "/",
		Secure:   true,
		HTTPOnly: true,
	}})
	if err != nil {
		_ = page.Close()
		return nil, classify(fmt.Errorf("set credential cookie: %w", err))
	}
	return page, nil
}

func (b *Browser) cookieDomain() string {
	u, err := url.Parse(b.cfg.BaseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return "." + strings.TrimPrefix(u.Hostname(), "www.")
}

func (b *Browser) siteURL(path string) string {
	return strings.TrimRight(b.cfg.BaseURL, "/") + path
}

// Opener adapts the browser to sessionpool.Opener.
type Opener struct {
	b *Browser
}

func (b *Browser) Opener() *Opener { return &Opener{b: b} }

func (o *Opener) Open(ctx context.Context, temporary bool) (core_domain.Session, error) {
	token, err := o.b.credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	page, err := o.b.newPage(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Session{page: page, temporary: temporary}, nil
}

func (o *Opener) Close(s core_domain.Session) error {
	bs, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("unexpected session type %T", s)
	}
	return bs.page.Close()
}

func (o *Opener) Healthy(s core_domain.Session) bool {
	bs, ok := s.(*Session)
	return ok && !bs.broken.Load()
}

func pageOf(s core_domain.Session) (*Session, error) {
	bs, ok := sessionpool.Unwrap(s).(*Session)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected session type %T", core_domain.ErrSessionDisconnected, s)
	}
	return bs, nil
}

// classify maps rod and CDP failures onto the domain error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var notFound *rod.ElementNotFoundError
	var nav *rod.NavigationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", core_domain.ErrOperationTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %v", core_domain.ErrTargetUnavailable, err)
	case errors.As(err, &nav):
		return fmt.Errorf("%w: %v", core_domain.ErrSessionDisconnected, err)
	case errors.Is(err, io.EOF), isConnectionError(err):
		return fmt.Errorf("%w: %v", core_domain.ErrSessionDisconnected, err)
	}
	return err
}

func isConnectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection closed", "closed network connection", "websocket", "target closed", "session closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// settle gives client-side rendering a moment after load.
func settle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
