package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

const (
	elementWait = 5 * time.Second
	renderPause = 800 * time.Millisecond
)

// Driver performs the site actions on leased sessions.
type Driver struct {
	b      *Browser
	logger *slog.Logger
}

func NewDriver(b *Browser, logger *slog.Logger) *Driver {
	return &Driver{b: b, logger: logger}
}

func (d *Driver) open(ctx context.Context, s core_domain.Session, target string) (*Session, *rod.Page, error) {
	bs, err := pageOf(s)
	if err != nil {
		return nil, nil, err
	}
	page := bs.page.Context(ctx)
	if err := page.Navigate(target); err != nil {
		bs.broken.Store(true)
		return nil, nil, classify(fmt.Errorf("navigate %s: %w", target, err))
	}
	if err := page.WaitLoad(); err != nil {
		return nil, nil, classify(fmt.Errorf("load %s: %w", target, err))
	}
	if err := settle(ctx, renderPause); err != nil {
		return nil, nil, classify(err)
	}
	info, err := page.Info()
	if err != nil {
		bs.broken.Store(true)
		return nil, nil, classify(err)
	}
	if isAuthWall(info.URL) {
		return nil, nil, fmt.Errorf("%w: redirected to %s", core_domain.ErrCredentialInvalid, info.URL)
	}
	return bs, page, nil
}

func isAuthWall(u string) bool {
	return strings.Contains(u, "/login") || strings.Contains(u, "/authwall") || strings.Contains(u, "/checkpoint")
}

func findButton(page *rod.Page, selector, text string) (*rod.Element, bool) {
	p := page.Timeout(elementWait)
	if selector != "" {
		if ok, el, err := p.Has(selector); err == nil && ok {
			return el, true
		}
	}
	if text != "" {
		if ok, el, err := p.HasR("button", text); err == nil && ok {
			return el, true
		}
	}
	return nil, false
}

func click(el *rod.Element) error {
	if err := el.ScrollIntoView(); err != nil {
		return classify(err)
	}
	return classify(el.Click(proto.InputMouseButtonLeft, 1))
}

// SendConnectionRequest invites the profile. A profile that already shows a relationship
// reports it through StatusUpdate instead of sending.
func (d *Driver) SendConnectionRequest(ctx context.Context, s core_domain.Session, profileURL, name string) (core_domain.ConnectionResult, error) {
	if profileURL == "" {
		return core_domain.ConnectionResult{}, core_domain.ErrMissingProfileURL
	}
	_, page, err := d.open(ctx, s, profileURL)
	if err != nil {
		return core_domain.ConnectionResult{}, err
	}

	if _, ok := findButton(page, `button[aria-label*="Pending"]`, "^Pending$"); ok {
		return core_domain.ConnectionResult{StatusUpdate: core_domain.ConnectionInvitationSent}, nil
	}
	connect, ok := findButton(page, `button[aria-label*="Invite"][aria-label*="connect"]`, "^Connect$")
	if !ok {
		if more, ok := findButton(page, `button[aria-label="More actions"]`, "^More$"); ok {
			if err := click(more); err != nil {
				return core_domain.ConnectionResult{}, err
			}
			if ok, el, err := page.Timeout(elementWait).HasR(`div[role="button"]`, "^Connect$"); err == nil && ok {
				connect = el
			}
		}
	}
	if connect == nil {
		if _, ok := findButton(page, `button[aria-label^="Message"]`, "^Message$"); ok {
			return core_domain.ConnectionResult{StatusUpdate: core_domain.ConnectionConnected}, nil
		}
		return core_domain.ConnectionResult{}, fmt.Errorf("%w: no connect action on %s", core_domain.ErrTargetUnavailable, profileURL)
	}
	if err := click(connect); err != nil {
		return core_domain.ConnectionResult{}, err
	}

	send, ok := findButton(page, `button[aria-label="Send without a note"]`, "^Send( without a note| invitation)?$")
	if !ok {
		return core_domain.ConnectionResult{}, fmt.Errorf("%w: invitation dialog did not open for %s", core_domain.ErrTargetUnavailable, profileURL)
	}
	if err := click(send); err != nil {
		return core_domain.ConnectionResult{}, err
	}
	d.logger.InfoContext(ctx, "Connection request sent", "profile_url", profileURL, "name", name)
	return core_domain.ConnectionResult{Success: true}, nil
}

// SendMessage opens the conversation with a connected profile and sends text.
func (d *Driver) SendMessage(ctx context.Context, s core_domain.Session, profileURL, text string) error {
	if profileURL == "" {
		return core_domain.ErrMissingProfileURL
	}
	_, page, err := d.open(ctx, s, profileURL)
	if err != nil {
		return err
	}
	msgBtn, ok := findButton(page, `button[aria-label^="Message"]`, "^Message$")
	if !ok {
		return fmt.Errorf("%w: no message action on %s", core_domain.ErrTargetUnavailable, profileURL)
	}
	if err := click(msgBtn); err != nil {
		return err
	}

	box, err := page.Timeout(elementWait).Element(`div.msg-form__contenteditable, div[contenteditable="true"]`)
	if err != nil {
		return classify(fmt.Errorf("message box: %w", err))
	}
	if err := box.Input(text); err != nil {
		return classify(fmt.Errorf("type message: %w", err))
	}
	send, ok := findButton(page, `button.msg-form__send-button`, "^Send$")
	if !ok {
		return fmt.Errorf("%w: send button missing on %s", core_domain.ErrTargetUnavailable, profileURL)
	}
	if err := click(send); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "Message sent", "profile_url", profileURL, "length", len(text))
	return nil
}

// RecentConnections lists the most recently accepted connections.
func (d *Driver) RecentConnections(ctx context.Context, s core_domain.Session) ([]core_domain.ObservedConnection, error) {
	_, page, err := d.open(ctx, s, d.b.siteURL("/mynetwork/invite-connect/connections/"))
	if err != nil {
		return nil, err
	}
	links, err := page.Timeout(elementWait).Elements(`a[href*="/in/"]`)
	if err != nil {
		return nil, classify(fmt.Errorf("list connections: %w", err))
	}

	seen := make(map[string]bool, len(links))
	out := make([]core_domain.ObservedConnection, 0, len(links))
	for _, a := range links {
		href, err := a.Attribute("href")
		if err != nil || href == nil {
			continue
		}
		profile := d.absolute(*href)
		if seen[profile] {
			continue
		}
		name, _ := a.Text()
		name = strings.TrimSpace(strings.SplitN(name, "\n", 2)[0])
		if name == "" {
			continue
		}
		seen[profile] = true
		out = append(out, core_domain.ObservedConnection{ProfileURL: profile, FullName: name})
	}
	return out, nil
}

func (d *Driver) absolute(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return d.b.siteURL(href)
}

// CheckCredential loads the feed with token on a throwaway page and reports whether the
// site accepted it.
func (d *Driver) CheckCredential(ctx context.Context, token string) (bool, error) {
	page, err := d.b.newPage(ctx, token)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := page.Close(); err != nil {
			d.logger.WarnContext(ctx, "Failed to close credential check page", "error", err)
		}
	}()

	p := page.Context(ctx)
	if err := p.Navigate(d.b.siteURL("/feed/")); err != nil {
		return false, classify(err)
	}
	if err := p.WaitLoad(); err != nil {
		return false, classify(err)
	}
	info, err := p.Info()
	if err != nil {
		return false, classify(err)
	}
	if isAuthWall(info.URL) {
		return false, nil
	}
	ok, _, err := p.Timeout(elementWait).Has(`a[href*="/feed/"], nav.global-nav`)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return false, classify(err)
	}
	return ok, nil
}
