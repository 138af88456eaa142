package browser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/types"
)

// Session is one live automation attachment to a profile window. The
// profile's cookies and fingerprint live in the window; the session only
// drives it over CDP.
type Session struct {
	WindowName string
	WindowID   string
	OpenedAt   time.Time

	browser  *rod.Browser
	useCount atomic.Int64
}

// Browser exposes the underlying CDP connection for upload flows.
func (s *Session) Browser() *rod.Browser {
	return s.browser
}

// Uses returns how many leases this session has served.
func (s *Session) Uses() int64 {
	return s.useCount.Load()
}

// NewPage opens a stealth-patched page in the session's window.
func (s *Session) NewPage(ctx context.Context) (*rod.Page, error) {
	page, err := stealth.Page(s.browser.Context(ctx))
	if err != nil {
		return nil, types.NewUploadError(types.CategoryBrowser, s.WindowName,
			fmt.Sprintf("open page: %v", err), true, err)
	}
	return page, nil
}

// attach connects to a window's CDP endpoint.
func attach(ctx context.Context, ws string) (*rod.Browser, error) {
	browser := rod.New().ControlURL(ws).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to window: %w", err)
	}
	return browser, nil
}

// checkHealth verifies the CDP connection still answers by cycling a blank
// page. Slow or dead windows fail within the timeout.
func checkHealth(ctx context.Context, b *rod.Browser) bool {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	page, err := b.Context(hctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("Session health check failed: cannot create page")
		return false
	}
	defer func() { _ = page.Close() }()

	if err := page.Navigate("about:blank"); err != nil {
		log.Debug().Err(err).Msg("Session health check failed: cannot navigate")
		return false
	}
	return true
}

// loginMarkers are URL fragments that indicate the platform bounced the
// profile to a sign-in flow.
var loginMarkers = []string{
	"accounts.google.com",
	"/signin",
	"/login",
	"ServiceLogin",
}

// probeLogin navigates to the authenticated-area probe URL and inspects
// where the platform actually landed us. A redirect to a sign-in flow means
// the profile's stored session has expired.
func probeLogin(ctx context.Context, s *Session, probeURL string) error {
	page, err := s.NewPage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = page.Close() }()

	if err := page.Navigate(probeURL); err != nil {
		return types.NewUploadError(types.CategoryBrowser, s.WindowName,
			fmt.Sprintf("navigate login probe: %v", err), true, err)
	}
	if err := page.WaitLoad(); err != nil {
		return types.NewUploadError(types.CategoryBrowser, s.WindowName,
			fmt.Sprintf("load login probe: %v", err), true, err)
	}

	res, err := page.Eval(`() => ({ href: location.href, title: document.title })`)
	if err != nil {
		return types.NewUploadError(types.CategoryBrowser, s.WindowName,
			fmt.Sprintf("inspect login probe: %v", err), true, err)
	}
	href := res.Value.Get("href").Str()
	for _, marker := range loginMarkers {
		if strings.Contains(href, marker) {
			log.Warn().
				Str("window_name", s.WindowName).
				Str("landed_on", href).
				Msg("Profile session is not authenticated")
			return types.NewUploadError(types.CategoryAuth, s.WindowName,
				fmt.Sprintf("window %s landed on %s", s.WindowName, href),
				false, types.ErrNotLoggedIn)
		}
	}
	return nil
}
