// Package browsersession adapts go-rod/rod into the opaque BrowserSession
// the extraction driver consumes: per-profile persistent browser
// instances, navigation, DOM readiness, scrolling, JS evaluation, and
// intercepted-XHR body delivery with brotli decompression.
package browsersession

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Manager launches and caches one persistent headless browser per profile
// id, so a profile's cookies/local-storage survive across leases.
type Manager struct {
	baseDir string
	logger  *slog.Logger

	mu       sync.Mutex
	browsers map[string]*rod.Browser
}

// NewManager returns a Manager that stores per-profile browser data under
// baseDir/<profileID>.
func NewManager(baseDir string, logger *slog.Logger) *Manager {
	return &Manager{
		baseDir:  baseDir,
		logger:   logger.With("component", "browsersession"),
		browsers: make(map[string]*rod.Browser),
	}
}

// Open returns a fresh page within the profile's persistent browser,
// launching the browser on first use for that profile.
func (m *Manager) Open(profileID string) (*Session, error) {
	browser, err := m.browserFor(profileID)
	if err != nil {
		return nil, fmt.Errorf("browsersession: open %s: %w", profileID, err)
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("browsersession: stealth page %s: %w", profileID, err)
	}

	cfg := DefaultStealthConfig()
	if _, err := page.EvalOnNewDocument(cfg.JS()); err != nil {
		m.logger.Warn("stealth script injection failed", "profile", profileID, "error", err)
	}

	s := &Session{profileID: profileID, page: page, logger: m.logger, xhrBodies: make(chan []byte, 64)}
	s.installXHRInterceptor()
	return s, nil
}

func (m *Manager) browserFor(profileID string) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.browsers[profileID]; ok {
		return b, nil
	}

	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled").
		UserDataDir(filepath.Join(m.baseDir, profileID))

	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	m.browsers[profileID] = browser
	return browser, nil
}

// CloseProfile shuts down and forgets the persistent browser for a profile.
// The serve command does not call it on shutdown.
func (m *Manager) CloseProfile(profileID string) error {
	m.mu.Lock()
	browser, ok := m.browsers[profileID]
	delete(m.browsers, profileID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return browser.Close()
}

// Session is a single page within a profile's browser, the unit the
// Extraction Driver drives through one target's navigate/scroll/extract loop.
type Session struct {
	profileID string
	page      *rod.Page
	logger    *slog.Logger
	xhrBodies chan []byte
}

// Navigate loads a URL and waits for the DOM to settle.
func (s *Session) Navigate(ctx context.Context, url string) error {
	timeout := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}

	if err := s.page.Timeout(timeout).Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := s.page.Timeout(timeout).WaitStable(300 * time.Millisecond); err != nil {
		s.logger.Warn("page stability timeout", "url", url, "error", err)
	}
	return nil
}

// ScrollBy scrolls the page by deltaY pixels and waits briefly for new
// content to render.
func (s *Session) ScrollBy(ctx context.Context, deltaY int) error {
	_, err := s.page.Eval(fmt.Sprintf("() => window.scrollBy(0, %d)", deltaY))
	if err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(400 * time.Millisecond):
	}
	return nil
}

// ScrollOffset returns the page's current vertical scroll position in
// pixels, used by the driver to tell a stuck feed from one still loading.
func (s *Session) ScrollOffset(ctx context.Context) (int, error) {
	res, err := s.page.Context(ctx).Eval("() => window.scrollY")
	if err != nil {
		return 0, fmt.Errorf("scroll offset: %w", err)
	}
	return res.Value.Int(), nil
}

// Eval runs JavaScript in the page context and returns its string value.
func (s *Session) Eval(js string) (string, error) {
	res, err := s.page.Eval(js)
	if err != nil {
		return "", fmt.Errorf("eval: %w", err)
	}
	return res.Value.String(), nil
}

// HTML returns the page's current rendered DOM.
func (s *Session) HTML() (string, error) {
	html, err := s.page.HTML()
	if err != nil {
		return "", fmt.Errorf("html: %w", err)
	}
	return html, nil
}

// XHRBodies streams decompressed bodies of intercepted XHR/fetch responses.
// Nothing in internal/extractor reads it; extraction works from HTML().
func (s *Session) XHRBodies() <-chan []byte {
	return s.xhrBodies
}

// installXHRInterceptor hijacks XHR/fetch responses, transparently
// decoding brotli-compressed bodies before forwarding them.
func (s *Session) installXHRInterceptor() {
	router := s.page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if err := h.LoadResponse(http.DefaultClient, true); err != nil {
			return
		}

		resourceType := h.Request.Type()
		if resourceType != proto.NetworkResourceTypeXHR && resourceType != proto.NetworkResourceTypeFetch {
			return
		}

		body := h.Response.Body()
		if h.Response.Headers().Get("Content-Encoding") == "br" {
			decoded, err := decodeBrotli([]byte(body))
			if err == nil {
				body = string(decoded)
			}
		}

		select {
		case s.xhrBodies <- []byte(body):
		default:
			s.logger.Warn("xhr body buffer full, dropping", "profile", s.profileID)
		}
	})
	go router.Run()
}

func decodeBrotli(compressed []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
}

// Close releases the page (the profile's persistent browser stays alive for
// future sessions via Manager).
func (s *Session) Close() error {
	close(s.xhrBodies)
	return s.page.Close()
}
