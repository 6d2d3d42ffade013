package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/feedsnap/config"
	"github.com/use-agent/feedsnap/harvest"
	"github.com/use-agent/feedsnap/models"
	"github.com/use-agent/feedsnap/retry"
)

// Login authenticates the page against the feed site.
//
// Each attempt loads landingURL, clears the consent overlay, opens the
// login modal and submits the credentials. When debugDir is non-empty the
// page as it looked with the modal open is written to debugDir/login.html.
func (p *FeedPage) Login(ctx context.Context, cfg config.LoginConfig, landingURL string, consent *harvest.Dismisser, debugDir string) error {
	password, err := ResolvePassword(cfg)
	if err != nil {
		return models.NewCaptureError(models.ErrCodeLogin, "login credentials unavailable", err)
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Attempts,
		Backoff:     cfg.Backoff,
		Name:        "login",
	}
	err = policy.Do(ctx, func(ctx context.Context) error {
		return p.loginOnce(ctx, cfg, password, landingURL, consent, debugDir)
	})
	if err != nil {
		if ctx.Err() != nil {
			return categorizeError(err, "login interrupted")
		}
		return models.NewCaptureError(models.ErrCodeLogin, "login failed", err)
	}
	slog.Info("logged in", "user", cfg.User)
	return nil
}

func (p *FeedPage) loginOnce(ctx context.Context, cfg config.LoginConfig, password, landingURL string, consent *harvest.Dismisser, debugDir string) error {
	// ── 1. Landing page, consent cleared ──
	if err := navigateWithin(ctx, p, landingURL, cfg.NavigationTimeout); err != nil {
		return fmt.Errorf("load landing page: %w", err)
	}
	consent.Dismiss(ctx, p)

	pg := p.bind(ctx)
	wait := pg.Timeout(cfg.ModalTimeout)

	// ── 2. Open the modal ──
	link, err := wait.Element(cfg.LinkSelector)
	if err != nil {
		return fmt.Errorf("login link %q: %w", cfg.LinkSelector, err)
	}
	if err := link.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click login link: %w", err)
	}
	consent.Dismiss(ctx, p)
	modal, err := wait.Element(cfg.ModalSelector)
	if err != nil {
		return fmt.Errorf("login modal %q: %w", cfg.ModalSelector, err)
	}
	if err := modal.WaitVisible(); err != nil {
		return fmt.Errorf("login modal not visible: %w", err)
	}

	if debugDir != "" {
		p.saveDebugPage(ctx, debugDir)
	}

	// ── 3. Credentials ──
	user, err := wait.Element(cfg.UserSelector)
	if err != nil {
		return fmt.Errorf("user field: %w", err)
	}
	if err := user.Input(cfg.User); err != nil {
		return fmt.Errorf("type user: %w", err)
	}
	pass, err := wait.Element(cfg.PasswordSelector)
	if err != nil {
		return fmt.Errorf("password field: %w", err)
	}
	if err := pass.Input(password); err != nil {
		return fmt.Errorf("type password: %w", err)
	}
	submit, err := wait.Element(cfg.SubmitSelector)
	if err != nil {
		return fmt.Errorf("submit button: %w", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	// ── 4. The modal closes on success ──
	if err := modal.Timeout(cfg.ModalTimeout).WaitInvisible(); err != nil {
		return fmt.Errorf("login modal still open, credentials rejected: %w", err)
	}
	if err := pg.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge after login", "error", err)
	}
	return nil
}

type navigator interface {
	Navigate(ctx context.Context, url string) error
}

// navigateWithin bounds a single navigation by d. A non-positive d leaves
// only ctx in charge.
func navigateWithin(ctx context.Context, nav navigator, url string, d time.Duration) error {
	if d <= 0 {
		return nav.Navigate(ctx, url)
	}
	nctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return nav.Navigate(nctx, url)
}

func (p *FeedPage) saveDebugPage(ctx context.Context, dir string) {
	html, err := p.HTML(ctx)
	if err != nil {
		slog.Debug("login page snapshot failed", "error", err)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Debug("login page snapshot failed", "error", err)
		return
	}
	path := filepath.Join(dir, "login.html")
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		slog.Debug("login page snapshot failed", "error", err)
	}
}
