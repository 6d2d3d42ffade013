package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/feedsnap/config"
	"github.com/use-agent/feedsnap/harvest"
	"github.com/use-agent/feedsnap/models"
	"github.com/use-agent/feedsnap/webhook"
)

// staticSession is a one-screen feed: every entry is visible and the page
// never scrolls.
type staticSession struct {
	assets string

	mu       sync.Mutex
	url      string
	frozen   map[string]bool
	loggedIn bool
	scheme   string
	closed   bool
	loginErr error
}

var _ Session = (*staticSession)(nil)

func newStaticSession(assets string) *staticSession {
	return &staticSession{assets: assets, frozen: map[string]bool{}}
}

func (s *staticSession) keys() []string {
	seg := strings.TrimPrefix(s.url[strings.LastIndex(s.url, "/")+1:], "p")
	return []string{"a" + seg, "b" + seg}
}

func (s *staticSession) URL(context.Context) (string, error) { return s.url, nil }

func (s *staticSession) Navigate(_ context.Context, u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = u
	s.frozen = map[string]bool{}
	return nil
}

func (s *staticSession) Entries(context.Context) ([]harvest.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.Entry
	for _, k := range s.keys() {
		out = append(out, harvest.Entry{Ref: k, Key: k, Active: !s.frozen[k], Visible: true})
	}
	return out, nil
}

func (s *staticSession) Expand(context.Context, string) (int, error) { return 0, nil }

func (s *staticSession) Freeze(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen[ref] {
		return false, nil
	}
	s.frozen[ref] = true
	return true, nil
}

func (s *staticSession) ScrollBy(context.Context) error { return nil }

func (s *staticSession) Scroll(context.Context) (harvest.ScrollState, error) {
	return harvest.ScrollState{Offset: 0, Viewport: 600, Height: 600}, nil
}

func (s *staticSession) RemoveConsent(context.Context, string) (int, error) { return 0, nil }

func (s *staticSession) NextLink(context.Context, string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	fmt.Sscanf(s.url[strings.LastIndex(s.url, "/")+1:], "p%d", &n)
	return fmt.Sprintf("/feed/p%d", n+1), true, nil
}

func (s *staticSession) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	b.WriteString(`<html><head><title>Feed</title></head><body>`)
	for _, k := range s.keys() {
		class := "entry active"
		if s.frozen[k] {
			class = "entry cloned"
		}
		fmt.Fprintf(&b, `<section class="%s" data-id="%s"><p>entry %s body %s-x %s-y</p><img src="%s/img.png"></section>`,
			class, k, k, k, k, s.assets)
	}
	b.WriteString(`</body></html>`)
	return b.String(), nil
}

func (s *staticSession) Login(_ context.Context, _ config.LoginConfig, _ string, _ *harvest.Dismisser, debugDir string) error {
	if s.loginErr != nil {
		return s.loginErr
	}
	s.loggedIn = true
	_ = os.MkdirAll(debugDir, 0o755)
	return os.WriteFile(filepath.Join(debugDir, "login.html"), []byte("<html></html>"), 0o644)
}

func (s *staticSession) ApplyColorScheme(_ context.Context, scheme string) error {
	s.scheme = scheme
	return nil
}

func (s *staticSession) Cookies(string) ([]*http.Cookie, error) {
	return []*http.Cookie{{Name: "sid", Value: "1", Domain: "127.0.0.1", Path: "/"}}, nil
}

func (s *staticSession) Close() { s.closed = true }

type fakeMailer struct {
	sent []string
	err  error
}

func (m *fakeMailer) Send(_ context.Context, path string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, path)
	return nil
}

func assetServer(t *testing.T) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, img)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Capture.OutputRoot = t.TempDir()
	cfg.Capture.LandingURL = "https://feed.example/feed/p1"
	cfg.Capture.Segments = 2
	cfg.Capture.SegmentDelay = 0
	cfg.Capture.ConsentSettle = 0
	cfg.Capture.ScrollSettle = 0
	cfg.Capture.ExpandSettle = 0
	cfg.Capture.NavigationBackoff = 0
	cfg.Inline.RequestsPerSecond = 0
	cfg.Login.Enabled = true
	cfg.Archive.Enabled = true
	cfg.Mail.Enabled = true
	return cfg
}

var testDay = time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)

func newTestRunner(cfg *config.Config, sess *staticSession, mailer Deliverer) *Runner {
	n := webhook.New()
	n.Delays = []time.Duration{0}
	r := NewRunner(cfg, func(context.Context) (Session, error) { return sess, nil }, mailer, n)
	r.fetchTransport = http.DefaultTransport
	r.now = func() time.Time { return testDay }
	return r
}

func TestRunCompletes(t *testing.T) {
	cfg := testConfig(t)
	assets := assetServer(t)
	sess := newStaticSession(assets.URL)
	mailer := &fakeMailer{}

	var hook webhook.Event
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &hook)
	}))
	defer hookSrv.Close()

	r := newTestRunner(cfg, sess, mailer)
	opts := DefaultOptions(cfg)
	opts.WebhookURL = hookSrv.URL

	rep, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, models.StatusCompleted, rep.Status)
	assert.Equal(t, filepath.Join(cfg.Capture.OutputRoot, "20240307"), rep.OutputDir)
	require.Len(t, rep.Segments, 2)
	assert.Equal(t, "https://feed.example/feed/p2", rep.Segments[1].URL)
	for i, seg := range rep.Segments {
		assert.Equal(t, 2, seg.Frozen, "segment %d", i+1)
		assert.Equal(t, 1, seg.Resources.Embedded, "one distinct image URL")
		assert.Equal(t, filepath.Join(rep.OutputDir, fmt.Sprintf("feed_%d.html", i+1)), seg.File)
		data, err := os.ReadFile(seg.File)
		require.NoError(t, err)
		assert.Contains(t, string(data), "data:image/png;base64,")
	}

	assert.True(t, sess.loggedIn)
	assert.Equal(t, "dark", sess.scheme)
	assert.True(t, sess.closed)
	assert.FileExists(t, filepath.Join(rep.OutputDir, "login", "login.html"))

	assert.Equal(t, filepath.Join(cfg.Capture.OutputRoot, "zips", "feed_20240307.zip"), rep.Archive)
	assert.FileExists(t, rep.Archive)
	assert.Equal(t, []string{rep.Archive}, mailer.sent)
	assert.True(t, rep.Delivered)

	assert.Equal(t, webhook.EventCaptureCompleted, hook.Type)
	assert.Equal(t, rep.ID, hook.RunID)
	assert.Empty(t, r.Active())
}

func TestRunClearsRunDirectory(t *testing.T) {
	cfg := testConfig(t)
	stale := filepath.Join(cfg.Capture.OutputRoot, "20240307", "feed_9.html")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	r := newTestRunner(cfg, newStaticSession(assetServer(t).URL), &fakeMailer{})
	_, err := r.Run(context.Background(), DefaultOptions(cfg))
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

func TestRunLoginFailure(t *testing.T) {
	cfg := testConfig(t)
	sess := newStaticSession(assetServer(t).URL)
	sess.loginErr = models.NewCaptureError(models.ErrCodeLogin, "login failed", errors.New("modal never opened"))
	mailer := &fakeMailer{}

	r := newTestRunner(cfg, sess, mailer)
	rep, err := r.Run(context.Background(), DefaultOptions(cfg))
	require.Error(t, err)

	var ce *models.CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.ErrCodeLogin, ce.Code)
	assert.Equal(t, models.StatusFailed, rep.Status)
	require.NotNil(t, rep.Error)
	assert.Equal(t, models.ErrCodeLogin, rep.Error.Code)
	assert.Empty(t, rep.Archive)
	assert.Empty(t, mailer.sent)
	assert.True(t, sess.closed)
}

func TestRunDeliveryFailureIsPartial(t *testing.T) {
	cfg := testConfig(t)
	mailer := &fakeMailer{err: models.NewCaptureError(models.ErrCodeDelivery, "send mail", errors.New("refused"))}
	r := newTestRunner(cfg, newStaticSession(assetServer(t).URL), mailer)

	rep, err := r.Run(context.Background(), DefaultOptions(cfg))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, rep.Status)
	require.Len(t, rep.Warnings, 1)
	assert.Equal(t, models.ErrCodeDelivery, rep.Warnings[0].Code)
	assert.FileExists(t, rep.Archive)
	assert.False(t, rep.Delivered)
}

func TestRunWithoutArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Login.Enabled = false
	mailer := &fakeMailer{}
	sess := newStaticSession(assetServer(t).URL)
	r := newTestRunner(cfg, sess, mailer)

	opts := DefaultOptions(cfg)
	opts.Archive = false
	opts.Segments = 1
	rep, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rep.Status)
	assert.Empty(t, rep.Archive)
	assert.Empty(t, mailer.sent)
	assert.False(t, sess.loggedIn)
	assert.Len(t, rep.Segments, 1)
}

func TestRunBusy(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRunner(cfg, newStaticSession(""), nil)
	r.busy.Store(true)

	_, err := r.Run(context.Background(), DefaultOptions(cfg))
	assert.ErrorIs(t, err, ErrBusy)
	_, err = r.Start(context.Background(), DefaultOptions(cfg))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestRunRequiresLandingURL(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRunner(cfg, newStaticSession(""), nil)
	opts := DefaultOptions(cfg)
	opts.LandingURL = ""
	_, err := r.Run(context.Background(), opts)
	var ce *models.CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.ErrCodeInvalidInput, ce.Code)
}

func TestStartRunsInBackground(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mail.Enabled = false
	r := newTestRunner(cfg, newStaticSession(assetServer(t).URL), nil)

	id, err := r.Start(context.Background(), DefaultOptions(cfg))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rep := r.Get(id)
		return rep != nil && rep.Status != models.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusCompleted, r.Get(id).Status)
	assert.Nil(t, r.Get("unknown"))
}

func TestOptionsApply(t *testing.T) {
	cfg := config.Defaults()
	base := DefaultOptions(cfg)
	no := false

	got := base.Apply(&models.CaptureRequest{
		URL:           "https://feed.example/x",
		Segments:      7,
		Archive:       &no,
		WebhookURL:    "https://hooks.example/a",
		WebhookSecret: "s",
	})
	assert.Equal(t, "https://feed.example/x", got.LandingURL)
	assert.Equal(t, 7, got.Segments)
	assert.False(t, got.Archive)
	assert.Equal(t, base.Digest, got.Digest)
	assert.Equal(t, "https://hooks.example/a", got.WebhookURL)
	assert.Equal(t, "s", got.WebhookSecret)

	assert.Equal(t, base, base.Apply(nil))
}
