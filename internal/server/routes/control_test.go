package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/flow-music/flow-worker/internal/cache"
	"github.com/flow-music/flow-worker/internal/config"
	"github.com/flow-music/flow-worker/internal/fetch"
	"github.com/flow-music/flow-worker/internal/host"
	"github.com/flow-music/flow-worker/internal/lifecycle"
	"github.com/flow-music/flow-worker/internal/logging"
	"github.com/flow-music/flow-worker/internal/notify"
	"github.com/flow-music/flow-worker/internal/routing"
	"github.com/flow-music/flow-worker/internal/server"
	"github.com/flow-music/flow-worker/internal/worker"
)

type stubOrigin struct {
	mu      sync.Mutex
	offline bool
	seen    []string
}

func (o *stubOrigin) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, req.CacheURL())
	if o.offline {
		return nil, errors.New("offline")
	}
	return &fetch.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte("origin " + req.URL.Host + req.URL.Path),
		Type:   fetch.ResponseTypeBasic,
		URL:    req.CacheURL(),
	}, nil
}

func (o *stubOrigin) setOffline(v bool) {
	o.mu.Lock()
	o.offline = v
	o.mu.Unlock()
}

type controlFixture struct {
	app     *fiber.App
	origin  *stubOrigin
	clients *host.Clients
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()
	logger := logging.NewDiscard()

	cfg := &config.Config{}
	cfg.Global.Origin = "https://flow.example"
	cfg.Cache.ExternalHosts = []string{"CDN.flow-music.example"}
	config.ApplyDefaults(cfg)

	storage, err := cache.NewStorage(cache.DriverLevelDB, t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	var manifest []string
	for _, raw := range cfg.Cache.Manifest {
		abs, _ := cfg.ResolveURL(raw)
		manifest = append(manifest, abs)
	}
	fallback, _ := cfg.ResolveURL(cfg.Cache.OfflineFallback)

	origin := &stubOrigin{}
	clients := host.NewClients(time.Minute)
	center := host.NewNotificationCenter(time.Hour)

	mgr, err := lifecycle.NewManager(lifecycle.Options{
		CacheName:    cfg.Cache.Name,
		Manifest:     manifest,
		Storage:      storage,
		Fetcher:      origin,
		Clients:      clients,
		ClaimClients: true,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	router, err := routing.NewRouter(routing.Options{
		Source:      mgr,
		Fetcher:     origin,
		Policy:      routing.NewPolicy(cfg.Cache),
		FallbackURL: fallback,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	deliverer, err := notify.NewDeliverer(notify.DefaultsFromConfig(cfg.Notification), center, clients, logger)
	if err != nil {
		t.Fatalf("deliverer: %v", err)
	}
	w, err := worker.New(worker.Options{
		Lifecycle:   mgr,
		Router:      router,
		Deliverer:   deliverer,
		SkipWaiting: true,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	t.Cleanup(w.Drain)

	gateway, err := server.NewGateway(cfg.OriginURL(), w, origin, logger)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{Logger: logger, Gateway: gateway})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	RegisterControlRoutes(app, ControlOptions{
		Worker:        w,
		Gateway:       gateway,
		Clients:       clients,
		Notifications: center,
		Logger:        logger,
	})
	return &controlFixture{app: app, origin: origin, clients: clients}
}

func (f *controlFixture) do(t *testing.T, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, "http://gateway.local"+target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s %s: %v", method, target, err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestStatusAndUpdate(t *testing.T) {
	f := newControlFixture(t)

	resp, body := f.do(t, http.MethodGet, "/-/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}
	var status statusPayload
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Lifecycle.State != lifecycle.StateParsed || len(status.Events) != 7 {
		t.Fatalf("unexpected status %+v", status)
	}

	resp, body = f.do(t, http.MethodPost, "/-/update", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, body)
	}
	var snap lifecycle.Snapshot
	_ = json.Unmarshal(body, &snap)
	if snap.State != lifecycle.StateActivated || snap.ActiveCache != config.DefaultCacheName {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestUpdateReportsInstallFailure(t *testing.T) {
	f := newControlFixture(t)
	f.origin.setOffline(true)

	resp, body := f.do(t, http.MethodPost, "/-/update", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"install_failed"`)) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestOfflineDocumentFallsBackToIndex(t *testing.T) {
	f := newControlFixture(t)
	if resp, body := f.do(t, http.MethodPost, "/-/update", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, body)
	}
	f.origin.setOffline(true)

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/library/playlists", nil)
	req.Header.Set("Accept", "text/html")
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "origin flow.example/index.html" {
		t.Fatalf("expected cached index, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Flow-Cache-Hit") != "true" {
		t.Fatalf("expected cache hit header")
	}
}

func TestPushAndClickFlow(t *testing.T) {
	f := newControlFixture(t)

	resp, body := f.do(t, http.MethodPost, "/-/push", `{"title":"Song","body":"Now playing","url":"/play/42"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("push: %d %s", resp.StatusCode, body)
	}
	var shown notify.Notification
	if err := json.Unmarshal(body, &shown); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if shown.ID == "" || shown.Title != "Song" || shown.Body != "Now playing" {
		t.Fatalf("unexpected notification %+v", shown)
	}

	resp, body = f.do(t, http.MethodPost, "/-/notifications/"+shown.ID+"/click", `{"action":"play"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("click: %d %s", resp.StatusCode, body)
	}
	var outcome notify.ClickOutcome
	_ = json.Unmarshal(body, &outcome)
	if outcome.OpenedAt != "/play/42" {
		t.Fatalf("expected window at /play/42, got %+v", outcome)
	}

	resp, _ = f.do(t, http.MethodPost, "/-/notifications/"+shown.ID+"/click", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("closed notification must be gone, got %d", resp.StatusCode)
	}
}

func TestClickFocusesOpenWindow(t *testing.T) {
	f := newControlFixture(t)

	resp, body := f.do(t, http.MethodPost, "/-/clients", `{"url":"https://flow.example/"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", resp.StatusCode, body)
	}
	var hb heartbeatPayload
	_ = json.Unmarshal(body, &hb)
	if hb.Client.ID == "" {
		t.Fatalf("expected client id")
	}

	_, body = f.do(t, http.MethodPost, "/-/push", "hello")
	var shown notify.Notification
	_ = json.Unmarshal(body, &shown)
	if shown.Title != "Flow Music" || shown.Body != "hello" {
		t.Fatalf("unexpected plain text notification %+v", shown)
	}

	_, body = f.do(t, http.MethodPost, "/-/notifications/"+shown.ID+"/click?action=play", "")
	var outcome notify.ClickOutcome
	_ = json.Unmarshal(body, &outcome)
	if outcome.Focused != hb.Client.ID {
		t.Fatalf("expected focus on %s, got %+v", hb.Client.ID, outcome)
	}

	_, body = f.do(t, http.MethodPost, "/-/clients", `{"id":"`+hb.Client.ID+`"}`)
	_ = json.Unmarshal(body, &hb)
	if len(hb.Commands) != 1 || hb.Commands[0].Type != host.CommandFocus {
		t.Fatalf("expected focus command, got %+v", hb.Commands)
	}
}

func TestEmptyPushReturnsNoContent(t *testing.T) {
	f := newControlFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/-/push", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestMessageAndSync(t *testing.T) {
	f := newControlFixture(t)

	resp, body := f.do(t, http.MethodPost, "/-/message", `{"type":"SKIP_WAITING"}`)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"handled":true`)) {
		t.Fatalf("message: %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/-/sync", `{"tag":"background-sync"}`)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"handled":true`)) {
		t.Fatalf("sync: %d %s", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/-/sync?tag=other", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"handled":false`)) {
		t.Fatalf("sync other: %d %s", resp.StatusCode, body)
	}
}

func TestFetchAbsoluteURL(t *testing.T) {
	f := newControlFixture(t)

	target := "https://fonts.googleapis.com/css?family=Inter"
	resp, body := f.do(t, http.MethodGet, "/-/fetch?url="+url.QueryEscape(target), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Flow-Strategy") != string(routing.StrategyPassthrough) {
		t.Fatalf("third-party url must pass through, got %q", resp.Header.Get("X-Flow-Strategy"))
	}
	if !strings.HasPrefix(string(body), "origin fonts.googleapis.com") {
		t.Fatalf("unexpected body %s", body)
	}

	resp, body = f.do(t, http.MethodGet, "/-/fetch?url="+url.QueryEscape("https://cdn.flow-music.example/covers/42.png"), "")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(body), "origin cdn.flow-music.example/covers/42.png") {
		t.Fatalf("allowlisted host: %d %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodGet, "/-/fetch?url=/relative", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for relative url, got %d", resp.StatusCode)
	}
}

func TestFetchRejectsHostsOutsideAllowlist(t *testing.T) {
	f := newControlFixture(t)

	for _, target := range []string{
		"http://127.0.0.1:8080/",
		"http://169.254.169.254/latest/meta-data/",
		"http://127.0.0.1/?next=fonts.googleapis.com",
		"http://internal.example/googleapis/v1",
		"https://cdn.flow-music.example.evil.test/",
	} {
		resp, body := f.do(t, http.MethodGet, "/-/fetch?url="+url.QueryEscape(target), "")
		if resp.StatusCode != http.StatusForbidden || !bytes.Contains(body, []byte("host_not_allowed")) {
			t.Fatalf("%s: expected 403 host_not_allowed, got %d %s", target, resp.StatusCode, body)
		}
	}

	f.origin.mu.Lock()
	defer f.origin.mu.Unlock()
	if len(f.origin.seen) != 0 {
		t.Fatalf("rejected targets must never reach the network, got %v", f.origin.seen)
	}
}
