package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flow-music/flow-worker/internal/cache"
	"github.com/flow-music/flow-worker/internal/config"
	"github.com/flow-music/flow-worker/internal/lifecycle"
	"github.com/flow-music/flow-worker/internal/logging"
)

type originStub struct {
	*httptest.Server
	hits atomic.Int32
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>flow</html>")
		case "/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"name":"Flow Music"}`)
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = io.WriteString(w, "console.log('flow')")
		case "/tracks/song.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = io.WriteString(w, "ID3")
		default:
			http.NotFound(w, r)
		}
	})
	stub.Server = httptest.NewServer(mux)
	t.Cleanup(stub.Close)
	return stub
}

func newE2EService(t *testing.T, origin string, driver string) *service {
	t.Helper()
	cfg := &config.Config{}
	cfg.Global.Origin = origin
	cfg.Global.StorageDriver = driver
	cfg.Global.StoragePath = t.TempDir()
	cfg.Global.UpstreamTimeout = config.Duration(5 * time.Second)
	cfg.Global.SkipWaiting = true
	cfg.Global.ClaimClients = true
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}

	svc, err := buildService(cfg, logging.NewDiscard())
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	t.Cleanup(svc.close)
	return svc
}

func (svc *service) get(t *testing.T, path string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://gateway.local"+path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := svc.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s: %v", path, err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestGatewayEndToEnd(t *testing.T) {
	for _, driver := range []string{cache.DriverFS, cache.DriverLevelDB} {
		t.Run(driver, func(t *testing.T) {
			origin := newOriginStub(t)
			svc := newE2EService(t, origin.URL, driver)

			if err := svc.worker.Start(context.Background()); err != nil {
				t.Fatalf("start: %v", err)
			}
			if got := svc.worker.Lifecycle().Snapshot().State; got != lifecycle.StateActivated {
				t.Fatalf("expected activated, got %s", got)
			}

			resp, body := svc.get(t, "/app.js", nil)
			if resp.StatusCode != http.StatusOK || body != "console.log('flow')" {
				t.Fatalf("unexpected app.js %d %s", resp.StatusCode, body)
			}
			if resp.Header.Get("X-Flow-Cache-Hit") != "false" {
				t.Fatalf("first request must come from network")
			}
			svc.worker.Drain()

			resp, body = svc.get(t, "/tracks/song.mp3", nil)
			if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Flow-Strategy") != "network-first" || body != "ID3" {
				t.Fatalf("unexpected audio response %d %v %s", resp.StatusCode, resp.Header, body)
			}

			origin.Close()

			resp, body = svc.get(t, "/app.js", nil)
			if resp.StatusCode != http.StatusOK || body != "console.log('flow')" || resp.Header.Get("X-Flow-Cache-Hit") != "true" {
				t.Fatalf("expected cached app.js offline, got %d %s", resp.StatusCode, body)
			}

			resp, body = svc.get(t, "/library", map[string]string{"Accept": "text/html"})
			if resp.StatusCode != http.StatusOK || body != "<html>flow</html>" {
				t.Fatalf("expected offline fallback document, got %d %s", resp.StatusCode, body)
			}

			resp, _ = svc.get(t, "/tracks/song.mp3", nil)
			if resp.StatusCode != http.StatusBadGateway {
				t.Fatalf("uncached audio must fail offline, got %d", resp.StatusCode)
			}
		})
	}
}

func TestGatewayNetworkOnlyBeforeInstall(t *testing.T) {
	origin := newOriginStub(t)
	svc := newE2EService(t, origin.URL, cache.DriverFS)

	resp, body := svc.get(t, "/app.js", nil)
	if resp.StatusCode != http.StatusOK || body != "console.log('flow')" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	svc.worker.Drain()

	names, err := svc.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("nothing may be cached before activation, got %v", names)
	}
}
