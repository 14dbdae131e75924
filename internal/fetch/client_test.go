package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestNewUpstreamClientTimeout(t *testing.T) {
	client := NewUpstreamClient(45 * time.Second)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if NewUpstreamClient(0).Timeout != 0 {
		t.Fatalf("zero timeout should leave client without deadline")
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}
	if got := dst.Values("X-Test-Header"); len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestHTTPFetcherMarksSameOriginBasic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer upstream.Close()

	origin, _ := url.Parse(upstream.URL)
	fetcher := NewHTTPFetcher(upstream.Client(), origin)

	req, err := NewRequest(upstream.URL+"/app.css", DestinationStyle)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := fetcher.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "body{}" {
		t.Fatalf("unexpected response: %d %s", resp.Status, resp.Body)
	}
	if resp.Type != ResponseTypeBasic {
		t.Fatalf("same-origin response should be basic, got %s", resp.Type)
	}
	if resp.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("content type not preserved: %s", resp.Header.Get("Content-Type"))
	}
}

func TestHTTPFetcherMarksCrossOriginOpaque(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer upstream.Close()

	origin, _ := url.Parse("https://flow.example")
	fetcher := NewHTTPFetcher(upstream.Client(), origin)
	req, _ := NewRequest(upstream.URL+"/lib.js", DestinationScript)

	resp, err := fetcher.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Type != ResponseTypeOpaque {
		t.Fatalf("cross-origin response should be opaque, got %s", resp.Type)
	}
}

func TestHTTPFetcherReturnsNetworkError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	fetcher := NewHTTPFetcher(NewUpstreamClient(time.Second), nil)
	req, _ := NewRequest(target+"/index.html", DestinationDocument)
	if _, err := fetcher.Fetch(context.Background(), req); err == nil {
		t.Fatalf("closed server should surface a network error")
	}
}

func TestResponseCloneIsIndependent(t *testing.T) {
	original := &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("<html>"),
	}
	copyResp := original.Clone()
	copyResp.Body[0] = 'X'
	copyResp.Header.Set("Content-Type", "text/plain")

	if string(original.Body) != "<html>" {
		t.Fatalf("clone shares body with original: %s", original.Body)
	}
	if original.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("clone shares header with original")
	}
}

func TestRequestKeyDropsFragment(t *testing.T) {
	req, _ := NewRequest("https://flow.example/app.js?v=2#top", DestinationScript)
	if got := req.Key(); got != "GET https://flow.example/app.js?v=2" {
		t.Fatalf("unexpected key %s", got)
	}
}
