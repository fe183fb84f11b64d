package cdn_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"

	"go.cdragon.dev/cdragon/cdn"
	"go.cdragon.dev/cdragon/config"
	"go.cdragon.dev/cdragon/rman"
)

func newTestClient(t *testing.T, handler http.Handler) *cdn.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return cdn.NewClient(config.CDN{BaseURL: srv.URL, MaxRetries: 2}, zaptest.NewLogger(t))
}

// bundleHandler serves a single bundle object with full Range support
// (http.ServeContent answers multi-range requests with multipart bodies).
func bundleHandler(id rman.BundleID, body []byte) http.Handler {
	path := "/" + cdn.BundlePath(id)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "bundle", time.Time{}, bytes.NewReader(body))
	})
}

func TestFetchRanges(t *testing.T) {
	body := frand.Bytes(8192)
	client := newTestClient(t, bundleHandler(0xb7, body))

	ranges := []cdn.ByteRange{
		{Offset: 4096, Length: 60},
		{Offset: 0, Length: 128},
		{Offset: 8000, Length: 192},
	}
	bufs, err := client.FetchRanges(context.Background(), 0xb7, ranges)
	if err != nil {
		t.Fatal(err)
	}
	if len(bufs) != len(ranges) {
		t.Fatalf("expected %d buffers, got %d", len(ranges), len(bufs))
	}
	for i, r := range ranges {
		if !bytes.Equal(bufs[i], body[r.Offset:r.Offset+r.Length]) {
			t.Fatalf("range %d content mismatch", i)
		}
	}
}

func TestFetchRangesSingle(t *testing.T) {
	body := frand.Bytes(1024)
	client := newTestClient(t, bundleHandler(1, body))

	bufs, err := client.FetchRanges(context.Background(), 1, []cdn.ByteRange{{Offset: 100, Length: 200}})
	if err != nil {
		t.Fatal(err)
	}
	if len(bufs) != 1 || !bytes.Equal(bufs[0], body[100:300]) {
		t.Fatal("single range content mismatch")
	}
}

func TestFetchRangesIgnoredRangeHeader(t *testing.T) {
	// a server that ignores Range and always returns the whole object
	body := frand.Bytes(512)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))

	bufs, err := client.FetchRanges(context.Background(), 1, []cdn.ByteRange{
		{Offset: 10, Length: 20},
		{Offset: 400, Length: 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bufs[0], body[10:30]) || !bytes.Equal(bufs[1], body[400:500]) {
		t.Fatal("sliced range content mismatch")
	}
}

func TestFetchRangesRetriesTransient(t *testing.T) {
	body := frand.Bytes(256)
	var calls atomic.Int32
	inner := bundleHandler(5, body)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))

	bufs, err := client.FetchRanges(context.Background(), 5, []cdn.ByteRange{{Offset: 0, Length: 256}})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
	if !bytes.Equal(bufs[0], body) {
		t.Fatal("content mismatch after retry")
	}
}

func TestFetchRangesNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))

	_, err := client.FetchRanges(context.Background(), 9, []cdn.ByteRange{{Offset: 0, Length: 10}})
	var ne *cdn.NetworkError
	if !errors.As(err, &ne) || ne.Status != http.StatusNotFound {
		t.Fatalf("expected 404 NetworkError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("404 must not be retried, got %d calls", calls.Load())
	}
}

func TestChannelRelease(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/public/live-euw.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"timestamp":"2024-01-01T00:00:00Z","version":421,"client_patch_url":"https://cdn/client.manifest","game_patch_url":"https://cdn/game.manifest"}`))
	}))

	info, err := client.ChannelRelease(context.Background(), "live-euw")
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != 421 || info.GamePatchURL != "https://cdn/game.manifest" {
		t.Fatalf("unexpected release info: %+v", info)
	}
}

func TestDownloadFile(t *testing.T) {
	body := frand.Bytes(2048)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))

	dest := filepath.Join(t.TempDir(), "manifests", "A1B2.manifest")
	if err := client.DownloadFile(context.Background(), "releases/A1B2.manifest", dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got, body) {
		t.Fatal("downloaded content mismatch")
	}

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(dest))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the final file, found %d entries", len(entries))
	}
}
