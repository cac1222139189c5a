package replay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"

	"github.com/judgemyjpeg/jmj/internal/bridge"
	"github.com/judgemyjpeg/jmj/internal/storage"
)

type mockSubmitter struct {
	mu        sync.Mutex
	submitted []string
	submitFn  func(item storage.QueueItem) error
}

func (m *mockSubmitter) Submit(_ context.Context, item storage.QueueItem) error {
	if m.submitFn != nil {
		if err := m.submitFn(item); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, item.Metadata.Filename)
	return nil
}

func (m *mockSubmitter) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.submitted...)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *storage.Store, names ...string) {
	t.Helper()
	for _, n := range names {
		_, err := s.Enqueue(context.Background(), storage.QueueItem{
			Payload:  []byte("img-" + n),
			Metadata: storage.SubmissionMetadata{Filename: n, Tone: "professional", Language: "en"},
		})
		if err != nil {
			t.Fatalf("Enqueue %s: %v", n, err)
		}
	}
}

func queueLen(t *testing.T, s *storage.Store) int {
	t.Helper()
	items, err := s.ListQueued(context.Background())
	if err != nil {
		t.Fatalf("ListQueued: %v", err)
	}
	return len(items)
}

func TestRunOnce_DrainsInOrder(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "a.jpg", "b.jpg", "c.jpg")

	sub := &mockSubmitter{}
	w := NewWorker(store, sub, Options{})

	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if diff := cmp.Diff(Result{Submitted: 3}, res); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.jpg", "b.jpg", "c.jpg"}, sub.names()); diff != "" {
		t.Errorf("submission order (-want +got):\n%s", diff)
	}
	if n := queueLen(t, store); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestRunOnce_StopsOnFailure(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "a.jpg", "b.jpg", "c.jpg")

	sub := &mockSubmitter{submitFn: func(item storage.QueueItem) error {
		if item.Metadata.Filename == "b.jpg" {
			return fmt.Errorf("connection refused")
		}
		return nil
	}}
	w := NewWorker(store, sub, Options{})

	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Submitted != 1 || !res.Failed {
		t.Errorf("Result = %+v, want 1 submitted and failed", res)
	}

	items, err := store.ListQueued(context.Background())
	if err != nil {
		t.Fatalf("ListQueued: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("queue length = %d, want 2", len(items))
	}
	if items[0].Metadata.Filename != "b.jpg" || items[0].Attempts != 1 {
		t.Errorf("head = %s attempts=%d, want b.jpg attempts=1", items[0].Metadata.Filename, items[0].Attempts)
	}
	if items[0].LastError != "connection refused" {
		t.Errorf("LastError = %q", items[0].LastError)
	}
	if items[1].Attempts != 0 {
		t.Errorf("c.jpg attempts = %d, want 0 (never tried)", items[1].Attempts)
	}
}

func TestRunOnce_DropsAfterMaxAttempts(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "bad.jpg", "good.jpg")

	sub := &mockSubmitter{submitFn: func(item storage.QueueItem) error {
		if item.Metadata.Filename == "bad.jpg" {
			return fmt.Errorf("rejected")
		}
		return nil
	}}
	w := NewWorker(store, sub, Options{MaxAttempts: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i+1, err)
		}
	}

	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce 3: %v", err)
	}
	if res.Dropped != 1 || res.Submitted != 1 {
		t.Errorf("Result = %+v, want 1 dropped and 1 submitted", res)
	}
	if n := queueLen(t, store); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestRunOnce_ThroughBridge(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "a.jpg", "b.jpg")

	srv := bridge.NewServer(store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	sub := &mockSubmitter{}
	w := NewWorker(srv.Client(), sub, Options{})
	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Submitted != 2 {
		t.Errorf("Submitted = %d, want 2", res.Submitted)
	}
	if n := queueLen(t, store); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "a.jpg")

	sub := &mockSubmitter{}
	w := NewWorker(store, sub, Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(sub.names()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(sub.names()) != 1 {
		t.Errorf("submitted %d items, want 1", len(sub.names()))
	}
}

func TestRunOnce_RateLimited(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "a.jpg", "b.jpg", "c.jpg")

	sub := &mockSubmitter{}
	w := NewWorker(store, sub, Options{Limit: rate.Every(40 * time.Millisecond)})

	start := time.Now()
	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Submitted != 3 {
		t.Errorf("Submitted = %d, want 3", res.Submitted)
	}
	// First submission uses the burst token, the next two wait.
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("3 submissions took %v, want at least ~80ms", elapsed)
	}
}

func TestRunOnce_RateLimitHonorsContext(t *testing.T) {
	store := openTestStore(t)
	enqueue(t, store, "a.jpg", "b.jpg")

	sub := &mockSubmitter{}
	w := NewWorker(store, sub, Options{Limit: rate.Every(time.Hour)})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := w.RunOnce(ctx)
	if err == nil {
		t.Fatal("expected error when the limiter cannot wait within the deadline")
	}
	if res.Submitted != 1 {
		t.Errorf("Submitted = %d, want 1", res.Submitted)
	}
	if n := queueLen(t, store); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestBackoffDelay(t *testing.T) {
	w := NewWorker(nil, nil, Options{PollInterval: time.Second, MaxBackoff: 5 * time.Second})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, d := range want {
		w.failures = i
		if got := w.delay(); got != d {
			t.Errorf("delay after %d failures = %v, want %v", i, got, d)
		}
	}
}

func TestHTTPSubmitter(t *testing.T) {
	var gotAuth, gotTone, gotFile string
	var gotImage []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotTone = r.FormValue("tone")
		f, hdr, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFile = hdr.Filename
		gotImage, _ = io.ReadAll(f)
		w.Write([]byte(`{"score":7}`))
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(srv.URL, "secret", srv.Client())
	err := sub.Submit(context.Background(), storage.QueueItem{
		ID:       "q1",
		Payload:  []byte("jpeg"),
		Metadata: storage.SubmissionMetadata{Filename: "sunset.jpg", Tone: "roast", Language: "en"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotTone != "roast" {
		t.Errorf("tone = %q, want roast", gotTone)
	}
	if gotFile != "sunset.jpg" || string(gotImage) != "jpeg" {
		t.Errorf("file = %q (%q)", gotFile, gotImage)
	}
}

func TestHTTPSubmitter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(srv.URL, "", srv.Client())
	err := sub.Submit(context.Background(), storage.QueueItem{ID: "q1", Payload: []byte("x")})
	if err == nil {
		t.Fatal("expected error for 429")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error = %v", err)
	}
}
