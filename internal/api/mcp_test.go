package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/judgemyjpeg/jmj/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_SetAndGetPreference(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	req := makeCallToolRequest("set_preference", map[string]interface{}{
		"key":   "tone",
		"value": "roast",
	})
	result, err := mcpSetPreference(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	v, ok, err := store.GetPreference(context.Background(), "tone")
	if err != nil || !ok || v != "roast" {
		t.Fatalf("GetPreference = (%q, %v, %v), want roast", v, ok, err)
	}

	req = makeCallToolRequest("get_preference", map[string]interface{}{"key": "tone"})
	result, err = mcpGetPreference(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := toolText(t, result); got != "roast" {
		t.Errorf("get_preference = %q, want roast", got)
	}
}

func TestMCPTool_GetPreference_Missing(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	req := makeCallToolRequest("get_preference", map[string]interface{}{"key": "nope"})
	result, err := mcpGetPreference(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unset preference")
	}
}

func TestMCPTool_SetPreference_MissingArgs(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	req := makeCallToolRequest("set_preference", map[string]interface{}{"key": "tone"})
	result, err := mcpSetPreference(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result when value is missing")
	}
}

func TestMCPTool_StoreStats(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	ctx := context.Background()

	store.Enqueue(ctx, storage.QueueItem{Payload: []byte("a")})
	store.Enqueue(ctx, storage.QueueItem{Payload: []byte("b")})
	store.SetPreference(ctx, "language", "fr")

	result, err := mcpStoreStats(deps)(ctx, makeCallToolRequest("store_stats", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st storage.Stats
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if st.QueueSize != 2 || st.PreferencesSize != 1 || st.TotalSize != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMCPTool_SweepCache(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	ctx := context.Background()

	store.Put(ctx, storage.CacheEntry{ContentHash: "old", ExpiresAt: time.Now().Add(-time.Hour), Result: []byte(`{}`)})
	store.Put(ctx, storage.CacheEntry{ContentHash: "new", Result: []byte(`{}`)})

	result, err := mcpSweepCache(deps)(ctx, makeCallToolRequest("sweep_cache", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := toolText(t, result); !strings.Contains(got, "Removed 1 ") {
		t.Errorf("sweep_cache = %q, want 1 removed", got)
	}
}

func TestMCPTool_ListQueue(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	ctx := context.Background()

	store.Enqueue(ctx, storage.QueueItem{
		Payload:  []byte("secret-bytes"),
		Metadata: storage.SubmissionMetadata{Filename: "a.jpg", Tone: "roast", Language: "en", SizeBytes: 12},
	})

	result, err := mcpListQueue(deps)(ctx, makeCallToolRequest("list_queue", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := toolText(t, result)
	if strings.Contains(text, "secret-bytes") || strings.Contains(text, "payload") {
		t.Errorf("list_queue leaked payload: %s", text)
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 1 || items[0]["filename"] != "a.jpg" {
		t.Errorf("items = %v", items)
	}
}

func TestMCPResource_Stats(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	store.SetPreference(context.Background(), "tone", "gentle")

	contents, err := mcpResourceStats(deps)(context.Background(), makeReadResourceRequest("store://stats"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "store://stats" || tc.MIMEType != "application/json" {
		t.Errorf("unexpected resource header: %s %s", tc.URI, tc.MIMEType)
	}
	var st storage.Stats
	json.Unmarshal([]byte(tc.Text), &st)
	if st.PreferencesSize != 1 {
		t.Errorf("PreferencesSize = %d, want 1", st.PreferencesSize)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	setHandler := mcpSetPreference(deps)
	statsHandler := mcpStoreStats(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 20)

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("set_preference", map[string]interface{}{
				"key":   "tone",
				"value": "roast",
			})
			if res, err := setHandler(context.Background(), req); err != nil || res.IsError {
				errs <- "set_preference failed"
			}
		}()
		go func() {
			defer wg.Done()
			if res, err := statsHandler(context.Background(), makeCallToolRequest("store_stats", nil)); err != nil || res.IsError {
				errs <- "store_stats failed"
			}
		}()
	}

	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Fatalf("concurrent call failed: %s", msg)
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
