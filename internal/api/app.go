package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/judgemyjpeg/jmj/internal/storage"
)

const maxEnqueueBodySize = 25 << 20 // 25MB, photo plus metadata
const maxRequestBodySize = 1 << 20  // 1MB

type EnqueueRequest struct {
	Payload  []byte                     `json:"payload"`
	Metadata storage.SubmissionMetadata `json:"metadata"`
}

type PutCacheRequest struct {
	ContentHash string          `json:"content_hash"`
	Tone        string          `json:"tone"`
	Language    string          `json:"language"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	TTLSeconds  int             `json:"ttl_seconds,omitempty"`
	Result      json.RawMessage `json:"result"`
}

type cacheEntryResponse struct {
	ID          string          `json:"id"`
	ContentHash string          `json:"content_hash"`
	Tone        string          `json:"tone"`
	Language    string          `json:"language"`
	CachedAt    time.Time       `json:"cached_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Result      json.RawMessage `json:"result"`
}

type AppDeps struct {
	Store *storage.Store
	Token string
}

// NewAppHandler returns the local management API. /health and /metrics are
// open; everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/queue", handleEnqueue(deps))
		r.Get("/queue", handleListQueue(deps))
		r.Delete("/queue/{id}", handleDequeue(deps))

		r.Put("/cache", handlePutCache(deps))
		r.Get("/cache", handleGetCache(deps))
		r.Delete("/cache/{id}", handleDeleteCache(deps))
		r.Post("/cache/sweep", handleSweep(deps))

		r.Get("/preferences", handleListPreferences(deps))
		r.Get("/preferences/{key}", handleGetPreference(deps))
		r.Put("/preferences/{key}", handleSetPreference(deps))

		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"status": "ok",
			"store":  deps.Store.State().String(),
		})
	}
}

func handleEnqueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxEnqueueBodySize)
		defer r.Body.Close()

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Payload) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload is required")
			return
		}
		if req.Metadata.SizeBytes == 0 {
			req.Metadata.SizeBytes = int64(len(req.Payload))
		}

		id, err := deps.Store.Enqueue(r.Context(), storage.QueueItem{Payload: req.Payload, Metadata: req.Metadata})
		if err != nil {
			storeError(w, err, "failed to enqueue submission")
			return
		}

		writeJSON(w, map[string]string{"id": id, "status": "queued"})
	}
}

func handleListQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Store.ListQueued(r.Context())
		if err != nil {
			storeError(w, err, "failed to list queue")
			return
		}
		if items == nil {
			items = []storage.QueueItem{}
		}
		if r.URL.Query().Get("include_payload") != "true" {
			for i := range items {
				items[i].Payload = nil
			}
		}
		writeJSON(w, items)
	}
}

func handleDequeue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Dequeue(r.Context(), chi.URLParam(r, "id")); err != nil {
			storeError(w, err, "failed to dequeue submission")
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handlePutCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PutCacheRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ContentHash == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content_hash is required")
			return
		}
		if len(req.Result) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "result is required")
			return
		}

		entry := storage.CacheEntry{
			ContentHash: req.ContentHash,
			Tone:        req.Tone,
			Language:    req.Language,
			Result:      req.Result,
		}
		switch {
		case req.ExpiresAt != nil:
			entry.ExpiresAt = *req.ExpiresAt
		case req.TTLSeconds > 0:
			entry.ExpiresAt = time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		}

		if err := deps.Store.Put(r.Context(), entry); err != nil {
			storeError(w, err, "failed to cache result")
			return
		}
		writeJSON(w, map[string]string{
			"id":     storage.CacheKey(req.ContentHash, req.Tone, req.Language),
			"status": "cached",
		})
	}
}

func handleGetCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		hash := q.Get("hash")
		if hash == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "hash is required")
			return
		}

		e, ok, err := deps.Store.Get(r.Context(), hash, q.Get("tone"), q.Get("language"))
		if err != nil {
			storeError(w, err, "failed to read cache")
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no cached result")
			return
		}

		result := json.RawMessage(e.Result)
		if !json.Valid(e.Result) {
			// Opaque non-JSON payloads are returned as a JSON string.
			b, _ := json.Marshal(string(e.Result))
			result = b
		}
		writeJSON(w, cacheEntryResponse{
			ID:          e.ID,
			ContentHash: e.ContentHash,
			Tone:        e.Tone,
			Language:    e.Language,
			CachedAt:    e.CachedAt,
			ExpiresAt:   e.ExpiresAt,
			Result:      result,
		})
	}
}

func handleDeleteCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteCached(r.Context(), chi.URLParam(r, "id")); err != nil {
			storeError(w, err, "failed to delete cache entry")
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleSweep(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.SweepExpired(r.Context())
		if err != nil {
			storeError(w, err, "failed to sweep cache")
			return
		}
		writeJSON(w, map[string]int{"removed": n})
	}
}

func handleListPreferences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefs, err := deps.Store.AllPreferences(r.Context())
		if err != nil {
			storeError(w, err, "failed to list preferences")
			return
		}
		writeJSON(w, prefs)
	}
}

func handleGetPreference(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok, err := deps.Store.Preference(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			storeError(w, err, "failed to read preference")
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "preference not set")
			return
		}
		writeJSON(w, p)
	}
}

func handleSetPreference(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body struct {
			Value *string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if body.Value == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "value is required")
			return
		}

		key := chi.URLParam(r, "key")
		if err := deps.Store.SetPreference(r.Context(), key, *body.Value); err != nil {
			storeError(w, err, "failed to set preference")
			return
		}
		writeJSON(w, map[string]string{"status": "updated"})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats(r.Context())
		if err != nil {
			storeError(w, err, "failed to read stats")
			return
		}
		writeJSON(w, st)
	}
}

// storeError maps storage failures onto HTTP status codes.
func storeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, storage.ErrStorageUnavailable) {
		httpError(w, http.StatusServiceUnavailable, "storage_unavailable", "%s: %v", msg, err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", msg, err)
}
