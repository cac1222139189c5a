package storage

import (
	"errors"
	"time"
)

// ErrStorageUnavailable is returned when the local database cannot be opened,
// pinged, or migrated. Callers should fall back to online-only behavior.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrTransactionFailed is returned when an individual read or write fails
// after the store is ready.
var ErrTransactionFailed = errors.New("transaction failed")

// State is the store lifecycle state. The only transition is
// Uninitialized -> Ready.
type State int

const (
	StateUninitialized State = iota
	StateReady
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// SubmissionMetadata describes the photo and the critique parameters of a
// queued submission.
type SubmissionMetadata struct {
	Filename  string `json:"filename"`
	Tone      string `json:"tone"`
	Language  string `json:"language"`
	SizeBytes int64  `json:"size_bytes"`
}

// QueueItem is an analysis submission that could not reach the server.
type QueueItem struct {
	ID         string             `json:"id"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	Payload    []byte             `json:"payload"`
	Metadata   SubmissionMetadata `json:"metadata"`
	Attempts   int                `json:"attempts"`
	LastError  string             `json:"last_error,omitempty"`
}

// CacheEntry is a previously computed analysis result. ID is always
// CacheKey(ContentHash, Tone, Language).
type CacheEntry struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"content_hash"`
	Tone        string    `json:"tone"`
	Language    string    `json:"language"`
	CachedAt    time.Time `json:"cached_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Result      []byte    `json:"result"`
}

// Preference is a single user setting.
type Preference struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats holds row counts for each table.
type Stats struct {
	QueueSize       int `json:"queue_size"`
	CacheSize       int `json:"cache_size"`
	PreferencesSize int `json:"preferences_size"`
	TotalSize       int `json:"total_size"`
}
