package storage

import (
	"context"

	"github.com/google/uuid"
)

// Enqueue stores a submission that could not reach the server and returns
// its fresh id. The caller's ID and EnqueuedAt are ignored. There is no
// dedup: enqueueing the same submission twice yields two rows.
func (s *Store) Enqueue(ctx context.Context, item QueueItem) (string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	payload := item.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO analysis_queue (id, enqueued_at, payload, filename, tone, language, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, toMillis(s.now()), payload,
		item.Metadata.Filename, item.Metadata.Tone, item.Metadata.Language, item.Metadata.SizeBytes,
	)
	if err != nil {
		return "", txFailed("enqueueing submission", err)
	}
	queueOps.WithLabelValues("enqueue").Inc()
	return id, nil
}

// ListQueued returns every queued submission in insertion (FIFO) order.
func (s *Store) ListQueued(ctx context.Context) ([]QueueItem, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, enqueued_at, payload, filename, tone, language, size_bytes, attempts, last_error
		FROM analysis_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, txFailed("listing queue", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var enqueuedAt int64
		if err := rows.Scan(&it.ID, &enqueuedAt, &it.Payload,
			&it.Metadata.Filename, &it.Metadata.Tone, &it.Metadata.Language, &it.Metadata.SizeBytes,
			&it.Attempts, &it.LastError); err != nil {
			return nil, txFailed("scanning queue item", err)
		}
		it.EnqueuedAt = fromMillis(enqueuedAt)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, txFailed("listing queue", err)
	}
	queueOps.WithLabelValues("list").Inc()
	return items, nil
}

// Dequeue removes a submission by id. Removing an id that does not exist
// is a successful no-op.
func (s *Store) Dequeue(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM analysis_queue WHERE id = ?`, id); err != nil {
		return txFailed("dequeueing submission", err)
	}
	queueOps.WithLabelValues("dequeue").Inc()
	return nil
}

// RecordAttempt bumps the attempt counter of a queued submission and stores
// the failure message. Missing ids are ignored.
func (s *Store) RecordAttempt(ctx context.Context, id, errMsg string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE analysis_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		errMsg, id); err != nil {
		return txFailed("recording attempt", err)
	}
	queueOps.WithLabelValues("attempt").Inc()
	return nil
}
