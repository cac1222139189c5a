// Package bridge carries queue requests from the replay worker to the side
// that owns the store. Requests are structured messages with a reply
// channel; nothing is shared between the two sides except the channel.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/judgemyjpeg/jmj/internal/storage"
)

// ErrClosed is returned by Client calls once the Server has stopped.
var ErrClosed = errors.New("bridge closed")

// Op identifies the request kind.
type Op int

const (
	OpListQueued Op = iota + 1
	OpDequeue
	OpRecordAttempt
)

func (o Op) String() string {
	switch o {
	case OpListQueued:
		return "list_queued"
	case OpDequeue:
		return "dequeue"
	case OpRecordAttempt:
		return "record_attempt"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Request is a message posted by the worker side.
type Request struct {
	Op     Op
	ID     string
	ErrMsg string

	reply chan Reply
}

// Reply is the store side's answer to a Request.
type Reply struct {
	Items []storage.QueueItem
	Err   error
}

// QueueStore is the subset of storage.Store the bridge serves.
type QueueStore interface {
	ListQueued(ctx context.Context) ([]storage.QueueItem, error)
	Dequeue(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id, errMsg string) error
}

// Server answers bridge requests against a QueueStore.
type Server struct {
	store    QueueStore
	requests chan Request
	done     chan struct{}
}

// NewServer creates a Server. Call Serve to start answering requests.
func NewServer(store QueueStore) *Server {
	return &Server{
		store:    store,
		requests: make(chan Request),
		done:     make(chan struct{}),
	}
}

// Serve answers requests one at a time until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.requests:
			// reply is buffered, so this never blocks on an abandoned caller.
			req.reply <- s.handle(ctx, req)
		}
	}
}

func (s *Server) handle(ctx context.Context, req Request) Reply {
	switch req.Op {
	case OpListQueued:
		items, err := s.store.ListQueued(ctx)
		return Reply{Items: items, Err: err}
	case OpDequeue:
		return Reply{Err: s.store.Dequeue(ctx, req.ID)}
	case OpRecordAttempt:
		return Reply{Err: s.store.RecordAttempt(ctx, req.ID, req.ErrMsg)}
	default:
		return Reply{Err: fmt.Errorf("unknown bridge op %v", req.Op)}
	}
}

// Client returns the worker-side handle for this Server.
func (s *Server) Client() *Client {
	return &Client{requests: s.requests, done: s.done}
}

// Client posts requests to a Server and waits for replies.
type Client struct {
	requests chan<- Request
	done     <-chan struct{}
}

func (c *Client) call(ctx context.Context, req Request) (Reply, error) {
	req.reply = make(chan Reply, 1)
	select {
	case c.requests <- req:
	case <-c.done:
		return Reply{}, ErrClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, r.Err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// ListQueued asks the store side for every queued submission in FIFO order.
func (c *Client) ListQueued(ctx context.Context) ([]storage.QueueItem, error) {
	r, err := c.call(ctx, Request{Op: OpListQueued})
	if err != nil {
		return nil, err
	}
	return r.Items, nil
}

// Dequeue asks the store side to remove a replayed submission.
func (c *Client) Dequeue(ctx context.Context, id string) error {
	_, err := c.call(ctx, Request{Op: OpDequeue, ID: id})
	return err
}

// RecordAttempt asks the store side to note a failed replay.
func (c *Client) RecordAttempt(ctx context.Context, id, errMsg string) error {
	_, err := c.call(ctx, Request{Op: OpRecordAttempt, ID: id, ErrMsg: errMsg})
	return err
}
