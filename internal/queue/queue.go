// Package queue implements the Queue & Worker Pool (C9): a goqite-backed
// durable queue keyed by job_id on a single "default" lane, plus a worker
// pool that claims one job at a time per worker and acks only after the
// executor fully terminates.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"maragu.dev/goqite"
)

// ErrNoMessage is returned by Receive when the queue is currently empty.
var ErrNoMessage = errors.New("queue: no message available")

// Message is the durable queue payload: just enough to let a worker claim
// and re-dispatch the job without consulting the store first.
type Message struct {
	JobID string `json:"job_id"`

	// id is the goqite delivery's own identity, needed to Extend this
	// specific delivery's visibility timeout; not marshaled into the body.
	id goqite.ID
}

// ID returns the underlying goqite delivery id, for Manager.Extend calls.
func (m Message) ID() goqite.ID { return m.id }

// Manager is a thin wrapper around goqite - it holds no business logic,
// only enqueue/receive/extend/delete.
type Manager struct {
	q *goqite.Queue
}

// NewManager wires goqite onto db's "default" lane named queueName. It runs
// goqite.Setup on db itself and tolerates a schema that store initialization
// already created.
func NewManager(db *sql.DB, queueName string, maxReceive int) (*Manager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := goqite.Setup(ctx, db); err != nil && !strings.Contains(err.Error(), "already exists") {
		return nil, err
	}

	q := goqite.New(goqite.NewOpts{
		DB:         db,
		Name:       queueName,
		MaxReceive: maxReceive,
	})

	return &Manager{q: q}, nil
}

// Enqueue adds jobID to the queue - the only way a job transitions from
// queued to worker-claimable.
func (m *Manager) Enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(Message{JobID: jobID})
	if err != nil {
		return err
	}
	return m.q.Send(ctx, goqite.Message{Body: body})
}

// Receive pulls the next message, honoring prefetch=1 semantics: the
// caller must call either the returned delete function (ack) or Extend
// before the visibility timeout elapses, or the message is redelivered.
func (m *Manager) Receive(ctx context.Context) (*Message, func(context.Context) error, error) {
	gMsg, err := m.q.Receive(ctx)
	if err != nil {
		return nil, nil, err
	}
	if gMsg == nil {
		return nil, nil, ErrNoMessage
	}

	var msg Message
	if err := json.Unmarshal(gMsg.Body, &msg); err != nil {
		return nil, nil, err
	}
	msg.id = gMsg.ID

	deleteFn := func(deleteCtx context.Context) error {
		return m.q.Delete(deleteCtx, gMsg.ID)
	}
	return &msg, deleteFn, nil
}

// Extend pushes out a claimed message's visibility timeout - used to keep
// a long-running job from being redelivered to another worker while it is
// still within T_soft.
func (m *Manager) Extend(ctx context.Context, id goqite.ID, duration time.Duration) error {
	return m.q.Extend(ctx, id, duration)
}
