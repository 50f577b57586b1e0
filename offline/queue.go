// Package offline persists actions captured while the network is down and
// replays them once it returns.
package offline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage. Actions are keyed by an increasing
// sequence so a cursor walk yields them in enqueue order.
var (
	bucketActions = []byte("offline_actions") // seq -> Action JSON
	bucketByID    = []byte("offline_ids")     // id -> seq
)

// DefaultMaxRetries is the retry budget of actions enqueued without one.
const DefaultMaxRetries = 3

// Kind is the type of user action being queued.
type Kind string

const (
	KindPost     Kind = "post"
	KindComment  Kind = "comment"
	KindReaction Kind = "reaction"
	KindMessage  Kind = "message"
)

// Valid reports whether k is a known action kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPost, KindComment, KindReaction, KindMessage:
		return true
	}
	return false
}

// Status is the replay state of an action.
type Status string

const (
	StatusPending Status = "pending"
	// StatusFailed actions have exhausted their retries or hit a permanent
	// error. They are kept for inspection and never replayed.
	StatusFailed Status = "failed"
)

// Action is a user action waiting to be sent.
type Action struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Tags          []string        `json:"tags,omitempty"`
	Status        Status          `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitzero"`
}

var (
	// ErrUnknownKind is returned when enqueuing an action of an unknown kind.
	ErrUnknownKind = errors.New("unknown action kind")
	// ErrClosed is returned after the underlying database has been closed.
	ErrClosed = errors.New("offline queue closed")
)

// Queue is a FIFO of actions persisted in bbolt.
type Queue struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger for the queue.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithQueueNow sets the time function for testing.
func WithQueueNow(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates the queue buckets in db. The metadata store's database
// is normally shared so the cache keeps a single file.
func NewQueue(db *bbolt.DB, opts ...QueueOption) (*Queue, error) {
	if db == nil {
		return nil, ErrClosed
	}
	q := &Queue{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "offline-queue")

	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketActions, bucketByID} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue stores a new pending action and returns it with its id and
// enqueue time filled in.
func (q *Queue) Enqueue(_ context.Context, a Action) (Action, error) {
	if !a.Kind.Valid() {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	a.ID = uuid.NewString()
	a.EnqueuedAt = q.now()
	a.RetryCount = 0
	a.Status = StatusPending
	a.LastError = ""
	a.LastAttemptAt = time.Time{}
	if a.MaxRetries <= 0 {
		a.MaxRetries = DefaultMaxRetries
	}

	err := q.db.Update(func(tx *bbolt.Tx) error {
		actions := tx.Bucket(bucketActions)
		seq, err := actions.NextSequence()
		if err != nil {
			return err
		}
		key := encodeSeq(seq)
		if err := putAction(actions, key, &a); err != nil {
			return err
		}
		return tx.Bucket(bucketByID).Put([]byte(a.ID), key)
	})
	if err != nil {
		return Action{}, q.wrap("enqueuing action", err)
	}

	q.logger.Debug("action enqueued", "id", a.ID, "kind", a.Kind)
	return a, nil
}

// List returns every action in enqueue order.
func (q *Queue) List(_ context.Context) ([]Action, error) {
	return q.scan(func(*Action) bool { return true })
}

// Pending returns the actions still eligible for replay in enqueue order.
func (q *Queue) Pending(_ context.Context) ([]Action, error) {
	return q.scan(func(a *Action) bool { return a.Status == StatusPending })
}

// Get returns the action with id, or nil if it is not queued.
func (q *Queue) Get(_ context.Context, id string) (*Action, error) {
	var out *Action
	err := q.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketByID).Get([]byte(id))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketActions).Get(key)
		if data == nil {
			return nil
		}
		var a Action
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("decoding action %s: %w", id, err)
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, q.wrap("reading action", err)
	}
	return out, nil
}

// Update overwrites a queued action. Missing actions are ignored.
func (q *Queue) Update(_ context.Context, a Action) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketByID).Get([]byte(a.ID))
		if key == nil {
			return nil
		}
		return putAction(tx.Bucket(bucketActions), key, &a)
	})
	return q.wrap("updating action", err)
}

// Remove deletes the action with id. Missing actions are not an error.
func (q *Queue) Remove(_ context.Context, id string) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketByID)
		key := ids.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketActions).Delete(key); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
	return q.wrap("removing action", err)
}

// Counts returns the number of pending and failed actions.
func (q *Queue) Counts(ctx context.Context) (pending, failed int, err error) {
	all, err := q.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, a := range all {
		if a.Status == StatusFailed {
			failed++
		} else {
			pending++
		}
	}
	return pending, failed, nil
}

// PurgeFailed deletes every failed action and returns how many were removed.
func (q *Queue) PurgeFailed(_ context.Context) (int, error) {
	var removed int
	err := q.db.Update(func(tx *bbolt.Tx) error {
		actions := tx.Bucket(bucketActions)
		ids := tx.Bucket(bucketByID)

		var keys [][]byte
		var failedIDs []string
		err := actions.ForEach(func(k, v []byte) error {
			var a Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Status == StatusFailed {
				keys = append(keys, append([]byte(nil), k...))
				failedIDs = append(failedIDs, a.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i, k := range keys {
			if err := actions.Delete(k); err != nil {
				return err
			}
			if err := ids.Delete([]byte(failedIDs[i])); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, q.wrap("purging failed actions", err)
	}
	return removed, nil
}

func (q *Queue) scan(keep func(*Action) bool) ([]Action, error) {
	var out []Action
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketActions).ForEach(func(_, v []byte) error {
			var a Action
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decoding action: %w", err)
			}
			if keep(&a) {
				out = append(out, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, q.wrap("listing actions", err)
	}
	return out, nil
}

func (q *Queue) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func putAction(b *bbolt.Bucket, key []byte, a *Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding action %s: %w", a.ID, err)
	}
	return b.Put(key, data)
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
