// Package queue is a durable, at-least-once FIFO task queue backed by
// bbolt, replacing the Celery/Redis broker original_source relies on
// (flaskapi.py's dnsmasq_checkin.delay()/host_checkin.delay()) with an
// embedded, dependency-free equivalent suited to a single-binary daemon.
// Enqueued tasks survive a crash: a task is only removed from the bucket
// once its handler returns nil, so a restart redelivers anything that was
// mid-flight.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/google/uuid"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/metrics"
)

var tasksBucket = []byte("tasks")

// Task is one unit of queued work.
type Task struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// record is the bucket's on-disk representation: a Task plus a claimed flag
// so a worker can lease a task before running its handler, instead of
// leaving the task visible to every other idle worker until the handler
// returns. Without this, N concurrent workers all wake on the same
// notify/ticker tick, all see the same oldest unclaimed task, and all run
// its handler concurrently.
type record struct {
	Task    Task `json:"task"`
	Claimed bool `json:"claimed"`
}

// Handler processes one task. A returned error causes the task to remain in
// the queue and be retried on the next worker pass.
type Handler func(ctx context.Context, task Task) error

// Queue is a durable FIFO queue with a fixed-size worker pool.
type Queue struct {
	db       *bbolt.DB
	mu       sync.RWMutex
	handlers map[string]Handler
	notify   chan struct{}
}

// Open opens (creating if necessary) the bbolt-backed queue database at
// path.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tasksBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tasks bucket: %w", err)
	}

	q := &Queue{
		db:       db,
		handlers: make(map[string]Handler),
		notify:   make(chan struct{}, 1),
	}

	// Tasks still marked claimed were left mid-flight by a previous process.
	var claimed [][]byte
	_ = db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var rec record
			if json.Unmarshal(v, &rec) == nil && rec.Claimed {
				claimed = append(claimed, append([]byte(nil), k...))
			}
			return nil
		})
	})
	for _, k := range claimed {
		q.release(k)
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// RegisterHandler binds a Handler to a task kind. Must be called before Run.
func (q *Queue) RegisterHandler(kind string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

// Enqueue durably appends a task and wakes a worker.
func (q *Queue) Enqueue(kind string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	task := Task{ID: uuid.NewString(), Kind: kind, Payload: data, CreatedAt: time.Now()}
	encoded, err := json.Marshal(record{Task: task})
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	err = q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), encoded)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	metrics.TaskQueueDepth.Inc()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return task.ID, nil
}

// Run starts workerCount worker goroutines and blocks until ctx is
// canceled. Each worker pops the oldest pending task, dispatches it to the
// registered handler for its kind, and removes it from the bucket only on
// success.
func (q *Queue) Run(ctx context.Context, workerCount int) {
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	logger := log.WithComponent("queue")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}

		for {
			task, key, ok, err := q.claim()
			if err != nil {
				logger.Error().Err(err).Int("worker", id).Msg("failed to claim from queue")
				break
			}
			if !ok {
				break
			}

			q.mu.RLock()
			handler, known := q.handlers[task.Kind]
			q.mu.RUnlock()

			if !known {
				logger.Warn().Str("kind", task.Kind).Msg("no handler registered for task kind, dropping")
				q.remove(key)
				metrics.TaskQueueDepth.Dec()
				continue
			}

			timer := metrics.NewTimer()
			handleErr := handler(ctx, task)
			timer.ObserveDurationVec(metrics.TaskDuration, task.Kind)

			if handleErr != nil {
				logger.Warn().Err(handleErr).Str("kind", task.Kind).Str("task", task.ID).Msg("task handler failed, will retry")
				q.release(key)
				break
			}

			q.remove(key)
			metrics.TaskQueueDepth.Dec()
		}
	}
}

// claim finds the oldest unclaimed task, marks it claimed, and returns it,
// all within one transaction, so two workers racing on the same tick never
// both claim the same task. A claimed task stays invisible to other workers
// until its handler finishes: remove() on success, release() on failure. A
// task left claimed by a crash is released by Open on the next start.
func (q *Queue) claim() (Task, []byte, bool, error) {
	var task Task
	var key []byte

	err := q.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(tasksBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Claimed {
				continue
			}
			rec.Claimed = true
			encoded, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := tx.Bucket(tasksBucket).Put(k, encoded); err != nil {
				return err
			}
			key = append([]byte(nil), k...)
			task = rec.Task
			return nil
		}
		return nil
	})
	if err != nil {
		return Task{}, nil, false, err
	}
	if key == nil {
		return Task{}, nil, false, nil
	}
	return task, key, true, nil
}

// release un-claims a task so the next claim() pass can retry it.
func (q *Queue) release(key []byte) {
	_ = q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.Claimed = false
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
}

func (q *Queue) remove(key []byte) {
	_ = q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tasksBucket).Delete(key)
	})
}

// Depth returns the number of tasks currently stored in the bucket, claimed
// ones included.
func (q *Queue) Depth() (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(tasksBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
