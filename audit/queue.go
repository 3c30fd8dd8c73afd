package audit

import (
	"context"
	"sync"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/sirupsen/logrus"
)

// QueueName is the river queue audit jobs run on.
const QueueName = "audit"

// EventArgs is the river job carrying one audit event to Postgres.
type EventArgs struct {
	Event core.AuditEvent `json:"event"`
}

func (EventArgs) Kind() string { return "clinicauth_audit_event" }

func (EventArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueName, MaxAttempts: 10}
}

type eventWriter interface {
	Insert(ctx context.Context, evt core.AuditEvent) error
}

// EventWorker writes queued events to the store.
type EventWorker struct {
	river.WorkerDefaults[EventArgs]
	store eventWriter
}

func NewEventWorker(store *PostgresStore) *EventWorker {
	return &EventWorker{store: store}
}

func (w *EventWorker) Work(ctx context.Context, job *river.Job[EventArgs]) error {
	return w.store.Insert(ctx, job.Args.Event)
}

// NewQueueClient builds a river client with EventWorker registered on QueueName.
// River's own tables must already exist (river migrate-up).
func NewQueueClient(pool *pgxpool.Pool, store *PostgresStore, maxWorkers int) (*river.Client[pgx.Tx], error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, NewEventWorker(store))
	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  map[string]river.QueueConfig{QueueName: {MaxWorkers: maxWorkers}},
		Workers: workers,
	})
}

// QueueSink hands events to river from a single background goroutine. Log
// only enqueues into a bounded channel; a full channel drops the event with a
// warning. Each batch insert is bounded by a short timeout and failures are
// logged, losing that batch.
type QueueSink struct {
	insert  func(ctx context.Context, batch []EventArgs) error
	timeout time.Duration
	log     *logrus.Entry

	mu     sync.RWMutex
	closed bool
	events chan core.AuditEvent
	done   chan struct{}
}

// NewQueueSink starts the enqueue goroutine. Call Close before stopping client.
func NewQueueSink(client *river.Client[pgx.Tx], log *logrus.Entry) *QueueSink {
	return newQueueSink(func(ctx context.Context, batch []EventArgs) error {
		params := make([]river.InsertManyParams, len(batch))
		for i, args := range batch {
			params[i] = river.InsertManyParams{Args: args}
		}
		_, err := client.InsertMany(ctx, params)
		return err
	}, DefaultQueueSize, log)
}

func newQueueSink(insert func(context.Context, []EventArgs) error, size int, log *logrus.Entry) *QueueSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := &QueueSink{
		insert:  insert,
		timeout: 2 * time.Second,
		log:     log.WithField("component", "audit_queue"),
		events:  make(chan core.AuditEvent, size),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Log enqueues evt. It never blocks and is a no-op after Close.
func (s *QueueSink) Log(_ context.Context, evt core.AuditEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		s.log.WithField("action", evt.Action).Warn("audit queue full; event dropped")
	}
}

// Close stops accepting events and waits until queued ones are inserted.
func (s *QueueSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

func (s *QueueSink) run() {
	defer close(s.done)
	batch := make([]EventArgs, 0, maxBatch)
	for evt := range s.events {
		batch = append(batch[:0], EventArgs{Event: evt})
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-s.events:
				if !ok {
					break fill
				}
				batch = append(batch, EventArgs{Event: next})
			default:
				break fill
			}
		}
		s.flush(batch)
	}
}

func (s *QueueSink) flush(batch []EventArgs) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.insert(ctx, batch); err != nil {
		s.log.WithError(err).WithField("events", len(batch)).Error("audit enqueue failed; events dropped")
	}
}
