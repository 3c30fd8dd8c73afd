// Package audit provides core.AuditSink implementations: an append-only JSON
// lines file, structured log lines, a durable Postgres trail fed through a
// river queue, and fan-out across several of them.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFlushInterval = 2 * time.Second
	DefaultQueueSize     = 1024
	DefaultLogPath       = "audit.log"

	maxBatch = 256
)

// NewEvent stamps a new event with an ID and the current UTC time.
func NewEvent(action, outcome string) core.AuditEvent {
	return core.AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Outcome:   outcome,
	}
}

// FileSink appends events to a file as JSON lines from a single writer
// goroutine. Log only enqueues; a full queue drops the event with a warning.
type FileSink struct {
	path          string
	flushInterval time.Duration
	log           *logrus.Entry

	mu     sync.RWMutex
	closed bool
	events chan core.AuditEvent
	done   chan struct{}
}

// FileSinkOpt configures a FileSink.
type FileSinkOpt func(*FileSink)

func WithFlushInterval(d time.Duration) FileSinkOpt {
	return func(s *FileSink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithQueueSize(n int) FileSinkOpt {
	return func(s *FileSink) {
		if n > 0 {
			s.events = make(chan core.AuditEvent, n)
		}
	}
}

func WithFileLogger(l *logrus.Entry) FileSinkOpt {
	return func(s *FileSink) {
		if l != nil {
			s.log = l
		}
	}
}

// NewFileSink starts the writer goroutine. Call Close to flush and stop it.
func NewFileSink(path string, opts ...FileSinkOpt) *FileSink {
	if path == "" {
		path = DefaultLogPath
	}
	s := &FileSink{
		path:          path,
		flushInterval: DefaultFlushInterval,
		log:           logrus.NewEntry(logrus.StandardLogger()),
		events:        make(chan core.AuditEvent, DefaultQueueSize),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithFields(logrus.Fields{"component": "audit_file", "path": path})
	go s.run()
	return s
}

// Log enqueues evt. It never blocks and is a no-op after Close.
func (s *FileSink) Log(_ context.Context, evt core.AuditEvent) {
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

// Close stops accepting events and waits for queued ones to be written.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

func (s *FileSink) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	buf := make([]core.AuditEvent, 0, maxBatch)
	for {
		select {
		case evt, ok := <-s.events:
			if !ok {
				s.flush(buf)
				return
			}
			buf = append(buf, evt)
			if len(buf) >= maxBatch {
				s.flush(buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				s.flush(buf)
				buf = buf[:0]
			}
		}
	}
}

func (s *FileSink) flush(batch []core.AuditEvent) {
	if len(batch) == 0 {
		return
	}
	if err := s.append(batch); err != nil {
		s.log.WithError(err).WithField("events", len(batch)).Error("audit write failed; events lost")
	}
}

func (s *FileSink) append(batch []core.AuditEvent) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, evt := range batch {
		line, err := s.encode(evt)
		if err != nil {
			s.log.WithError(err).WithField("event_id", evt.ID).Error("audit event not encodable; skipped")
			continue
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// encode marshals one event. Details that cannot be represented as JSON (NaN,
// channels, cycles) are replaced by the encoding error so the rest of the
// record is still written.
func (s *FileSink) encode(evt core.AuditEvent) ([]byte, error) {
	line, err := json.Marshal(evt)
	if err == nil || evt.Details == nil {
		return line, err
	}
	s.log.WithError(err).WithField("event_id", evt.ID).Warn("audit details not encodable; writing event without them")
	evt.Details = map[string]any{"details_error": err.Error()}
	return json.Marshal(evt)
}
