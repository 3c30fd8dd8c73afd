package audit

import (
	"context"

	"github.com/PaulFidika/clinicauth/core"
	"github.com/sirupsen/logrus"
)

// LogSink writes each event as one structured log line.
type LogSink struct {
	log *logrus.Entry
}

func NewLogSink(log *logrus.Entry) *LogSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogSink{log: log.WithField("component", "audit")}
}

func (s *LogSink) Log(_ context.Context, evt core.AuditEvent) {
	fields := logrus.Fields{
		"audit_id": evt.ID,
		"action":   evt.Action,
		"outcome":  evt.Outcome,
	}
	if evt.Actor != nil {
		fields["actor"] = *evt.Actor
	}
	if evt.Resource != nil {
		fields["resource"] = *evt.Resource
	}
	if evt.IP != nil {
		fields["ip"] = *evt.IP
	}
	for k, v := range evt.Details {
		fields["detail_"+k] = v
	}
	entry := s.log.WithFields(fields).WithTime(evt.Timestamp)
	if evt.Outcome == core.OutcomeSuccess {
		entry.Info("audit")
		return
	}
	entry.Warn("audit")
}

// Multi fans each event out to every sink in order.
type Multi []core.AuditSink

func (m Multi) Log(ctx context.Context, evt core.AuditEvent) {
	for _, s := range m {
		if s != nil {
			s.Log(ctx, evt)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Log(context.Context, core.AuditEvent) {}
