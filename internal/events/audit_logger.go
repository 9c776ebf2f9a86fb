package events

import (
	"go.uber.org/zap"
)

// AuditLogger writes one structured log line per bus event.
type AuditLogger struct {
	log *zap.SugaredLogger
}

func NewAuditLogger(log *zap.SugaredLogger) *AuditLogger {
	return &AuditLogger{log: log.Named("audit")}
}

// Attach subscribes the logger to every event type on the bus and returns
// the unsubscribe function.
func (a *AuditLogger) Attach(bus *Bus) func() {
	return bus.SubscribeAll(a.handle)
}

func (a *AuditLogger) handle(ev Event) {
	fields := make([]interface{}, 0, 2+2*len(ev.Data))
	fields = append(fields, "event", string(ev.Type))
	for k, v := range ev.Data {
		fields = append(fields, k, v)
	}
	a.log.Infow("event", fields...)
}
