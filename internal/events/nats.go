package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// subjectFor maps an event type onto the external subject hierarchy.
func subjectFor(t EventType) string {
	switch t {
	case EventMachineQueueSynced:
		return "drover.machines." + string(t)
	default:
		return "drover.runs." + string(t)
	}
}

// Forwarder republishes bus events to NATS for external consumers. Publish
// failures are logged and dropped; event delivery is best effort and never
// fatal to the scheduling path.
type Forwarder struct {
	nc  *nats.Conn
	log *zap.SugaredLogger
}

func NewForwarder(url string, log *zap.SugaredLogger) (*Forwarder, error) {
	opts := []nats.Option{
		nats.Name("drover"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warnf("nats_disconnected error=%v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats_reconnected url=%s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Forwarder{nc: nc, log: log.Named("nats")}, nil
}

// Attach subscribes the forwarder to every event type on the bus.
func (f *Forwarder) Attach(bus *Bus) func() {
	return bus.SubscribeAll(f.handle)
}

func (f *Forwarder) handle(ev Event) {
	payload, err := json.Marshal(map[string]interface{}{
		"event": string(ev.Type),
		"time":  ev.Timestamp.Unix(),
		"data":  ev.Data,
	})
	if err != nil {
		f.log.Warnf("nats_marshal event=%s error=%v", ev.Type, err)
		return
	}
	if f.nc == nil || f.nc.IsClosed() {
		f.log.Debugf("nats_drop event=%s reason=not_connected", ev.Type)
		return
	}
	if err := f.nc.Publish(subjectFor(ev.Type), payload); err != nil {
		f.log.Warnf("nats_publish event=%s error=%v", ev.Type, err)
	}
}

func (f *Forwarder) Close() {
	if f.nc != nil {
		f.nc.Drain()
		f.nc.Close()
	}
}
