package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/models"
)

// DefaultSubjectPrefix is the NATS subject root for device events
const DefaultSubjectPrefix = "fleet.device"

// Sink receives device and listener events. Record must not block the
// caller on network I/O for long.
type Sink interface {
	Record(ctx context.Context, event *models.EventLog)
}

// New builds an event stamped with a fresh id and the current time
func New(typ models.EventType, level models.EventLevel, port string, deviceID *int, description string, details models.Variables) *models.EventLog {
	return &models.EventLog{
		ID:          uuid.New(),
		CreatedAt:   time.Now(),
		Port:        port,
		DeviceID:    deviceID,
		Type:        typ,
		Level:       level,
		Description: description,
		Details:     details,
	}
}

// DeviceRef returns a pointer usable as EventLog.DeviceID
func DeviceRef(id int, ok bool) *int {
	if !ok {
		return nil
	}
	return &id
}

// Nop discards events
type Nop struct{}

func (Nop) Record(context.Context, *models.EventLog) {}

// Multi fans an event out to several sinks
type Multi []Sink

func (m Multi) Record(ctx context.Context, event *models.EventLog) {
	for _, s := range m {
		s.Record(ctx, event)
	}
}

// NATSSink publishes events to <prefix>.<device_id>.<event>
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink creates a NATS publisher
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// Subject returns the subject an event is published on
func (s *NATSSink) Subject(event *models.EventLog) string {
	device := "unknown"
	if event.DeviceID != nil {
		device = strconv.Itoa(*event.DeviceID)
	}
	return fmt.Sprintf("%s.%s.%s", s.prefix, device, event.Type.Subject())
}

func (s *NATSSink) Record(_ context.Context, event *models.EventLog) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	subject := s.Subject(event)
	if err := s.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

// EventWriter persists events
type EventWriter interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// StoreSink writes events to the database in the background
type StoreSink struct {
	store   EventWriter
	timeout time.Duration
}

// NewStoreSink creates a database sink
func NewStoreSink(store EventWriter) *StoreSink {
	return &StoreSink{store: store, timeout: 5 * time.Second}
}

func (s *StoreSink) Record(_ context.Context, event *models.EventLog) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := s.store.CreateEventLog(ctx, event); err != nil {
			log.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to create event log")
		}
	}()
}

// Memory keeps events in memory; used by tests and as a fallback history
type Memory struct {
	mu     sync.Mutex
	events []*models.EventLog
}

func (m *Memory) Record(_ context.Context, event *models.EventLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of recorded events, optionally filtered by type
func (m *Memory) Events(types ...models.EventType) []*models.EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.EventLog, 0, len(m.events))
	for _, e := range m.events {
		if len(types) == 0 || containsType(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

func containsType(types []models.EventType, t models.EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
