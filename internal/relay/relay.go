package relay

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/events"
	"github.com/tambula/esp-listener/internal/models"
	"github.com/tambula/esp-listener/internal/protocol"
	"github.com/tambula/esp-listener/internal/stats"
)

// DefaultSessionID is used until the backend assigns one
const DefaultSessionID = "0"

// AnswerPoster posts answers to the backend
type AnswerPoster interface {
	PostAnswer(ctx context.Context, deviceID string, payload map[string]interface{}) (map[string]interface{}, error)
}

// Session holds the session id injected into every answer
type Session struct {
	mu sync.RWMutex
	id string
}

// NewSession creates a session holder
func NewSession(id string) *Session {
	if id == "" {
		id = DefaultSessionID
	}
	return &Session{id: id}
}

// ID returns the current session id
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Set replaces the session id
func (s *Session) Set(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Relay forwards answer frames to the backend and writes the correlated
// response back to the device. Failures are counted and dropped.
type Relay struct {
	backend AnswerPoster
	session *Session
	stats   *stats.Stats
	sink    events.Sink
}

// New creates an answer relay
func New(backend AnswerPoster, session *Session, st *stats.Stats, sink events.Sink) *Relay {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Relay{backend: backend, session: session, stats: st, sink: sink}
}

// Process relays one answer frame. The inbound payload is not modified.
func (r *Relay) Process(ctx context.Context, port string, w io.Writer, payload map[string]interface{}) error {
	body := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["sessionId"] = r.session.ID()

	deviceID := ""
	if did, ok := payload["Did"]; ok {
		deviceID = protocol.FormatValue(did)
	}
	did, hasDevice := protocol.IntField(payload, "Did")

	log.Info().
		Str("port", port).
		Interface("user_id", payload["Id"]).
		Str("device_id", deviceID).
		Interface("answer", payload["Ans"]).
		Msg("Answer received")

	reply, err := r.backend.PostAnswer(ctx, deviceID, body)
	if err != nil {
		r.stats.Error()
		log.Error().Err(err).Str("port", port).Str("device_id", deviceID).Msg("API call failed")
		r.sink.Record(ctx, events.New(models.EventTypeAnswerFailed, models.EventLevelError, port,
			events.DeviceRef(did, hasDevice), err.Error(), nil))
		return err
	}
	r.stats.AnswerProcessed()

	resp := protocol.BuildResponse(payload, reply)
	if err := protocol.WriteFrame(w, resp); err != nil {
		log.Error().Err(err).Str("port", port).Msg("Failed to send device response")
		return err
	}

	r.sink.Record(ctx, events.New(models.EventTypeAnswer, models.EventLevelInfo, port,
		events.DeviceRef(did, hasDevice), "answer relayed",
		models.Variables{"id": resp.ID, "code": resp.Code, "answer": payload["Ans"]}))

	log.Debug().Str("port", port).Str("device_id", deviceID).Msg("Processed answer")
	return nil
}
