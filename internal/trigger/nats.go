package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSSource queues OTA requests published on a subject until the next poll
type NATSSource struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription

	mu      sync.Mutex
	pending []Request
}

// NewNATSSource creates a NATS trigger source; call Start to subscribe
func NewNATSSource(nc *nats.Conn, subject string) *NATSSource {
	return &NATSSource{nc: nc, subject: subject}
}

// Start subscribes to the trigger subject
func (s *NATSSource) Start() error {
	sub, err := s.nc.Subscribe(s.subject, s.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub

	log.Info().Str("subject", s.subject).Msg("NATS OTA trigger subscribed")
	return nil
}

// Stop removes the subscription
func (s *NATSSource) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", s.subject).Msg("Failed to unsubscribe")
		}
	}
}

// handleMessage queues one trigger message
func (s *NATSSource) handleMessage(msg *nats.Msg) {
	req, err := Parse(msg.Data)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Invalid OTA trigger message")
		s.respond(msg, ack{Error: err.Error()})
		return
	}
	req.Origin = "nats:" + msg.Subject

	s.mu.Lock()
	s.pending = append(s.pending, req)
	s.mu.Unlock()

	s.respond(msg, ack{Accepted: true})
}

type ack struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (s *NATSSource) respond(msg *nats.Msg, a ack) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(a)
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Msg("Failed to answer OTA trigger request")
	}
}

// Poll returns and clears the queued requests
func (s *NATSSource) Poll(context.Context) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.pending
	s.pending = nil
	return out
}
