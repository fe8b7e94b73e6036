package ota

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/models"
)

// ErrSessionActive is returned when a device already has an in-flight update
var ErrSessionActive = errors.New("ota session already in flight")

// SessionRecorder persists session snapshots
type SessionRecorder interface {
	SaveOTASession(ctx context.Context, session *models.OTASession) error
}

// Registry holds one OTA session per device id. Every mutation happens
// under mu; callers only ever see copies. Snapshots are queued under the
// same lock and saved by a single worker, so the recorder sees them in
// mutation order.
type Registry struct {
	mu              sync.Mutex
	sessions        map[int]*models.OTASession
	allowConcurrent bool
	recorder        SessionRecorder
	now             func() time.Time

	pending []models.OTASession
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

// NewRegistry creates a registry. When allowConcurrent is false a device
// with an in-flight session cannot be dispatched again until that session
// reaches a terminal state or is cleared.
func NewRegistry(allowConcurrent bool, recorder SessionRecorder) *Registry {
	r := &Registry{
		sessions:        make(map[int]*models.OTASession),
		allowConcurrent: allowConcurrent,
		recorder:        recorder,
		now:             time.Now,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	if recorder != nil {
		go r.saveLoop()
	} else {
		close(r.done)
	}
	return r
}

// Begin reserves a new session for deviceID. The reservation is already in
// flight, so a second Begin for the same device fails until the session
// ends, even while the first command is still being written.
func (r *Registry) Begin(deviceID int, source, port string) (models.OTASession, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[deviceID]; ok && existing.Status.InFlight() && !r.allowConcurrent {
		r.mu.Unlock()
		return models.OTASession{}, ErrSessionActive
	}

	now := r.now()
	session := &models.OTASession{
		ID:             uuid.New(),
		DeviceID:       deviceID,
		Port:           port,
		FirmwareSource: source,
		Status:         models.OTAStatusStarting,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	r.sessions[deviceID] = session
	snapshot := *session
	r.persist(snapshot)
	r.mu.Unlock()

	return snapshot, nil
}

// Update sets the status of the device's session. Frames for a device
// without a session create one so externally started updates are visible.
func (r *Registry) Update(deviceID int, status models.OTAStatus, message string) models.OTASession {
	r.mu.Lock()
	now := r.now()
	session, ok := r.sessions[deviceID]
	if !ok {
		session = &models.OTASession{
			ID:        uuid.New(),
			DeviceID:  deviceID,
			StartedAt: now,
		}
		r.sessions[deviceID] = session
	}
	session.Status = status
	session.UpdatedAt = now
	if message != "" {
		session.ErrorMessage = message
	}
	snapshot := *session
	r.persist(snapshot)
	r.mu.Unlock()

	return snapshot
}

// Get returns a copy of the device's session
func (r *Registry) Get(deviceID int) (models.OTASession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[deviceID]
	if !ok {
		return models.OTASession{}, false
	}
	return *session, true
}

// List returns copies of all sessions ordered by device id
func (r *Registry) List() []models.OTASession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.OTASession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Len returns the number of tracked sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Clear removes the device's session
func (r *Registry) Clear(deviceID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[deviceID]
	delete(r.sessions, deviceID)
	return ok
}

// ExpireStale marks in-flight sessions idle for longer than timeout as
// timed out and returns them
func (r *Registry) ExpireStale(timeout time.Duration) []models.OTASession {
	r.mu.Lock()
	now := r.now()
	var expired []models.OTASession
	for _, s := range r.sessions {
		if s.Status.InFlight() && now.Sub(s.UpdatedAt) >= timeout {
			s.Status = models.OTAStatusTimeout
			s.UpdatedAt = now
			s.ErrorMessage = "no status from device"
			expired = append(expired, *s)
			r.persist(*s)
		}
	}
	r.mu.Unlock()

	return expired
}

// persist queues a snapshot for the save worker. Callers hold mu.
func (r *Registry) persist(session models.OTASession) {
	if r.recorder == nil || r.closed {
		return
	}
	r.pending = append(r.pending, session)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) saveLoop() {
	defer close(r.done)

	for range r.wake {
		for {
			r.mu.Lock()
			batch := r.pending
			r.pending = nil
			r.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for i := range batch {
				r.save(&batch[i])
			}
		}
	}
}

func (r *Registry) save(session *models.OTASession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.recorder.SaveOTASession(ctx, session); err != nil {
		log.Error().Err(err).Int("device_id", session.DeviceID).Msg("Failed to save OTA session")
	}
}

// Close stops the save worker after the queued snapshots are written, or
// when ctx ends
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		if r.recorder != nil {
			close(r.wake)
		}
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
