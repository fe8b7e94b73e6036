package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/config"
	"github.com/tambula/esp-listener/internal/ota"
	"github.com/tambula/esp-listener/internal/relay"
	"github.com/tambula/esp-listener/internal/stats"
	"github.com/tambula/esp-listener/internal/trigger"
)

// ErrNoPorts is returned when an OTA request arrives with no port open
var ErrNoPorts = errors.New("no serial ports available for OTA")

// Discoverer lists attached device ports
type Discoverer interface {
	Discover() ([]string, error)
}

// SessionFetcher resolves the backend session id for a mother id
type SessionFetcher interface {
	FetchSession(ctx context.Context, motherID int) (string, error)
}

type handlerTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// set once the port disappeared; the task stays until done closes
	stopping bool
}

func (t *handlerTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Supervisor keeps one handler running per discovered port and feeds OTA
// triggers to the dispatcher. The handler map is only touched from the
// goroutine running Run.
type Supervisor struct {
	cfg        config.SupervisorConfig
	otaCfg     config.OTAConfig
	discoverer Discoverer
	services   *Services
	triggers   trigger.Source
	dispatcher *ota.Dispatcher
	sessions   *ota.Registry
	stats      *stats.Stats

	backend  SessionFetcher
	session  *relay.Session
	motherID int

	handlers map[string]*handlerTask
	run      func(ctx context.Context, name string) error
	dispatch sync.WaitGroup
}

// Options wires a supervisor
type Options struct {
	Config     config.SupervisorConfig
	OTA        config.OTAConfig
	Discoverer Discoverer
	Services   *Services
	Triggers   trigger.Source
	Dispatcher *ota.Dispatcher
	Sessions   *ota.Registry
	Stats      *stats.Stats
	Backend    SessionFetcher
	Session    *relay.Session
	MotherID   int
}

// NewSupervisor 创建设备监控器
func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		cfg:        opts.Config,
		otaCfg:     opts.OTA,
		discoverer: opts.Discoverer,
		services:   opts.Services,
		triggers:   opts.Triggers,
		dispatcher: opts.Dispatcher,
		sessions:   opts.Sessions,
		stats:      opts.Stats,
		backend:    opts.Backend,
		session:    opts.Session,
		motherID:   opts.MotherID,
		handlers:   make(map[string]*handlerTask),
	}
	if s.triggers == nil {
		s.triggers = trigger.Sources{}
	}
	s.run = func(ctx context.Context, name string) error {
		return RunHandler(ctx, name, s.services)
	}
	return s
}

// Run supervises ports until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("stats_interval", s.cfg.StatsInterval).
		Msg("Starting device monitor")

	if s.backend != nil && s.motherID > 0 {
		if err := s.RefreshSession(ctx); err != nil {
			log.Error().Err(err).Str("session_id", s.session.ID()).Msg("Failed to fetch session, keeping default")
		}
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	statsInterval := s.cfg.StatsInterval
	if statsInterval <= 0 {
		statsInterval = 6 * time.Minute
	}
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	s.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.Cycle(ctx)
		case <-statsTicker.C:
			s.logStats("STATS")
		}
	}
}

// Cycle runs one supervision pass
func (s *Supervisor) Cycle(ctx context.Context) {
	s.processTriggers(ctx)

	ports, err := s.discoverer.Discover()
	if err != nil {
		log.Error().Err(err).Msg("Port discovery failed")
	} else {
		s.reconcile(ctx, ports)
	}

	if s.sessions != nil && s.otaCfg.SessionTimeout > 0 {
		for _, session := range s.sessions.ExpireStale(s.otaCfg.SessionTimeout) {
			log.Warn().
				Int("device_id", session.DeviceID).
				Str("port", session.Port).
				Msg("OTA session timed out")
		}
	}
}

// reconcile starts handlers for new ports, restarts crashed ones and stops
// those whose port disappeared. A stopped handler keeps its entry until it
// has closed the port, so a returning port is not reopened while still held.
func (s *Supervisor) reconcile(ctx context.Context, ports []string) {
	present := make(map[string]struct{}, len(ports))
	for _, name := range ports {
		present[name] = struct{}{}

		task, ok := s.handlers[name]
		switch {
		case !ok:
			log.Info().Str("port", name).Msg("New device")
		case task.stopping && !task.finished():
			log.Debug().Str("port", name).Msg("Port back, waiting for previous handler to close")
			continue
		case task.stopping:
			log.Info().Str("port", name).Msg("Device reconnected")
		case task.finished():
			log.Warn().Err(task.err).Str("port", name).Msg("Handler stopped, restarting")
		default:
			continue
		}
		s.start(ctx, name)
	}

	for name, task := range s.handlers {
		if _, ok := present[name]; ok {
			continue
		}
		if !task.stopping {
			task.stopping = true
			task.cancel()
			log.Info().Str("port", name).Msg("Device disconnected")
		}
		if task.finished() {
			delete(s.handlers, name)
		}
	}
}

func (s *Supervisor) start(ctx context.Context, name string) {
	hctx, cancel := context.WithCancel(ctx)
	task := &handlerTask{cancel: cancel, done: make(chan struct{})}
	s.handlers[name] = task

	go func() {
		defer close(task.done)
		task.err = s.run(hctx, name)
	}()
}

// Handlers returns the names of ports with a live handler task
func (s *Supervisor) Handlers() []string {
	names := make([]string, 0, len(s.handlers))
	for name, task := range s.handlers {
		if !task.stopping {
			names = append(names, name)
		}
	}
	return names
}

// processTriggers dispatches every pending OTA request without waiting for
// the device to finish
func (s *Supervisor) processTriggers(ctx context.Context) {
	reqs := s.triggers.Poll(ctx)
	for i, req := range reqs {
		port, err := s.selectPort(req)
		if err != nil {
			log.Error().Err(err).Int("device_id", req.DeviceID).Str("origin", req.Origin).Msg("Cannot dispatch OTA trigger")
			continue
		}

		log.Info().Int("device_id", req.DeviceID).Str("origin", req.Origin).Msg("OTA trigger detected")

		s.dispatch.Add(1)
		go func(req trigger.Request, port string) {
			defer s.dispatch.Done()
			if err := s.dispatcher.InitiateWiFiOTA(ctx, req.DeviceID, req.Firmware, port); err != nil {
				log.Error().Err(err).Int("device_id", req.DeviceID).Msg("OTA dispatch failed")
			}
		}(req, port)

		if i < len(reqs)-1 && !sleep(ctx, s.cfg.TriggerStagger) {
			return
		}
	}
}

// Dispatch sends one OTA request synchronously
func (s *Supervisor) Dispatch(ctx context.Context, req trigger.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	port, err := s.selectPort(req)
	if err != nil {
		return "", err
	}
	return port, s.dispatcher.InitiateWiFiOTA(ctx, req.DeviceID, req.Firmware, port)
}

// selectPort uses the requested port, or the first open one
func (s *Supervisor) selectPort(req trigger.Request) (string, error) {
	if req.Port != "" {
		return req.Port, nil
	}
	names := s.services.Ports.Names()
	if len(names) == 0 {
		return "", ErrNoPorts
	}
	return names[0], nil
}

// Ports returns the names of the ports with a running handler
func (s *Supervisor) Ports() []string {
	return s.services.Ports.Names()
}

// SessionID returns the session id currently attached to answers
func (s *Supervisor) SessionID() string {
	if s.session == nil {
		return relay.DefaultSessionID
	}
	return s.session.ID()
}

// RefreshSession fetches the session id for the configured mother id
func (s *Supervisor) RefreshSession(ctx context.Context) error {
	if s.backend == nil {
		return errors.New("backend not configured")
	}
	id, err := s.backend.FetchSession(ctx, s.motherID)
	if err != nil {
		return fmt.Errorf("fetch session for mother %d: %w", s.motherID, err)
	}
	s.session.Set(id)
	log.Info().Str("session_id", id).Int("mother_id", s.motherID).Msg("Session updated")
	return nil
}

func (s *Supervisor) logStats(msg string) {
	ev := log.Info().Int("active_ports", s.services.Ports.Len())
	if s.sessions != nil {
		ev = ev.Int("ota_sessions", s.sessions.Len())
	}
	s.stats.Snapshot().Log(ev, msg)
}

// shutdown stops every handler and waits for in-flight dispatches
func (s *Supervisor) shutdown() {
	log.Info().Msg("Shutting down")

	for _, task := range s.handlers {
		task.cancel()
	}
	for name, task := range s.handlers {
		select {
		case <-task.done:
		case <-time.After(5 * time.Second):
			log.Warn().Str("port", name).Msg("Handler did not stop in time")
		}
		delete(s.handlers, name)
	}
	s.dispatch.Wait()

	s.logStats("FINAL STATS")
}
