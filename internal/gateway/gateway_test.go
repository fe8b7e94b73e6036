package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tambula/esp-listener/internal/config"
	"github.com/tambula/esp-listener/internal/device"
	"github.com/tambula/esp-listener/internal/events"
	"github.com/tambula/esp-listener/internal/models"
	"github.com/tambula/esp-listener/internal/ota"
	"github.com/tambula/esp-listener/internal/pairing"
	"github.com/tambula/esp-listener/internal/relay"
	"github.com/tambula/esp-listener/internal/stats"
	"github.com/tambula/esp-listener/internal/trigger"
)

// fakeDevice is a port whose inbound side is fed by the test
type fakeDevice struct {
	name   string
	in     *io.PipeReader
	feed   *io.PipeWriter
	writes chan string
}

func newFakeDevice(name string) *fakeDevice {
	r, w := io.Pipe()
	return &fakeDevice{name: name, in: r, feed: w, writes: make(chan string, 32)}
}

func (d *fakeDevice) Name() string               { return d.name }
func (d *fakeDevice) Read(b []byte) (int, error) { return d.in.Read(b) }
func (d *fakeDevice) Close() error               { return d.in.Close() }

func (d *fakeDevice) Write(b []byte) (int, error) {
	d.writes <- string(b)
	return len(b), nil
}

func (d *fakeDevice) send(t *testing.T, lines ...string) {
	t.Helper()
	_, err := io.WriteString(d.feed, strings.Join(lines, "\n")+"\n")
	require.NoError(t, err)
}

func (d *fakeDevice) nextWrite(t *testing.T) string {
	t.Helper()
	select {
	case w := <-d.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("no write to device")
		return ""
	}
}

type answerPrompter struct {
	mu      sync.Mutex
	answers []string
	asked   int
}

func (p *answerPrompter) Ask(ctx context.Context, _ string, _ time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked++
	if len(p.answers) == 0 {
		return "", pairing.ErrPromptTimeout
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *answerPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asked
}

type fixture struct {
	services *Services
	stats    *stats.Stats
	sessions *ota.Registry
	events   *events.Memory
	prompter *answerPrompter
	posts    chan string
}

func newFixture(t *testing.T, dev *fakeDevice) *fixture {
	t.Helper()

	posts := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts <- r.URL.RawQuery
		w.Write([]byte(`{"code":200}`))
	}))
	t.Cleanup(srv.Close)

	st := stats.New()
	mem := &events.Memory{}
	sessions := ota.NewRegistry(false, nil)
	prompter := &answerPrompter{}

	backend := relay.NewBackend(config.BackendConfig{AnswerURL: srv.URL, Timeout: time.Second})
	svc := &Services{
		Open: func(name string) (device.Port, error) {
			if dev == nil || name != dev.name {
				return nil, errors.New("no such port")
			}
			return dev, nil
		},
		Ports:        NewPortRegistry(),
		Negotiator:   pairing.NewNegotiator(prompter, config.PairingConfig{PromptTimeout: time.Second}, mem),
		Tracker:      ota.NewTracker(sessions, st, mem),
		Relay:        relay.New(backend, relay.NewSession("s1"), st, mem),
		Events:       mem,
		Cooldown:     5 * time.Second,
		ErrorBackoff: 10 * time.Millisecond,
	}
	return &fixture{services: svc, stats: st, sessions: sessions, events: mem, prompter: prompter, posts: posts}
}

func TestRunHandlerRelaysAndTracks(t *testing.T) {
	dev := newFakeDevice("/dev/ttyACM0")
	f := newFixture(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunHandler(ctx, dev.name, f.services) }()

	dev.send(t, "boot: wifi off", `{"Ans":"C","Id":5,"Did":7}`)
	assert.Equal(t, "deviceId=7", <-f.posts)
	assert.Equal(t, `{"Id":5,"c":200,"Did":7}`+"\n", dev.nextWrite(t))

	_, ok := f.services.Ports.Port(dev.name)
	assert.True(t, ok)

	dev.send(t, `{"OTA":"OTA_SUCCESS","Did":7}`, `{"CONFIG":"WIFI_OK","Did":7}`)
	assert.Eventually(t, func() bool {
		return len(f.events.Events(models.EventTypeConfigStatus)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), f.stats.Snapshot().OTASuccesses)
	assert.Equal(t, int64(1), f.stats.Snapshot().AnswersProcessed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop")
	}
	assert.Equal(t, 0, f.services.Ports.Len())
	assert.Len(t, f.events.Events(models.EventTypePortDown), 1)
}

func TestRunHandlerPairingCooldown(t *testing.T) {
	dev := newFakeDevice("p")
	f := newFixture(t, dev)
	f.prompter.answers = []string{"n"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunHandler(ctx, dev.name, f.services)

	handshake := []string{
		"PAIRING REQUEST RECEIVED",
		"Device ID: 12",
		"MAC Address: 24:6F:28:00:11:22",
		"Do you want to become the mother for this device?",
		"Type 'Y' to accept",
	}
	dev.send(t, handshake...)
	assert.Equal(t, "N\n", dev.nextWrite(t))

	// residual output inside the cooldown is ignored, answers still flow
	dev.send(t, append(handshake, `{"Id":3}`)...)
	assert.Equal(t, `{"Id":3,"c":200,"Did":0}`+"\n", dev.nextWrite(t))
	assert.Equal(t, 1, f.prompter.count())
	assert.Len(t, f.events.Events(models.EventTypePairing), 1)
}

func TestRunHandlerPortGone(t *testing.T) {
	dev := newFakeDevice("p")
	f := newFixture(t, dev)

	done := make(chan error, 1)
	go func() { done <- RunHandler(context.Background(), dev.name, f.services) }()

	assert.Eventually(t, func() bool { return f.services.Ports.Len() == 1 }, time.Second, 5*time.Millisecond)
	dev.feed.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop")
	}
	assert.Equal(t, 0, f.services.Ports.Len())
}

func TestRunHandlerRecoversPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.services.Open = func(string) (device.Port, error) { panic("driver fault") }

	err := RunHandler(context.Background(), "p", f.services)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver fault")
}

type fakeDiscoverer struct {
	mu    sync.Mutex
	ports []string
	err   error
}

func (d *fakeDiscoverer) set(ports ...string) {
	d.mu.Lock()
	d.ports = ports
	d.mu.Unlock()
}

func (d *fakeDiscoverer) Discover() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ports...), d.err
}

type runRecorder struct {
	mu      sync.Mutex
	starts  map[string]int
	stopped map[string]int
	crash   map[string]bool

	// hold keeps a cancelled handler from returning until closed
	hold map[string]chan struct{}
}

func newRunRecorder() *runRecorder {
	return &runRecorder{
		starts:  map[string]int{},
		stopped: map[string]int{},
		crash:   map[string]bool{},
		hold:    map[string]chan struct{}{},
	}
}

func (r *runRecorder) run(ctx context.Context, name string) error {
	r.mu.Lock()
	r.starts[name]++
	crash := r.crash[name]
	r.crash[name] = false
	hold := r.hold[name]
	r.mu.Unlock()

	if crash {
		return errors.New("boom")
	}
	<-ctx.Done()
	if hold != nil {
		<-hold
	}

	r.mu.Lock()
	r.stopped[name]++
	r.mu.Unlock()
	return nil
}

func (r *runRecorder) get(m map[string]int, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[name]
}

func newTestSupervisor(t *testing.T, disc Discoverer, src trigger.Source) (*Supervisor, *runRecorder, *fixture) {
	t.Helper()
	f := newFixture(t, nil)
	s := NewSupervisor(Options{
		Config:     config.SupervisorConfig{Interval: time.Second},
		OTA:        config.OTAConfig{SessionTimeout: time.Minute},
		Discoverer: disc,
		Services:   f.services,
		Triggers:   src,
		Dispatcher: ota.NewDispatcher(f.services.Ports, f.sessions, f.stats, f.events),
		Sessions:   f.sessions,
		Stats:      f.stats,
		Session:    relay.NewSession(""),
	})
	rec := newRunRecorder()
	s.run = rec.run
	return s, rec, f
}

func TestSupervisorReconcile(t *testing.T) {
	disc := &fakeDiscoverer{}
	s, rec, _ := newTestSupervisor(t, disc, nil)
	ctx := context.Background()

	disc.set("A")
	s.Cycle(ctx)
	disc.set("A", "B")
	s.Cycle(ctx)

	assert.ElementsMatch(t, []string{"A", "B"}, s.Handlers())
	assert.Eventually(t, func() bool { return rec.get(rec.starts, "B") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.get(rec.starts, "A"))

	disc.set("A")
	s.Cycle(ctx)

	assert.Equal(t, []string{"A"}, s.Handlers())
	assert.Eventually(t, func() bool { return rec.get(rec.stopped, "B") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.get(rec.stopped, "A"))
}

func TestSupervisorWaitsForClosingHandlerBeforeReopen(t *testing.T) {
	disc := &fakeDiscoverer{}
	s, rec, _ := newTestSupervisor(t, disc, nil)
	release := make(chan struct{})
	rec.hold["P"] = release
	ctx := context.Background()

	disc.set("P")
	s.Cycle(ctx)
	assert.Eventually(t, func() bool { return rec.get(rec.starts, "P") == 1 }, time.Second, 5*time.Millisecond)

	disc.set()
	s.Cycle(ctx)
	assert.Empty(t, s.Handlers())

	// the port is back before the old handler has closed it
	disc.set("P")
	s.Cycle(ctx)
	s.Cycle(ctx)
	assert.Equal(t, 1, rec.get(rec.starts, "P"))
	assert.Empty(t, s.Handlers())

	rec.mu.Lock()
	delete(rec.hold, "P")
	rec.mu.Unlock()
	close(release)
	assert.Eventually(t, func() bool { return rec.get(rec.stopped, "P") == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.handlers["P"].finished() }, time.Second, 5*time.Millisecond)

	s.Cycle(ctx)
	assert.Eventually(t, func() bool { return rec.get(rec.starts, "P") == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"P"}, s.Handlers())
}

func TestSupervisorRestartsCrashedHandler(t *testing.T) {
	disc := &fakeDiscoverer{}
	s, rec, _ := newTestSupervisor(t, disc, nil)
	rec.crash["C"] = true
	ctx := context.Background()

	disc.set("C")
	s.Cycle(ctx)
	assert.Eventually(t, func() bool { return s.handlers["C"].finished() }, time.Second, 5*time.Millisecond)

	s.Cycle(ctx)
	assert.Eventually(t, func() bool { return rec.get(rec.starts, "C") == 2 }, time.Second, 5*time.Millisecond)

	// a running handler is left alone
	s.Cycle(ctx)
	assert.Equal(t, 2, rec.get(rec.starts, "C"))
}

func TestSupervisorDiscoveryErrorKeepsHandlers(t *testing.T) {
	disc := &fakeDiscoverer{}
	s, _, _ := newTestSupervisor(t, disc, nil)

	disc.set("A")
	s.Cycle(context.Background())

	disc.mu.Lock()
	disc.err = errors.New("usb enumeration failed")
	disc.ports = nil
	disc.mu.Unlock()
	s.Cycle(context.Background())

	assert.Equal(t, []string{"A"}, s.Handlers())
}

type onceSource struct {
	reqs []trigger.Request
}

func (o *onceSource) Poll(context.Context) []trigger.Request {
	out := o.reqs
	o.reqs = nil
	return out
}

func TestSupervisorDispatchesTriggers(t *testing.T) {
	dev := newFakeDevice("/dev/ttyACM1")
	src := &onceSource{reqs: []trigger.Request{
		{DeviceID: 7, Firmware: "http://fw/7.bin"},
		{DeviceID: 8, Firmware: "http://fw/8.bin"},
	}}
	s, _, f := newTestSupervisor(t, &fakeDiscoverer{}, src)
	f.services.Ports.Register(dev)

	s.Cycle(context.Background())
	s.dispatch.Wait()

	got := []string{dev.nextWrite(t), dev.nextWrite(t)}
	assert.ElementsMatch(t, []string{
		`{"OTA_CMD":"WIFI_UPDATE","Did":7,"URL":"http://fw/7.bin"}` + "\n",
		`{"OTA_CMD":"WIFI_UPDATE","Did":8,"URL":"http://fw/8.bin"}` + "\n",
	}, got)
	assert.Equal(t, int64(2), f.stats.Snapshot().OTAUpdates)

	s.Cycle(context.Background())
	s.dispatch.Wait()
	assert.Equal(t, int64(2), f.stats.Snapshot().OTAUpdates)
}

func TestSupervisorTriggerWithoutPorts(t *testing.T) {
	src := &onceSource{reqs: []trigger.Request{{DeviceID: 7, Firmware: "x"}}}
	s, _, f := newTestSupervisor(t, &fakeDiscoverer{}, src)

	s.Cycle(context.Background())
	s.dispatch.Wait()
	assert.Equal(t, int64(0), f.stats.Snapshot().OTAUpdates)

	_, err := s.Dispatch(context.Background(), trigger.Request{DeviceID: 7, Firmware: "x"})
	assert.ErrorIs(t, err, ErrNoPorts)
}

type staticFetcher struct {
	id  string
	err error
}

func (f staticFetcher) FetchSession(context.Context, int) (string, error) { return f.id, f.err }

func TestSupervisorRefreshSession(t *testing.T) {
	s, _, _ := newTestSupervisor(t, &fakeDiscoverer{}, nil)
	s.motherID = 1

	s.backend = staticFetcher{err: errors.New("offline")}
	assert.Error(t, s.RefreshSession(context.Background()))
	assert.Equal(t, relay.DefaultSessionID, s.session.ID())

	s.backend = staticFetcher{id: "812"}
	require.NoError(t, s.RefreshSession(context.Background()))
	assert.Equal(t, "812", s.session.ID())
}

func TestSupervisorRunShutsDown(t *testing.T) {
	disc := &fakeDiscoverer{}
	disc.set("A")
	s, rec, _ := newTestSupervisor(t, disc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return rec.get(rec.starts, "A") == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, 1, rec.get(rec.stopped, "A"))
}
