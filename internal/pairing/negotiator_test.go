package pairing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tambula/esp-listener/internal/config"
	"github.com/tambula/esp-listener/internal/events"
	"github.com/tambula/esp-listener/internal/models"
)

// scriptedPrompter answers prompts in order; nil entries time out
type scriptedPrompter struct {
	answers   []*string
	questions []string
	timeouts  []time.Duration
}

func answer(s string) *string { return &s }

func (p *scriptedPrompter) Ask(ctx context.Context, question string, timeout time.Duration) (string, error) {
	p.questions = append(p.questions, question)
	p.timeouts = append(p.timeouts, timeout)
	if len(p.answers) == 0 {
		return "", ErrPromptTimeout
	}
	next := p.answers[0]
	p.answers = p.answers[1:]
	if next == nil {
		return "", ErrPromptTimeout
	}
	return *next, nil
}

func testPairingConfig() config.PairingConfig {
	return config.PairingConfig{
		PromptTimeout:     30 * time.Second,
		WiFiPromptTimeout: 60 * time.Second,
	}
}

func newTestNegotiator(p Prompter, sink events.Sink) *Negotiator {
	n := NewNegotiator(p, testPairingConfig(), sink)
	n.sleep = func(context.Context, time.Duration) error { return nil }
	return n
}

func writtenLines(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var lines []string
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func decode(t *testing.T, line string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

var pairCtx = Context{Phase: PhaseAwaitingResponse, DeviceID: "42", MAC: "AA:BB"}

func TestNegotiateTimeoutWritesNothing(t *testing.T) {
	mem := &events.Memory{}
	n := newTestNegotiator(&scriptedPrompter{}, mem)

	var out bytes.Buffer
	outcome, err := n.Negotiate(context.Background(), "p", &out, pairCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, outcome)
	assert.Zero(t, out.Len())

	evs := mem.Events(models.EventTypePairing)
	require.Len(t, evs, 1)
	assert.Equal(t, "TIMEOUT", evs[0].Description)
}

func TestNegotiateRejectWritesResponse(t *testing.T) {
	p := &scriptedPrompter{answers: []*string{answer(" n ")}}
	n := newTestNegotiator(p, nil)

	var out bytes.Buffer
	outcome, err := n.Negotiate(context.Background(), "p", &out, pairCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, "N\n", out.String())
	assert.Len(t, p.questions, 1)
}

func TestNegotiateAcceptNoConfig(t *testing.T) {
	p := &scriptedPrompter{answers: []*string{answer("yes"), answer("n"), answer("n"), answer("n")}}
	n := newTestNegotiator(p, nil)

	var out bytes.Buffer
	outcome, err := n.Negotiate(context.Background(), "p", &out, pairCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, "YES\n", out.String())
	assert.Len(t, p.questions, 4)
}

func TestNegotiateFullConfiguration(t *testing.T) {
	p := &scriptedPrompter{answers: []*string{
		answer("Y"),
		answer("y"), answer("17"),
		answer("Y"), answer("1"), answer("2"), answer("3"), answer("4"), answer("5"), answer("6"), answer("48"),
		answer("Y"), answer("office"), answer("s3cret"),
	}}
	n := newTestNegotiator(p, nil)

	var out bytes.Buffer
	outcome, err := n.Negotiate(context.Background(), "p", &out, pairCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	lines := writtenLines(t, &out)
	require.Len(t, lines, 4)
	assert.Equal(t, "Y", lines[0])
	assert.Equal(t, `{"CONFIG_CMD":"SET_DEVICE_ID","Did":42,"DeviceId":17}`, lines[1])

	gpio := decode(t, lines[2])
	assert.Equal(t, "SET_GPIO_CONFIG", gpio["CONFIG_CMD"])
	assert.Equal(t, float64(42), gpio["Did"])
	assert.Equal(t, float64(1), gpio["RedPin"])
	assert.Equal(t, float64(48), gpio["ButtonD"])

	assert.Equal(t, `{"CONFIG_CMD":"SET_WIFI_CONFIG","Did":42,"SSID":"office","Password":"s3cret"}`, lines[3])

	// SSID and password prompts use the longer timeout
	assert.Equal(t, 60*time.Second, p.timeouts[len(p.timeouts)-1])
	assert.Equal(t, 60*time.Second, p.timeouts[len(p.timeouts)-2])
}

func TestNegotiateDeviceIDOutOfRange(t *testing.T) {
	p := &scriptedPrompter{answers: []*string{answer("Y"), answer("Y"), answer("256"), answer("N"), answer("N")}}
	n := newTestNegotiator(p, nil)

	var out bytes.Buffer
	_, err := n.Negotiate(context.Background(), "p", &out, pairCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, writtenLines(t, &out))
	assert.Len(t, p.questions, 5)
}

func TestNegotiateDeviceIDWithoutPairingID(t *testing.T) {
	p := &scriptedPrompter{answers: []*string{answer("Y"), answer("Y"), answer("9"), answer("N"), answer("N")}}
	n := newTestNegotiator(p, nil)

	var out bytes.Buffer
	_, err := n.Negotiate(context.Background(), "p", &out, Context{DeviceID: "?"})
	require.NoError(t, err)

	lines := writtenLines(t, &out)
	require.Len(t, lines, 2)
	assert.Equal(t, `{"CONFIG_CMD":"SET_DEVICE_ID","Did":9,"DeviceId":9}`, lines[1])
}

func TestNegotiateInvalidPinAbortsGPIO(t *testing.T) {
	p := &scriptedPrompter{answers: []*string{
		answer("Y"),
		answer("N"),
		answer("Y"), answer("4"), answer("49"),
		answer("N"),
	}}
	n := newTestNegotiator(p, nil)

	var out bytes.Buffer
	_, err := n.Negotiate(context.Background(), "p", &out, pairCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, writtenLines(t, &out))

	// remaining pins were not asked; the WiFi question still was
	assert.Contains(t, p.questions[len(p.questions)-1], "WiFi")
	assert.Len(t, p.questions, 6)
}

func TestNegotiatePinTimeoutAbortsGPIO(t *testing.T) {
	p := &scriptedPrompter{answers: []*string{
		answer("Y"),
		answer("N"),
		answer("Y"), answer("4"), nil,
		answer("N"),
	}}
	n := newTestNegotiator(p, nil)

	var out bytes.Buffer
	_, err := n.Negotiate(context.Background(), "p", &out, pairCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, writtenLines(t, &out))
}

func TestNegotiateEmptyPasswordSkipsWiFi(t *testing.T) {
	p := &scriptedPrompter{answers: []*string{answer("Y"), answer("N"), answer("N"), answer("Y"), answer("net"), answer("  ")}}
	n := newTestNegotiator(p, nil)

	var out bytes.Buffer
	_, err := n.Negotiate(context.Background(), "p", &out, pairCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, writtenLines(t, &out))
}

type cancelPrompter struct{}

func (cancelPrompter) Ask(ctx context.Context, _ string, _ time.Duration) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestNegotiateCancelled(t *testing.T) {
	n := newTestNegotiator(cancelPrompter{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err := n.Negotiate(ctx, "p", &out, pairCtx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Len())
}

// signalWriter reports each prompt printed
type signalWriter struct {
	printed chan string
}

func (w *signalWriter) Write(b []byte) (int, error) {
	w.printed <- string(b)
	return len(b), nil
}

func TestConsolePrompterAsk(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	out := &signalWriter{printed: make(chan string, 4)}
	p := NewConsolePrompter(pr, out)

	type result struct {
		answer string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		a, err := p.Ask(context.Background(), "pair? ", time.Second)
		done <- result{a, err}
	}()

	assert.Equal(t, "pair? ", <-out.printed)
	_, err := io.WriteString(pw, "y\n")
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "y", res.answer)
}

func TestConsolePrompterTimeout(t *testing.T) {
	p := NewConsolePrompter(strings.NewReader(""), io.Discard)
	// let the reader hit EOF
	time.Sleep(10 * time.Millisecond)

	_, err := p.Ask(context.Background(), "q", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrInputClosed)

	pr, pw := io.Pipe()
	defer pw.Close()
	p = NewConsolePrompter(pr, io.Discard)

	_, err = p.Ask(context.Background(), "q", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrPromptTimeout)
}

func TestConsolePrompterWaitingCallerCanGiveUp(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	out := &signalWriter{printed: make(chan string, 4)}
	p := NewConsolePrompter(pr, out)

	// port A holds the console
	firstDone := make(chan error, 1)
	go func() {
		_, err := p.Ask(context.Background(), "A? ", 2*time.Second)
		firstDone <- err
	}()
	assert.Equal(t, "A? ", <-out.printed)

	// port B queues behind it and is then cancelled
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := p.Ask(ctx, "B? ", 30*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// B never printed its question and A still gets the answer
	_, err = io.WriteString(pw, "y\n")
	require.NoError(t, err)
	require.NoError(t, <-firstDone)
	assert.Empty(t, out.printed)
}

func TestConsolePrompterQueueTimeCountsAgainstTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	out := &signalWriter{printed: make(chan string, 4)}
	p := NewConsolePrompter(pr, out)

	go p.Ask(context.Background(), "A? ", time.Second)
	<-out.printed

	start := time.Now()
	_, err := p.Ask(context.Background(), "B? ", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrPromptTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
