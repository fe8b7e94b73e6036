package stats

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Stats holds process-lifetime counters. Safe for concurrent use.
type Stats struct {
	answersProcessed atomic.Int64
	errors           atomic.Int64
	otaUpdates       atomic.Int64
	otaSuccesses     atomic.Int64
	otaFailures      atomic.Int64

	startTime time.Time
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	AnswersProcessed int64         `json:"answersProcessed"`
	Errors           int64         `json:"errors"`
	OTAUpdates       int64         `json:"otaUpdates"`
	OTASuccesses     int64         `json:"otaSuccesses"`
	OTAFailures      int64         `json:"otaFailures"`
	Uptime           time.Duration `json:"uptime"`
	AnswerRate       float64       `json:"answerRate"`
}

// New creates zeroed counters starting now
func New() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) AnswerProcessed() { s.answersProcessed.Add(1) }
func (s *Stats) Error()           { s.errors.Add(1) }
func (s *Stats) OTAStarted()      { s.otaUpdates.Add(1) }
func (s *Stats) OTASucceeded()    { s.otaSuccesses.Add(1) }
func (s *Stats) OTAFailed()       { s.otaFailures.Add(1) }

// Snapshot copies the counters and derives uptime and answers/sec
func (s *Stats) Snapshot() Snapshot {
	uptime := time.Since(s.startTime)
	snap := Snapshot{
		AnswersProcessed: s.answersProcessed.Load(),
		Errors:           s.errors.Load(),
		OTAUpdates:       s.otaUpdates.Load(),
		OTASuccesses:     s.otaSuccesses.Load(),
		OTAFailures:      s.otaFailures.Load(),
		Uptime:           uptime,
	}
	if secs := uptime.Seconds(); secs > 0 {
		snap.AnswerRate = float64(snap.AnswersProcessed) / secs
	}
	return snap
}

// Log writes the snapshot as one structured line
func (s Snapshot) Log(ev *zerolog.Event, msg string) {
	ev.
		Int64("answers", s.AnswersProcessed).
		Int64("errors", s.Errors).
		Int64("ota_started", s.OTAUpdates).
		Int64("ota_succeeded", s.OTASuccesses).
		Int64("ota_failed", s.OTAFailures).
		Str("rate", formatRate(s.AnswerRate)).
		Dur("uptime", s.Uptime.Truncate(time.Second)).
		Msg(msg)
}

func formatRate(r float64) string {
	return strconv.FormatFloat(r, 'f', 2, 64) + "/sec"
}
