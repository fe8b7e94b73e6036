package stats

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCountersAreConcurrencySafe(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AnswerProcessed()
			s.Error()
			s.OTAStarted()
			s.OTASucceeded()
			s.OTAFailed()
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.EqualValues(t, 50, snap.AnswersProcessed)
	assert.EqualValues(t, 50, snap.Errors)
	assert.EqualValues(t, 50, snap.OTAUpdates)
	assert.EqualValues(t, 50, snap.OTASuccesses)
	assert.EqualValues(t, 50, snap.OTAFailures)
	assert.Greater(t, snap.AnswerRate, 0.0)
}

func TestSnapshotLog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	s := New()
	s.OTAStarted()
	s.Snapshot().Log(logger.Info(), "STATS")

	assert.Contains(t, buf.String(), `"ota_started":1`)
	assert.Contains(t, buf.String(), `"message":"STATS"`)
}
