package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "grug/pkg/logx"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg, logx.Nop()), reg
}

func TestPrometheusSinkJobStore(t *testing.T) {
	t.Parallel()
	s, _ := newTestSink(t)

	s.LoopCompleted(10*time.Millisecond, 3, nil)
	s.LoopCompleted(time.Millisecond, 0, errors.New("db gone"))
	s.JobFired("reminder.food")
	s.JobFired("reminder.food")
	s.JobFinished("reminder.food", OutcomeOK, time.Second)
	s.JobFinished("reminder.food", OutcomeError, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.loopsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.loopErrorsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.claimedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.firedTotal.WithLabelValues("reminder.food")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.finishedTotal.WithLabelValues("reminder.food", OutcomeError)))
}

func TestPrometheusSinkSchedulerState(t *testing.T) {
	t.Parallel()
	s, reg := newTestSink(t)

	s.SchedulerState("started")
	s.SchedulerRestart()
	s.SchedulerState("error")

	assert.Equal(t, 1.0, testutil.ToFloat64(s.state.WithLabelValues("error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.state.WithLabelValues("started")))

	expected := `
# HELP grug_scheduler_restarts_total Times the job store loop crashed and was re-initialized.
# TYPE grug_scheduler_restarts_total counter
grug_scheduler_restarts_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "grug_scheduler_restarts_total"))
}

func TestPrometheusSinkSyncAndReminders(t *testing.T) {
	t.Parallel()
	s, _ := newTestSink(t)

	s.SyncCompleted("event", nil)
	s.SyncCompleted("occurrence", errors.New("boom"))
	s.SyncQueueDepth(7)
	s.ReminderOutcome("food", ReminderSent)
	s.ReminderOutcome("food", ReminderStale)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.syncsTotal.WithLabelValues("occurrence", OutcomeError)))
	assert.Equal(t, 7.0, testutil.ToFloat64(s.syncQueue))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.remindersTotal.WithLabelValues("food", ReminderStale)))
}

func TestDuplicateRegistrationDoesNotPanic(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg, logx.Nop())
	assert.NotPanics(t, func() { NewPrometheusSink(reg, logx.Nop()).JobFired("x") })
}

func TestOrNoop(t *testing.T) {
	t.Parallel()
	assert.Equal(t, NoopSink{}, OrNoop(nil))
	s, _ := newTestSink(t)
	assert.Same(t, s, OrNoop(s))
}
