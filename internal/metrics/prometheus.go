package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "grug/pkg/logx"
)

// SchedulerStates are the values exported by grug_scheduler_state.
var SchedulerStates = []string{"stopped", "starting", "started", "stopping", "error"}

// PrometheusSink implements Sink with client_golang collectors.
// Registration errors are logged, never returned.
type PrometheusSink struct {
	log logx.Logger

	loopsTotal      prometheus.Counter
	loopErrorsTotal prometheus.Counter
	loopDuration    prometheus.Histogram
	claimedTotal    prometheus.Counter
	firedTotal      *prometheus.CounterVec
	finishedTotal   *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec

	restartsTotal prometheus.Counter
	state         *prometheus.GaugeVec

	syncsTotal *prometheus.CounterVec
	syncQueue  prometheus.Gauge

	remindersTotal *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log.With(logx.String("comp", "metrics"))}
	s.initJobStoreMetrics(reg)
	s.initLifecycleMetrics(reg)
	s.initSyncMetrics(reg)
	return s
}

func (s *PrometheusSink) initJobStoreMetrics(reg prometheus.Registerer) {
	s.loopsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grug_jobstore_loops_total",
		Help: "Total number of job store claim iterations.",
	})
	s.loopErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grug_jobstore_loop_errors_total",
		Help: "Total number of job store iterations that failed.",
	})
	s.loopDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grug_jobstore_loop_duration_seconds",
		Help:    "Duration of each claim iteration in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.claimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grug_jobstore_claimed_total",
		Help: "Total number of due schedules claimed.",
	})
	s.firedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grug_jobs_fired_total",
		Help: "Jobs submitted for execution, by task.",
	}, []string{"task"})
	s.finishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grug_jobs_finished_total",
		Help: "Jobs settled, by task and outcome.",
	}, []string{"task", "outcome"})
	s.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grug_job_duration_seconds",
		Help:    "Job run time including retries.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"task"})

	s.register(reg, s.loopsTotal, "grug_jobstore_loops_total")
	s.register(reg, s.loopErrorsTotal, "grug_jobstore_loop_errors_total")
	s.register(reg, s.loopDuration, "grug_jobstore_loop_duration_seconds")
	s.register(reg, s.claimedTotal, "grug_jobstore_claimed_total")
	s.register(reg, s.firedTotal, "grug_jobs_fired_total")
	s.register(reg, s.finishedTotal, "grug_jobs_finished_total")
	s.register(reg, s.jobDuration, "grug_job_duration_seconds")
}

func (s *PrometheusSink) initLifecycleMetrics(reg prometheus.Registerer) {
	s.restartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grug_scheduler_restarts_total",
		Help: "Times the job store loop crashed and was re-initialized.",
	})
	s.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grug_scheduler_state",
		Help: "1 for the current scheduler lifecycle state, 0 otherwise.",
	}, []string{"state"})

	s.register(reg, s.restartsTotal, "grug_scheduler_restarts_total")
	s.register(reg, s.state, "grug_scheduler_state")
}

func (s *PrometheusSink) initSyncMetrics(reg prometheus.Registerer) {
	s.syncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grug_sync_total",
		Help: "Occurrence sync runs, by entity and outcome.",
	}, []string{"entity", "outcome"})
	s.syncQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grug_sync_queue_depth",
		Help: "Committed changes waiting for the sync consumer.",
	})
	s.remindersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grug_reminders_total",
		Help: "Reminder dispatches, by kind and outcome.",
	}, []string{"kind", "outcome"})

	s.register(reg, s.syncsTotal, "grug_sync_total")
	s.register(reg, s.syncQueue, "grug_sync_queue_depth")
	s.register(reg, s.remindersTotal, "grug_reminders_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn("metric registration failed", logx.String("metric", name), logx.Err(err))
	}
}

func (s *PrometheusSink) LoopCompleted(d time.Duration, claimed int, err error) {
	s.loopsTotal.Inc()
	s.loopDuration.Observe(d.Seconds())
	s.claimedTotal.Add(float64(claimed))
	if err != nil {
		s.loopErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) JobFired(task string) {
	s.firedTotal.WithLabelValues(task).Inc()
}

func (s *PrometheusSink) JobFinished(task, outcome string, d time.Duration) {
	s.finishedTotal.WithLabelValues(task, outcome).Inc()
	s.jobDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (s *PrometheusSink) SchedulerRestart() {
	s.restartsTotal.Inc()
}

func (s *PrometheusSink) SchedulerState(state string) {
	for _, st := range SchedulerStates {
		v := 0.0
		if st == state {
			v = 1
		}
		s.state.WithLabelValues(st).Set(v)
	}
}

func (s *PrometheusSink) SyncCompleted(entity string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	s.syncsTotal.WithLabelValues(entity, outcome).Inc()
}

func (s *PrometheusSink) SyncQueueDepth(n int) {
	s.syncQueue.Set(float64(n))
}

func (s *PrometheusSink) ReminderOutcome(kind, outcome string) {
	s.remindersTotal.WithLabelValues(kind, outcome).Inc()
}
