package metrics

import "time"

// NoopSink discards everything.
type NoopSink struct{}

func (NoopSink) LoopCompleted(time.Duration, int, error)   {}
func (NoopSink) JobFired(string)                           {}
func (NoopSink) JobFinished(string, string, time.Duration) {}
func (NoopSink) SchedulerRestart()                         {}
func (NoopSink) SchedulerState(string)                     {}
func (NoopSink) SyncCompleted(string, error)               {}
func (NoopSink) SyncQueueDepth(int)                        {}
func (NoopSink) ReminderOutcome(string, string)            {}
