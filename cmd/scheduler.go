package main

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to the cron.Logger interface. The scheduler's own
// chatter goes to debug; a skipped tick is a warning.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.log.Warnw("Skipping scheduled run, previous run still in progress", keysAndValues...)
		return
	}
	l.log.Debugw("Scheduler "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("Scheduler "+msg, append(keysAndValues, "error", err)...)
}

// jobWrappers makes runs strictly sequential: a tick that fires while the
// previous run is still going is dropped.
func jobWrappers(l cron.Logger) []cron.JobWrapper {
	return []cron.JobWrapper{
		cron.Recover(l),
		cron.SkipIfStillRunning(l),
	}
}

func newScheduler(log *zap.Logger) *cron.Cron {
	l := cronLogger{log: log.Sugar()}
	return cron.New(cron.WithLogger(l), cron.WithChain(jobWrappers(l)...))
}
