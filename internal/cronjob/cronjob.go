package cronjob

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger adapts the global zerolog logger to cron.Logger.
type Logger struct {
	logger zerolog.Logger
}

func NewLogger(component string) Logger {
	return Logger{logger: log.With().Str("component", component).Logger()}
}

func (l Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// New returns a cron runner whose jobs survive panics and never overlap
// themselves.
func New(component string) *cron.Cron {
	logger := NewLogger(component)
	return cron.New(
		cron.WithLogger(logger),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
}

// Every is cron.Every with a floor of one second, the finest interval cron
// can express.
func Every(interval time.Duration) cron.Schedule {
	if interval < time.Second {
		interval = time.Second
	}
	return cron.Every(interval)
}
