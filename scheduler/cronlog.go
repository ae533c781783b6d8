package scheduler

import (
	"fmt"

	"clipper/logger"
)

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: "+msg, append(fields(keysAndValues), logger.Error(err))...)
}

func fields(kv []interface{}) []logger.Field {
	out := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
