package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// clientLogger routes go-redis internal messages (pool dial errors,
// reconnects) through zerolog.
type clientLogger struct {
	log zerolog.Logger
}

func (l clientLogger) Printf(_ context.Context, format string, v ...interface{}) {
	l.log.Warn().Str("component", "redis").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// SetLogger replaces the go-redis process-wide logger, which otherwise writes
// to the standard log package.
func SetLogger(l zerolog.Logger) {
	goredis.SetLogger(clientLogger{log: l})
}
