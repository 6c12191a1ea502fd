package frogbot

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

// discordgoLoggerFunc routes discordgo's printf-style logging into slog.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(msgL int, _ int, format string, args ...any) {
		level := slog.LevelInfo
		switch msgL {
		case discordgo.LogError:
			level = slog.LevelError
		case discordgo.LogWarning:
			level = slog.LevelWarn
		case discordgo.LogDebug:
			level = slog.LevelDebug
		}
		msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", "")
		log.LogAttrs(ctx, level, msg)
	}
}

const (
	DBLogLevelDebug DBLogLevel = "DEBUG"
	DBLogLevelInfo  DBLogLevel = "INFO"
	DBLogLevelWarn  DBLogLevel = "WARN"
	DBLogLevelError DBLogLevel = "ERROR"
)

var dbLogLevels = map[DBLogLevel]slog.Level{
	DBLogLevelDebug: slog.LevelDebug,
	DBLogLevelInfo:  slog.LevelInfo,
	DBLogLevelWarn:  slog.LevelWarn,
	DBLogLevelError: slog.LevelError,
}

// DBLogLevel is a slog level name, stored as a string column so log
// levels can be changed through RuntimeConfig.
type DBLogLevel string

func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return l.Set(string(v))
	case string:
		return l.Set(v)
	default:
		return fmt.Errorf("invalid type for DBLogLevel: %T", value)
	}
}

func (l DBLogLevel) Value() (driver.Value, error) {
	return string(l), nil
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(l))
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return l.Set(s)
}

func (l DBLogLevel) String() string {
	return string(l)
}

// Set parses s case-insensitively.
func (l *DBLogLevel) Set(s string) error {
	level := DBLogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := dbLogLevels[level]; !ok {
		return fmt.Errorf("unknown log level: %s", s)
	}
	*l = level
	return nil
}

// Level returns the slog level, or slog.LevelInfo for unknown names.
func (l DBLogLevel) Level() slog.Level {
	if level, ok := dbLogLevels[l]; ok {
		return level
	}
	return slog.LevelInfo
}

// gormStructuredLogger adapts gorm's logger.Interface to slog. Queries
// slower than SlowThreshold are logged at warn, everything else at debug.
type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		handler:       handler,
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, levels are controlled by the slog handler
func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()

	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}
	attrs := []any{
		"elapsed", elapsed,
		"threshold", g.SlowThreshold,
		"rows", rows,
		"sql", s,
	}
	if err != nil {
		attrs = append(attrs, tint.Err(err))
	}

	if g.SlowThreshold != 0 && elapsed > g.SlowThreshold {
		g.logger.WarnContext(ctx, "slow sql", attrs...)
		return
	}
	g.logger.DebugContext(ctx, "sql completed", attrs...)
}
