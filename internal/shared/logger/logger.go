package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crawladapter/internal/shared/types"
)

const timeFormat = "2006-01-02 15:04:05"

// Init 按 [log] 配置安装全局日志器，输出到 stderr。
func Init(cfg types.LogConf) error {
	return initTo(os.Stderr, cfg)
}

func initTo(out io.Writer, cfg types.LogConf) error {
	levelStr := strings.ToLower(strings.TrimSpace(cfg.Level))
	level, err := zerolog.ParseLevel(levelStr)
	unknownLevel := err != nil
	if unknownLevel || levelStr == "" {
		level = zerolog.InfoLevel
	}

	var w io.Writer
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat}
	case "json":
		w = out
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}
	log.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()

	if unknownLevel {
		Warn().Str("requested", cfg.Level).Msg("Unknown log level, using info.")
	}
	Info().Str("level", level.String()).Msg("Logger initialized.")
	return nil
}

// WithComponent 返回带 component 字段的子日志器。
func WithComponent(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// Event 包装 zerolog 事件，字段方法返回 *Event 以便链式调用。
// Msg/Msgf 由内嵌的 *zerolog.Event 提供。
type Event struct {
	*zerolog.Event
}

func Debug() *Event { return &Event{log.Debug()} }
func Info() *Event  { return &Event{log.Info()} }
func Warn() *Event  { return &Event{log.Warn()} }
func Error() *Event { return &Event{log.Error()} }
func Fatal() *Event { return &Event{log.Fatal()} }

func (e *Event) Str(key, value string) *Event {
	e.Event = e.Event.Str(key, value)
	return e
}

func (e *Event) Int(key string, value int) *Event {
	e.Event = e.Event.Int(key, value)
	return e
}

func (e *Event) Int64(key string, value int64) *Event {
	e.Event = e.Event.Int64(key, value)
	return e
}

func (e *Event) Float64(key string, value float64) *Event {
	e.Event = e.Event.Float64(key, value)
	return e
}

func (e *Event) Dur(key string, value time.Duration) *Event {
	e.Event = e.Event.Dur(key, value)
	return e
}

func (e *Event) Bool(key string, value bool) *Event {
	e.Event = e.Event.Bool(key, value)
	return e
}

func (e *Event) Err(err error) *Event {
	e.Event = e.Event.Err(err)
	return e
}

func (e *Event) Interface(key string, value interface{}) *Event {
	e.Event = e.Event.Interface(key, value)
	return e
}
