package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// Logger is the leveled logging surface consumed by the sync engine.
// Implementations must be safe for concurrent use.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

type LogData struct {
	writer  io.Writer
	LogFile *os.File
	Logger  zerolog.Logger
}

func New() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

// Nop returns a Logger that discards everything. Used as the default
// when callers pass a nil logger.
func Nop() *LogData {
	return &LogData{writer: io.Discard, Logger: zerolog.Nop()}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

func (build *LogBuild) WithLevel(level zerolog.Level) *LogBuild {
	build.level = level
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	logData.writer = os.Stdout
	if build.writer != nil {
		logData.writer = build.writer
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		logData.writer = zerolog.SyncWriter(logData.LogFile)
	}
	logData.Logger = zerolog.New(logData.writer).Level(build.level).With().Timestamp().Logger()
	return
}

// Error implements Logger on top of the built zerolog logger.
func (logData *LogData) Error(msg string, args ...any) {
	logData.emit(logData.Logger.Error(), msg, args)
}

func (logData *LogData) Warn(msg string, args ...any) {
	logData.emit(logData.Logger.Warn(), msg, args)
}

func (logData *LogData) Info(msg string, args ...any) {
	logData.emit(logData.Logger.Info(), msg, args)
}

func (logData *LogData) Debug(msg string, args ...any) {
	logData.emit(logData.Logger.Debug(), msg, args)
}

// emit renders alternating key/value pairs the same way slog does, so
// both Logger implementations accept identical call sites.
func (logData *LogData) emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}
