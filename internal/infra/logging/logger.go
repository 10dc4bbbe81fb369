package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the global logger with file rotation. An empty file path
// logs to stderr only.
func Init(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	var w io.Writer = os.Stderr
	if file != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		})
	}
	logger = zerolog.New(w).With().Timestamp().Logger()
	SetLogLevel(level)
}

// SetLogLevel changes the minimum level. Unknown levels fall back to info.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger = logger.Level(lvl)
}

// SetLoggerForTest replaces the global logger so tests can capture output.
func SetLoggerForTest(l zerolog.Logger) {
	logger = l
}

func Debug(msg string, kv ...interface{}) { emit(logger.Debug(), msg, kv) }
func Info(msg string, kv ...interface{})  { emit(logger.Info(), msg, kv) }
func Warn(msg string, kv ...interface{})  { emit(logger.Warn(), msg, kv) }
func Error(msg string, kv ...interface{}) { emit(logger.Error(), msg, kv) }

// emit attaches alternating key/value pairs to the event. Keys that are not
// strings are skipped along with their value.
func emit(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(k, kv[i+1])
	}
	e.Msg(msg)
}
