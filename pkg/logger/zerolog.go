package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// LogBuild assembles a zerolog logger for long-running processes.
type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
	pretty bool
}

type LogData struct {
	writer  io.Writer
	LogFile *os.File
	Logger  zerolog.Logger
}

func NewBuild() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level accepts zerolog level names ("debug", "info", ...). Unknown names keep
// the current level.
func (build *LogBuild) Level(name string) *LogBuild {
	if lvl, err := zerolog.ParseLevel(name); err == nil && name != "" {
		build.level = lvl
	}
	return build
}

// Pretty switches to zerolog's human readable console output.
func (build *LogBuild) Pretty(pretty bool) *LogBuild {
	build.pretty = pretty
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	logData.writer = os.Stderr
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
	if build.pretty {
		logData.writer = zerolog.ConsoleWriter{Out: logData.writer, NoColor: build.path != ""}
	}
	logData.Logger = zerolog.New(logData.writer).Level(build.level).With().Timestamp().Logger()
	return
}

// Close releases the log file, if any.
func (d *LogData) Close() error {
	if d.LogFile == nil {
		return nil
	}
	return d.LogFile.Close()
}

// Leveled adapts the built zerolog logger to the Logger interface.
func (d *LogData) Leveled() Logger {
	return FromZerolog(d.Logger)
}

type zerologAdapter struct {
	z zerolog.Logger
}

// FromZerolog adapts z to the Logger interface.
func FromZerolog(z zerolog.Logger) Logger {
	return &zerologAdapter{z: z}
}

func (a *zerologAdapter) Error(msg string, args ...any) { a.log(a.z.Error(), msg, args) }
func (a *zerologAdapter) Warn(msg string, args ...any)  { a.log(a.z.Warn(), msg, args) }
func (a *zerologAdapter) Info(msg string, args ...any)  { a.log(a.z.Info(), msg, args) }
func (a *zerologAdapter) Debug(msg string, args ...any) { a.log(a.z.Debug(), msg, args) }

func (a *zerologAdapter) log(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			ev = ev.Str("!BADKEY", key)
			break
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case fmt.Stringer:
			ev = ev.Stringer(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
