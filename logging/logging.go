// Package logging builds the zerolog loggers shared by every pipeline
// component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"kafka-keycount/config"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	FieldComponent = "component"
	FieldWorker    = "worker"
	FieldRunID     = "run_id"

	// TimeFormat matches the HH:mm:ss.fff prefix of the console output.
	TimeFormat = "15:04:05.000"
)

// New creates the root logger. A nil writer means stdout.
func New(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if strings.ToLower(cfg.Format) != FormatJSON {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: TimeFormat,
			PartsOrder: []string{
				zerolog.TimestampFieldName,
				zerolog.LevelFieldName,
				FieldComponent,
				zerolog.MessageFieldName,
			},
			FieldsExclude: []string{FieldComponent},
		}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component tags l with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}

// Worker tags l with a consumer worker id.
func Worker(l zerolog.Logger, id int) zerolog.Logger {
	return l.With().Int(FieldWorker, id).Logger()
}
