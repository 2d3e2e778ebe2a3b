package main

import (
	"bytes"
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a console or JSON logger writing to out.
func newLogger(e Environment, verbose bool, out io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(e.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	var enc zapcore.Encoder
	if e.LogJSON {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), level)), nil
}

// logLines is an io.Writer that forwards each log line to a channel for
// the TUI. Lines are dropped when the reader falls behind.
type logLines chan string

func (l logLines) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		select {
		case l <- string(line):
		default:
		}
	}
	return len(p), nil
}
