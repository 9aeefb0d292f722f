// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package logging configures the shared logrus logger used by every package.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/kilorouter/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RequestIDField carries the task id of the pipeline run that logged.
const RequestIDField = "request_id"

const (
	timeLayout = "2006-01-02 15:04:05"
	noTask     = "--------"
	mainLog    = "main.log"
)

var levelLabels = map[log.Level]string{
	log.PanicLevel: "panic",
	log.FatalLevel: "fatal",
	log.ErrorLevel: "error",
	log.WarnLevel:  "warn ",
	log.InfoLevel:  "info ",
	log.DebugLevel: "debug",
	log.TraceLevel: "trace",
}

// LogFormatter renders entries as
// [2026-01-10 12:00:00] [task-id] [info ] [file.go:42] message | k=v, k2="a b"
type LogFormatter struct{}

// Format renders a single log entry.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}

	task, _ := entry.Data[RequestIDField].(string)
	if task == "" {
		task = noTask
	}
	fmt.Fprintf(buf, "[%s] [%s] [%s] ", entry.Time.Format(timeLayout), task, levelLabels[entry.Level])
	if entry.Caller != nil {
		fmt.Fprintf(buf, "[%s:%d] ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	buf.WriteString(strings.TrimRight(entry.Message, "\r\n"))
	writeFields(buf, entry.Data)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// writeFields appends the fields other than the task id, sorted by key.
// Values containing spaces are quoted.
func writeFields(buf *bytes.Buffer, data log.Fields) {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k != RequestIDField {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)
	buf.WriteString(" |")
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		v := fmt.Sprint(data[k])
		if strings.ContainsAny(v, " \t") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(buf, " %s=%s", k, v)
	}
}

// outputs owns the writers the logger and gin were pointed at.
type outputs struct {
	mu       sync.Mutex
	file     *lumberjack.Logger
	ginInfo  *io.PipeWriter
	ginError *io.PipeWriter
}

var (
	setupOnce sync.Once
	out       outputs
)

// SetupBaseLogger configures the shared logrus instance and routes gin's
// writers through it. Only the first call has an effect.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		out.mu.Lock()
		out.ginInfo = log.StandardLogger().Writer()
		out.ginError = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultWriter = out.ginInfo
		gin.DefaultErrorWriter = out.ginError
		out.mu.Unlock()
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			log.Infof(strings.TrimRight(format, "\r\n"), values...)
		}

		log.RegisterExitHandler(out.closeAll)
	})
}

// ConfigureLogOutput applies the level and sends output either to stdout or
// to a rotating main.log under logDir. An unknown level falls back to info.
func ConfigureLogOutput(cfg config.LoggingConfig, logDir string) error {
	SetupBaseLogger()

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if err != nil && cfg.Level != "" {
		log.Warnf("unknown log level %q, using info", cfg.Level)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	out.closeFile()
	if !cfg.ToFile {
		log.SetOutput(os.Stdout)
		return nil
	}

	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	out.file = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, mainLog),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	log.SetOutput(out.file)
	return nil
}

// WithTask returns an entry tagged with the task id.
func WithTask(taskID string) *log.Entry {
	return log.WithField(RequestIDField, taskID)
}

// closeFile closes the rotating file. The caller holds o.mu.
func (o *outputs) closeFile() {
	if o.file != nil {
		_ = o.file.Close()
		o.file = nil
	}
}

func (o *outputs) closeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeFile()
	for _, w := range []*io.PipeWriter{o.ginInfo, o.ginError} {
		if w != nil {
			_ = w.Close()
		}
	}
	o.ginInfo, o.ginError = nil, nil
}
