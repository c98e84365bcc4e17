package wetlands

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// logSource tags which layer emitted a log line, mirroring the reference
// implementation's log_source values (global/environment/execution).
type logSource string

const (
	logSourceGlobal      logSource = "global"
	logSourceEnvironment logSource = "environment"
	logSourceExecution   logSource = "execution"
)

// logSink receives formatted log lines in addition to the Manager's own
// file/console writers; used both to feed the Worker Supervisor's global log
// callback contract and to let tests observe log output without parsing a
// file.
type logSink func(line string)

// callbackWriter adapts a logSink into an io.Writer so it can be chained
// into a zerolog.MultiLevelWriter alongside the file/console writers.
type callbackWriter struct {
	sink logSink
}

func (w callbackWriter) Write(p []byte) (int, error) {
	w.sink(string(p))
	return len(p), nil
}

// wetlandsLogger is the per-Manager structured logger, holding the
// zerolog.Logger value plus the mutable set of attached callback sinks. It
// is deliberately not a package-level singleton (see SPEC_FULL.md §9,
// "From global singletons to a per-Manager state record"): every Manager
// owns one.
type wetlandsLogger struct {
	mu       sync.Mutex
	base     zerolog.Logger
	sinks    []logSink
	file     *os.File
}

// newWetlandsLogger builds a logger writing to both stderr and an
// instance-directory log file, matching logger.py's FileHandler+StreamHandler
// pair. The file is opened in truncate mode, matching the reference's
// mode="w" FileHandler; it is not rotated by size or age.
func newWetlandsLogger(instanceDir string) (*wetlandsLogger, error) {
	if err := os.MkdirAll(instanceDir, 0o755); err != nil {
		return nil, err
	}
	logPath := filepath.Join(instanceDir, "wetlands.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	wl := &wetlandsLogger{file: f}
	wl.rebuild()
	return wl, nil
}

// rebuild reassembles the zerolog.Logger's multi-writer from the file plus
// stderr plus every currently attached sink. Called whenever the sink set
// changes, so log lines reach newly attached sinks without reopening the
// file.
func (wl *wetlandsLogger) rebuild() {
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}, wl.file}
	for _, s := range wl.sinks {
		writers = append(writers, callbackWriter{sink: s})
	}
	wl.base = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

// attach registers an additional sink (mirrors logger.py's attachLogHandler)
// and returns a function that detaches it.
func (wl *wetlandsLogger) attach(sink logSink) func() {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	wl.sinks = append(wl.sinks, sink)
	idx := len(wl.sinks) - 1
	wl.rebuild()
	return func() {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		if idx < len(wl.sinks) {
			wl.sinks = append(wl.sinks[:idx], wl.sinks[idx+1:]...)
			wl.rebuild()
		}
	}
}

func (wl *wetlandsLogger) logGlobal(msg, stage string) {
	wl.mu.Lock()
	l := wl.base
	wl.mu.Unlock()
	l.Info().Str("log_source", string(logSourceGlobal)).Str("stage", stage).Msg(msg)
}

func (wl *wetlandsLogger) logEnvironment(msg, envName, stage string) {
	wl.mu.Lock()
	l := wl.base
	wl.mu.Unlock()
	l.Info().Str("log_source", string(logSourceEnvironment)).Str("env_name", envName).Str("stage", stage).Msg(msg)
}

func (wl *wetlandsLogger) logExecution(msg, envName, funcName string) {
	wl.mu.Lock()
	l := wl.base
	wl.mu.Unlock()
	l.Info().Str("log_source", string(logSourceExecution)).Str("env_name", envName).Str("func_name", funcName).Msg(msg)
}

func (wl *wetlandsLogger) warn(msg string, fields map[string]string) {
	wl.mu.Lock()
	l := wl.base
	wl.mu.Unlock()
	ev := l.Warn()
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(msg)
}

func (wl *wetlandsLogger) errorf(msg string, fields map[string]string) {
	wl.mu.Lock()
	l := wl.base
	wl.mu.Unlock()
	ev := l.Error()
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(msg)
}

func (wl *wetlandsLogger) close() error {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.file.Close()
}
