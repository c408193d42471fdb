package logger

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"slotwatch/config"
)

const MaxLogSize = 50 * 1024 * 1024 // 50 MB

var (
	// GlobalLogger is always available, SlotLogger and LeaderLogger are
	// (re)created by InitLogs for the running command.
	SlotLogger, LeaderLogger, GlobalLogger *slog.Logger
	consoleEnabled                         = true
	level                                  = new(slog.LevelVar)

	globalRW, slotRW, leaderRW *rotatingWriter
)

// Thread-safe writer that moves on to a numbered file when the current one
// exceeds max size, e.g. slotwatch_20250925101122_global.log, then _1.log, ...
type rotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	dir     string
	prefix  string
	ext     string
	part    int
	size    int64
	maxSize int64
}

func newRotatingWriter(dir, prefix string, maxSize int64) (*rotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	rw := &rotatingWriter{
		dir:     dir,
		prefix:  prefix,
		ext:     ".log",
		maxSize: maxSize,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *rotatingWriter) currentName() string {
	if w.part == 0 {
		return filepath.Join(w.dir, w.prefix+w.ext)
	}
	return filepath.Join(w.dir, fmt.Sprintf("%s_%d%s", w.prefix, w.part, w.ext))
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.currentName(), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	w.file = f
	w.size = 0
	return nil
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	w.part++
	return w.open()
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// SetConsoleEnabled toggles mirroring of log lines to stdout.
func SetConsoleEnabled(enabled bool) {
	consoleEnabled = enabled
	resetLoggers()
}

// SetLevel changes the minimum level of every logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// InitLogs opens the per-command log files and replaces SlotLogger and
// LeaderLogger with loggers writing to them.
func InitLogs(cmdName string) {
	ensureLogDir()

	ts := time.Now().Format("20060102150405")

	var err error
	slotRW, err = newRotatingWriter(config.LogPath, fmt.Sprintf("slotwatch_%s_%s_slot", ts, cmdName), MaxLogSize)
	if err != nil {
		log.Fatal(err)
	}
	leaderRW, err = newRotatingWriter(config.LogPath, fmt.Sprintf("slotwatch_%s_%s_leader", ts, cmdName), MaxLogSize)
	if err != nil {
		log.Fatal(err)
	}
	resetLoggers()
}

func init() {
	ensureLogDir()
	ts := time.Now().Format("20060102150405")

	var err error
	globalRW, err = newRotatingWriter(config.LogPath, fmt.Sprintf("slotwatch_%s_global", ts), MaxLogSize)
	if err != nil {
		log.Fatal(err)
	}
	resetLoggers()
}

func CloseAll() {
	for _, rw := range []*rotatingWriter{globalRW, slotRW, leaderRW} {
		if rw != nil {
			_ = rw.Close()
		}
	}
}

func ensureLogDir() {
	if err := os.MkdirAll(config.LogPath, 0o755); err != nil {
		log.Fatal(err)
	}
}

func newHandler(fileWriter io.Writer) slog.Handler {
	w := fileWriter
	if consoleEnabled {
		w = io.MultiWriter(os.Stdout, fileWriter)
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	})
}

// resetLoggers rebuilds every logger. Until InitLogs runs, SlotLogger and
// LeaderLogger write to the global file so packages can log from init.
func resetLoggers() {
	if globalRW != nil {
		GlobalLogger = slog.New(newHandler(globalRW))
	}
	SlotLogger, LeaderLogger = GlobalLogger, GlobalLogger
	if slotRW != nil {
		SlotLogger = slog.New(newHandler(slotRW))
	}
	if leaderRW != nil {
		LeaderLogger = slog.New(newHandler(leaderRW))
	}
}
