package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrLaunchFailed reports that the encoder process could not be spawned.
var ErrLaunchFailed = errors.New("encoder launch failed")

// LaunchStatus is the outcome of a launch attempt.
type LaunchStatus string

const (
	LaunchStarted LaunchStatus = "launched"
	LaunchFailed  LaunchStatus = "failed"
	LaunchSkipped LaunchStatus = "skipped"
)

// LaunchResult reports whether a process was started. Err is set only when
// Status is LaunchFailed.
type LaunchResult struct {
	Status LaunchStatus
	PID    int
	Err    error
}

// Launched reports whether the process started.
func (r LaunchResult) Launched() bool { return r.Status == LaunchStarted }

// Launcher starts encoder processes without supervising them.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) LaunchResult
}

// ExecLauncher spawns commands as detached OS processes. The child gets its
// own session so it survives a restart of the host process, and it is never
// restarted or killed from here. A background Wait only reaps the exit status.
type ExecLauncher struct {
	logger *slog.Logger
	cfg    LauncherConfig
}

// LauncherConfig controls where encoder output goes.
type LauncherConfig struct {
	// Verbose appends each child's stderr to <LogDir>/<name>.log. The child
	// writes the file directly, so no pipe ties it to this process.
	Verbose bool
	LogDir  string
}

// DefaultLogDir holds verbose encoder logs when no directory is configured.
const DefaultLogDir = "logs/encoder"

func NewExecLauncher(logger *slog.Logger, cfg LauncherConfig) *ExecLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = DefaultLogDir
	}
	return &ExecLauncher{logger: logger, cfg: cfg}
}

// Launch starts cmd and returns as soon as the process exists. The child
// outlives ctx.
func (l *ExecLauncher) Launch(_ context.Context, command Command) LaunchResult {
	proc := exec.Command(binaryOrDefault(command.Binary), command.Args...)
	detach(proc)
	logger := l.logger.With("name", command.Name, "destination", Redact(command.Destination()))
	if l.cfg.Verbose {
		stderr, err := l.openLog(command.Name)
		if err != nil {
			logger.Warn("encoder log unavailable, output discarded", "error", err)
		} else {
			proc.Stderr = stderr
			// The child holds its own descriptor once started.
			defer stderr.Close()
		}
	}
	if err := proc.Start(); err != nil {
		return LaunchResult{Status: LaunchFailed, Err: fmt.Errorf("%w: %v", ErrLaunchFailed, err)}
	}
	pid := proc.Process.Pid
	logger.Info("encoder started", "pid", pid, "command", command.String())
	go func() {
		err := proc.Wait()
		logger.Debug("encoder exited", "pid", pid, "error", err)
	}()
	return LaunchResult{Status: LaunchStarted, PID: pid}
}

// LogPath returns the verbose log file for a command named name.
func (l *ExecLauncher) LogPath(name string) string {
	return filepath.Join(l.cfg.LogDir, logFileName(name))
}

func (l *ExecLauncher) openLog(name string) (*os.File, error) {
	if err := os.MkdirAll(l.cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create encoder log dir: %w", err)
	}
	return os.OpenFile(l.LogPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func logFileName(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if clean == "" {
		clean = "encoder"
	}
	return clean + ".log"
}
