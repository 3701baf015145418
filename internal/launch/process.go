package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/testbridge/internal/config"
	"github.com/zjrosen/testbridge/internal/log"
	"github.com/zjrosen/testbridge/internal/session"
)

var (
	// ErrAlreadyStarted is returned by Start on a started session.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrNotStarted is returned by Terminate before Start.
	ErrNotStarted = errors.New("session not started")
)

// TerminationReporter is told when a session's process exits.
// *session.Manager implements it through MarkTerminated.
type TerminationReporter interface {
	MarkTerminated(handles ...session.Handle)
}

// ProcessSession is one run of the external test runner. It is created
// unstarted so a bridge can be built around it before the process learns
// the port. It implements session.Handle.
type ProcessSession struct {
	id          string
	cfg         config.RunnerConfig
	interpreter string
	reporter    TerminationReporter
	stdout      io.Writer
	stderr      io.Writer

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	killed  bool
	exited  chan struct{}
	waitErr error
}

// NewProcessSession creates an unstarted session that runs interpreter with
// the arguments derived from cfg. reporter may be nil.
func NewProcessSession(cfg config.RunnerConfig, interpreter string, reporter TerminationReporter, stdout, stderr io.Writer) *ProcessSession {
	return &ProcessSession{
		id:          uuid.NewString(),
		cfg:         cfg,
		interpreter: interpreter,
		reporter:    reporter,
		stdout:      stdout,
		stderr:      stderr,
		exited:      make(chan struct{}),
	}
}

// ID implements session.Handle.
func (s *ProcessSession) ID() string {
	return s.id
}

// Config returns the configuration the session was created from.
func (s *ProcessSession) Config() config.RunnerConfig {
	return s.cfg
}

// Start runs the process, passing port through the configured flag and
// environment variable. When the process exits the reporter is told.
func (s *ProcessSession) Start(ctx context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(s.interpreter, BuildArgs(s.cfg, port)...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = BuildEnv(os.Environ(), s.cfg, port)
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.interpreter, err)
	}

	s.cmd = cmd
	s.started = true
	log.Info(log.CatLaunch, "Runner started",
		"session", s.id, "pid", cmd.Process.Pid, "interpreter", s.interpreter, "port", port)

	go s.wait(cmd)
	return nil
}

func (s *ProcessSession) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	s.waitErr = err
	killed := s.killed
	s.mu.Unlock()
	close(s.exited)

	if err != nil && !killed {
		log.Warn(log.CatLaunch, "Runner exited with error", "session", s.id, "error", err)
	} else {
		log.Info(log.CatLaunch, "Runner exited", "session", s.id, "code", s.ExitCode())
	}

	if s.reporter != nil {
		s.reporter.MarkTerminated(s)
	}
}

// Terminate kills the process. Calling it again, or after the process
// exited, is a no-op.
func (s *ProcessSession) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	if s.killed || s.exitedLocked() {
		return nil
	}
	s.killed = true
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing runner: %w", err)
	}
	log.Debug(log.CatLaunch, "Runner killed", "session", s.id)
	return nil
}

func (s *ProcessSession) exitedLocked() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// Exited is closed when the process has exited.
func (s *ProcessSession) Exited() <-chan struct{} {
	return s.exited
}

// ExitCode returns the exit code, or -1 if the process has not exited or
// was killed by a signal.
func (s *ProcessSession) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exitedLocked() || s.cmd == nil || s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

// Err returns the error from waiting on the process, nil on a clean exit
// or before exit.
func (s *ProcessSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}
