package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Session is one interactive shell process with an attached terminal
// emulator. The emulator exists purely for scrollback capture so observers
// can reattach without replaying the full data stream; it never renders.
type Session struct {
	key       string
	logger    *logger.Logger
	cmd       *exec.Cmd
	ptmx      *os.File
	startedAt time.Time

	// Scrollback emulator. Guarded separately from the session state so
	// attach snapshots do not block the read loop.
	term   vt10x.Terminal
	termMu sync.Mutex
	cols   uint16
	rows   uint16

	mu       sync.RWMutex
	alive    bool
	exitCode int
	signal   string
	doneCh   chan struct{}

	onData func(data []byte)
	onExit func(exitCode int, signal string)
}

// detectShell returns the user's login shell, falling back to common shells.
func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "/bin/sh"
}

// startSession spawns the shell process under a PTY. With an empty command
// it starts an interactive login shell; otherwise it runs the command
// through the login shell (shell -l -c "<command>") so the user's profile
// (PATH, node version managers) is loaded before the agent starts.
func startSession(key string, opts SessionOptions, onData func([]byte), onExit func(int, string), log *logger.Logger) (*Session, error) {
	shell := opts.ShellCommand
	if shell == "" {
		shell = detectShell()
	}

	var args []string
	if opts.Command == "" {
		args = []string{"-l"}
	} else {
		args = []string{"-l", "-c", opts.Command}
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: opts.Cols,
		Rows: opts.Rows,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		key:       key,
		logger:    log.Named("pty-session").WithFields(zap.String("session_key", key)),
		cmd:       cmd,
		ptmx:      ptmx,
		startedAt: time.Now(),
		term:      vt10x.New(vt10x.WithSize(int(opts.Cols), int(opts.Rows))),
		cols:      opts.Cols,
		rows:      opts.Rows,
		alive:     true,
		exitCode:  -1,
		doneCh:    make(chan struct{}),
		onData:    onData,
		onExit:    onExit,
	}

	s.logger.Info("pty session started",
		zap.String("shell", shell),
		zap.String("cwd", opts.WorkingDir),
		zap.Int("pid", cmd.Process.Pid))

	go s.readOutput()
	go s.waitForExit()

	return s, nil
}

// readOutput continuously reads PTY output, feeds the scrollback emulator
// and forwards the data to the bridge.
func (s *Session) readOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.termMu.Lock()
			_, _ = s.term.Write(data)
			s.termMu.Unlock()

			if s.onData != nil {
				s.onData(data)
			}
		}
		if err != nil {
			// PTY reads fail with EIO once the child exits; not an error.
			if err != io.EOF && !errors.Is(err, syscall.EIO) {
				s.logger.Debug("pty read error", zap.Error(err))
			}
			return
		}
	}
}

// waitForExit reaps the process, records its exit state and notifies the
// bridge. There is no respawn: a dead task shell stays dead.
func (s *Session) waitForExit() {
	err := s.cmd.Wait()

	exitCode := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
				exitCode = -1
			} else {
				exitCode = exitErr.ExitCode()
			}
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	s.alive = false
	s.exitCode = exitCode
	s.signal = signal
	s.mu.Unlock()
	close(s.doneCh)

	s.logger.Info("pty session exited",
		zap.Int("exit_code", exitCode),
		zap.String("signal", signal))

	if s.onExit != nil {
		s.onExit(exitCode, signal)
	}
}

// Write sends input to the shell.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.alive {
		return 0, ErrSessionDead
	}
	return s.ptmx.Write(data)
}

// Resize resizes both the PTY and the scrollback emulator so reattachment
// renders consistently.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrSessionDead
	}
	s.cols = cols
	s.rows = rows
	ptmx := s.ptmx
	s.mu.Unlock()

	s.termMu.Lock()
	s.term.Resize(int(cols), int(rows))
	s.termMu.Unlock()

	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Alive reports whether the shell process is still running.
func (s *Session) Alive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

// Done returns a channel closed when the shell process exits.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// ExitStatus returns the exit code and signal name once the process has
// exited. The code is -1 while the process is alive or signal-terminated.
func (s *Session) ExitStatus() (int, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode, s.signal
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols, s.rows
}

// Pid returns the shell process id.
func (s *Session) Pid() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Scrollback serializes the emulator screen: visible lines with trailing
// blanks trimmed, joined by newlines.
func (s *Session) Scrollback() string {
	s.mu.RLock()
	cols, rows := int(s.cols), int(s.rows)
	s.mu.RUnlock()

	s.termMu.Lock()
	defer s.termMu.Unlock()

	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, cols)
		for col := 0; col < cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				chars[col] = ' '
			} else {
				chars[col] = g.Char
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}

	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// kill terminates the process and closes the PTY. Safe to call on an
// already-dead session.
func (s *Session) kill() {
	s.mu.RLock()
	alive := s.alive
	s.mu.RUnlock()

	if alive && s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
}
