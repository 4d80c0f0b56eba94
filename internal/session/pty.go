package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// SpawnSpec describes the process a PTY should host.
type SpawnSpec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	Cols    uint16
	Rows    uint16
}

// Pty is the engine's PTY boundary: a bidirectional byte-stream process
// channel. The real implementation wraps creack/pty; tests inject fakes.
type Pty interface {
	// PID returns the child process id (the root of the session's tree).
	PID() int

	// Write sends input bytes to the child.
	Write(data []byte) (int, error)

	// Resize changes the terminal dimensions.
	Resize(cols, rows uint16) error

	// Kill terminates the child process.
	Kill() error

	// OnData registers the output consumer. The read pump starts on first
	// registration, so no bytes are lost before the consumer is attached.
	OnData(fn func(data []byte))

	// OnExit registers the exit consumer, called once with the exit code.
	OnExit(fn func(exitCode int))

	// Close releases the PTY file without killing the child.
	Close() error
}

// SpawnFunc creates a PTY. Injected into the Manager so tests never need a
// real terminal.
type SpawnFunc func(spec SpawnSpec) (Pty, error)

// StartPty spawns spec on a real PTY via creack/pty.
func StartPty(spec SpawnSpec) (Pty, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("spawn: command is required")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Dir = spec.Dir

	ws := &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows}
	if ws.Cols == 0 {
		ws.Cols = 80
	}
	if ws.Rows == 0 {
		ws.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	return &creackPty{cmd: cmd, ptmx: ptmx}, nil
}

type creackPty struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	onData   func([]byte)
	onExit   func(int)
	pumping  bool
	exitOnce sync.Once
}

func (p *creackPty) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *creackPty) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

func (p *creackPty) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *creackPty) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *creackPty) OnData(fn func([]byte)) {
	p.mu.Lock()
	p.onData = fn
	start := !p.pumping
	p.pumping = true
	p.mu.Unlock()
	if start {
		go p.pump()
	}
}

func (p *creackPty) OnExit(fn func(int)) {
	p.mu.Lock()
	p.onExit = fn
	p.mu.Unlock()
}

func (p *creackPty) Close() error {
	return p.ptmx.Close()
}

// pump copies PTY output to the data callback until EOF, then reaps the
// child and reports its exit code.
func (p *creackPty) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.mu.Lock()
			fn := p.onData
			p.mu.Unlock()
			if fn != nil {
				fn(chunk)
			}
		}
		if err != nil {
			// EIO is the normal close signal on Linux PTYs.
			break
		}
	}

	p.exitOnce.Do(func() {
		code := 0
		if err := p.cmd.Wait(); err != nil {
			code = 1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
				// Killed processes report -1; normalize for the table.
				if code < 0 {
					if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
						code = 128 + int(status.Signal())
					} else {
						code = 1
					}
				}
			}
		}
		_ = p.ptmx.Close()

		p.mu.Lock()
		fn := p.onExit
		p.mu.Unlock()
		if fn != nil {
			fn(code)
		}
	})
}
