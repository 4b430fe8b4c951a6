package transport

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// EnvWorker marks a process started by Spawn as a worker.
const EnvWorker = "PROCXY_WORKER"

// SpawnConfig describes a worker process.
type SpawnConfig struct {
	Path string
	Args []string
	// Env holds KEY=value overrides appended to the parent's environment.
	Env []string
	Dir string

	// InterleaveOutput passes the child's stdout and stderr straight through.
	// Otherwise each line is relayed to Logger at debug level.
	InterleaveOutput bool
	Logger           zerolog.Logger
}

// Process is a running worker with its channel attached.
type Process struct {
	cmd    *exec.Cmd
	conn   *Conn
	exited chan struct{}

	mu    sync.Mutex
	state *os.ProcessState
	err   error
}

// Spawn starts the worker described by cfg. The child finds its end of the
// channel at ChildFD.
func Spawn(cfg SpawnConfig) (*Process, error) {
	conn, peer, err := Pipe()
	if err != nil {
		return nil, err
	}
	defer peer.Close()

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(append(os.Environ(), cfg.Env...), EnvWorker+"=1")
	cmd.ExtraFiles = []*os.File{peer}
	cmd.WaitDelay = time.Second

	var stdout, stderr *lineWriter
	if cfg.InterleaveOutput {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		stdout = &lineWriter{log: cfg.Logger, stream: "stdout"}
		stderr = &lineWriter{log: cfg.Logger, stream: "stderr"}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: start %s: %w", cfg.Path, err)
	}
	if stdout != nil {
		stdout.setPid(cmd.Process.Pid)
		stderr.setPid(cmd.Process.Pid)
	}

	p := &Process{cmd: cmd, conn: conn, exited: make(chan struct{})}
	go p.wait(stdout, stderr)
	return p, nil
}

func (p *Process) wait(out ...*lineWriter) {
	err := p.cmd.Wait()
	for _, w := range out {
		if w != nil {
			w.flush()
		}
	}
	p.mu.Lock()
	p.state = p.cmd.ProcessState
	p.err = err
	p.mu.Unlock()
	close(p.exited)
}

// Conn returns the parent end of the channel.
func (p *Process) Conn() *Conn { return p.conn }

// Pid returns the worker's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// OS returns the underlying process handle.
func (p *Process) OS() *os.Process { return p.cmd.Process }

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitState returns the exit status, or nil while the process runs.
func (p *Process) ExitState() *os.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Signal delivers sig unless the process has already exited.
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.exited:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Signal(sig)
}

// Terminate sends SIGTERM.
func (p *Process) Terminate() error { return p.Signal(syscall.SIGTERM) }

// Kill sends SIGKILL.
func (p *Process) Kill() error { return p.Signal(syscall.SIGKILL) }

// lineWriter relays child output to a logger one line at a time.
type lineWriter struct {
	log    zerolog.Logger
	stream string

	mu      sync.Mutex
	pid     int
	pending []byte
}

func (w *lineWriter) setPid(pid int) {
	w.mu.Lock()
	w.pid = pid
	w.mu.Unlock()
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	w.log.Debug().Int("pid", w.pid).Str("stream", w.stream).Msg(string(bytes.TrimRight(line, "\r")))
}
