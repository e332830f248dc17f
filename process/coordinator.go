package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shellui/command"
	"github.com/guseggert/shellui/event"
	"github.com/guseggert/shellui/ledger"
	"go.uber.org/zap"
)

const (
	ExitCodeSpawnFailure = -1
	ExitCodeTimeout      = 124
	ExitCodeStopped      = 143

	timeoutMarker = "\n[TIMEOUT] Command execution timed out"
	stoppedMarker = "\n[STOPPED] Command execution stopped by request"
)

var ErrNotRunning = errors.New("execution is not running")

// Publisher delivers events to observers.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) int
}

type execution struct {
	id        string
	commandID string
	startedAt time.Time
	cmd       *exec.Cmd
	ctx       context.Context

	// done is closed once the process has been reaped.
	done chan struct{}

	// mut orders chunk publication against finalization.
	mut      sync.Mutex
	finished bool
	timer    *time.Timer
	stdout   *streamWriter
	stderr   *streamWriter
}

type Coordinator struct {
	log           *zap.SugaredLogger
	ledger        *ledger.Ledger
	pub           Publisher
	completeDelay time.Duration
	killGrace     time.Duration
	helpTimeout   time.Duration
	workDir       string
	environ       []string
	now           func() time.Time

	mut     sync.Mutex
	running map[string]*execution
	wg      sync.WaitGroup
}

type Option func(c *Coordinator)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Coordinator) {
		c.log = log.Named("coordinator")
	}
}

// WithCompleteDelay sets how long the complete event of a naturally exited process is held back.
func WithCompleteDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.completeDelay = d
	}
}

// WithKillGrace sets how long a terminated process group has to exit before it is killed.
// It also bounds how long Wait blocks on output pipes held open by orphaned descendants.
func WithKillGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		c.killGrace = d
	}
}

func WithHelpTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.helpTimeout = d
	}
}

// WithWorkDir sets the working directory of spawned processes. Defaults to the server's.
func WithWorkDir(dir string) Option {
	return func(c *Coordinator) {
		c.workDir = dir
	}
}

// WithEnv appends variables, in "KEY=value" form, to the environment of spawned processes.
func WithEnv(env ...string) Option {
	return func(c *Coordinator) {
		c.environ = append(c.environ, env...)
	}
}

func New(l *ledger.Ledger, pub Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:           zap.NewNop().Sugar(),
		ledger:        l,
		pub:           pub,
		completeDelay: 100 * time.Millisecond,
		killGrace:     5 * time.Second,
		helpTimeout:   10 * time.Second,
		now:           time.Now,
		running:       map[string]*execution{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start renders cmd with args and their declared defaults, records a running execution and
// spawns its process. The record keeps args as given. Start returns as soon as the process is
// started. If the process cannot be spawned, the execution is finalized as an error and its
// ID is returned along with the error.
func (c *Coordinator) Start(ctx context.Context, cmd command.Command, args map[string]any) (string, error) {
	script := command.Render(cmd.Command, command.ApplyDefaults(cmd, args))
	if args == nil {
		args = map[string]any{}
	}
	x := &execution{
		id:        uuid.NewString(),
		commandID: cmd.ID,
		startedAt: c.now(),
		// events outlive the request that started the execution
		ctx:  context.Background(),
		done: make(chan struct{}),
	}

	err := c.ledger.Add(ledger.Record{
		ID:        x.id,
		CommandID: cmd.ID,
		Command:   script,
		Status:    ledger.StatusRunning,
		Args:      args,
		StartedAt: x.startedAt,
	})
	if err != nil {
		return "", fmt.Errorf("recording execution: %w", err)
	}

	proc := exec.Command(cmd.Interpreter(), "-c", script)
	proc.Dir = c.workDir
	proc.Env = append(os.Environ(), c.environ...)
	proc.Env = append(proc.Env, "COMMAND_ID="+cmd.ID, "EXECUTION_ID="+x.id)
	proc.WaitDelay = c.killGrace
	setProcessGroup(proc)
	x.cmd = proc
	x.stdout = &streamWriter{c: c, x: x, kind: stdout}
	x.stderr = &streamWriter{c: c, x: x, kind: stderr}
	proc.Stdout = x.stdout
	proc.Stderr = x.stderr

	log := c.log.With("ExecutionID", x.id, "CommandID", cmd.ID)

	// Hold the lock until started is published so that no chunk precedes it.
	x.mut.Lock()
	if err := proc.Start(); err != nil {
		log.Infow("spawn failed", "Shell", cmd.Interpreter(), "Error", err)
		c.finishLocked(x, ledger.StatusError, ExitCodeSpawnFailure, err.Error(), c.completeDelay)
		x.mut.Unlock()
		close(x.done)
		return x.id, fmt.Errorf("spawning %s: %w", cmd.Interpreter(), err)
	}

	c.mut.Lock()
	c.running[x.id] = x
	c.wg.Add(1)
	c.mut.Unlock()

	c.pub.Publish(ctx, event.Started{Execution: x.id, CommandID: cmd.ID, Command: script})
	if timeout := cmd.Timeout(); timeout > 0 {
		x.timer = time.AfterFunc(timeout, func() { c.expire(x) })
	}
	x.mut.Unlock()

	log.Infow("started execution", "PID", proc.Process.Pid, "Timeout", cmd.Timeout())
	go c.wait(x)
	return x.id, nil
}

func (c *Coordinator) wait(x *execution) {
	defer c.wg.Done()
	err := x.cmd.Wait()
	close(x.done)

	code := exitCode(x.cmd.ProcessState)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			c.log.Debugf("unexpected wait error for execution %s: %s", x.id, err)
		}
	}

	status := ledger.StatusSuccess
	if code != 0 {
		status = ledger.StatusError
	}

	x.mut.Lock()
	if !x.finished {
		x.stdout.flush()
		x.stderr.flush()
	}
	finished := c.finishLocked(x, status, code, "", c.completeDelay)
	x.mut.Unlock()

	c.mut.Lock()
	delete(c.running, x.id)
	c.mut.Unlock()

	if finished {
		c.log.Infow("execution exited", "ExecutionID", x.id, "Status", status, "ExitCode", code)
	}
}

// finishLocked finalizes x unless it already is, and publishes its complete event after delay.
// The caller must hold x.mut. It reports whether this call finalized the execution.
func (c *Coordinator) finishLocked(x *execution, status ledger.Status, code int, appendErr string, delay time.Duration) bool {
	if x.finished {
		return false
	}
	x.finished = true
	if x.timer != nil {
		x.timer.Stop()
	}

	finishedAt := c.now()
	c.ledger.Update(x.id, ledger.Patch{
		AppendError: appendErr,
		Status:      status,
		ExitCode:    ledger.IntPtr(code),
		FinishedAt:  &finishedAt,
	})

	complete := event.Complete{
		Execution: x.id,
		Status:    string(status),
		ExitCode:  code,
		Duration:  finishedAt.Sub(x.startedAt).Milliseconds(),
	}
	if delay <= 0 {
		c.pub.Publish(x.ctx, complete)
	} else {
		time.AfterFunc(delay, func() { c.pub.Publish(x.ctx, complete) })
	}
	return true
}

func (c *Coordinator) expire(x *execution) {
	x.mut.Lock()
	finished := c.finishLocked(x, ledger.StatusError, ExitCodeTimeout, timeoutMarker, 0)
	x.mut.Unlock()
	if !finished {
		return
	}
	c.log.Infow("execution timed out", "ExecutionID", x.id)
	c.terminate(x)
}

// Stop finalizes a running execution as stopped and signals its process group.
// It does not wait for the processes to exit.
func (c *Coordinator) Stop(id string) error {
	c.mut.Lock()
	x, ok := c.running[id]
	c.mut.Unlock()
	if !ok {
		return fmt.Errorf("stopping %s: %w", id, ErrNotRunning)
	}

	x.mut.Lock()
	finished := c.finishLocked(x, ledger.StatusError, ExitCodeStopped, stoppedMarker, 0)
	x.mut.Unlock()
	if !finished {
		return fmt.Errorf("stopping %s: %w", id, ErrNotRunning)
	}
	c.log.Infow("stopped execution", "ExecutionID", id)
	c.terminate(x)
	return nil
}

// terminate sends SIGTERM to the execution's process group and SIGKILL if it outlives the kill grace.
func (c *Coordinator) terminate(x *execution) {
	if err := terminate(x.cmd); err != nil {
		c.log.Debugf("error terminating execution %s: %s", x.id, err)
	}
	go func() {
		t := time.NewTimer(c.killGrace)
		defer t.Stop()
		select {
		case <-x.done:
		case <-t.C:
			c.log.Infow("execution outlived kill grace, killing", "ExecutionID", x.id)
			if err := kill(x.cmd); err != nil {
				c.log.Debugf("error killing execution %s: %s", x.id, err)
			}
		}
	}()
}

// Running returns the IDs of executions whose processes have not been reaped yet.
func (c *Coordinator) Running() []string {
	c.mut.Lock()
	defer c.mut.Unlock()
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	return ids
}

// StopAll stops every running execution and waits until their processes are reaped or ctx is done.
func (c *Coordinator) StopAll(ctx context.Context) error {
	for _, id := range c.Running() {
		if err := c.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
			c.log.Debugf("error stopping %s: %s", id, err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for executions to exit: %w", ctx.Err())
	}
}
