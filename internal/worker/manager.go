package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/speechrelay/asrworkerd/internal/config"
	"github.com/speechrelay/asrworkerd/internal/resilience"
)

// Errors returned by Submit. The HTTP layer maps them onto status codes.
var (
	// ErrQueueFull means the bounded job queue is at capacity.
	ErrQueueFull = errors.New("worker: job queue is full")

	// ErrWorkerUnavailable means the worker process is not in the Running
	// state (still loading the model, crashed, or shut down).
	ErrWorkerUnavailable = errors.New("worker: not running")

	// ErrWorkerCrashed means the worker process died while the job was
	// queued or in flight. The job may be safely retried.
	ErrWorkerCrashed = errors.New("worker: process crashed while job was in flight")

	// ErrTimeout means no result arrived within the configured wait budget.
	ErrTimeout = errors.New("worker: timed out waiting for result")
)

// State is the lifecycle state of the supervised worker process.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateCrashed
	StateRestarting
	StateStopped
)

// String returns the lowercase state name used in logs and health output.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of the manager, exposed via /health.
type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	PendingResults int    `json:"pending_results"`
	WorkerState    string `json:"worker_state"`
	WorkerPID      int    `json:"worker_pid"`
	WorkerRestarts uint64 `json:"worker_restarts"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
}

// outcome is what a waiting Submit call receives: either a worker Result or
// a manager-level error (crash, shutdown).
type outcome struct {
	res Result
	err error
}

// Manager supervises the ASR worker child process. It owns the bounded job
// queue, correlates results back to waiting callers by job ID, and restarts
// the child when it crashes. A crashed worker fails only the jobs that were
// in flight; queued jobs survive into the next process generation.
type Manager struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	gate       *resilience.RestartGate

	// OnRestart, when set before Start, is invoked once per worker restart.
	// Used to bump the restart metric without importing the metrics layer.
	OnRestart func()

	queue chan Job

	mu      sync.Mutex
	pending map[string]chan outcome
	state   State
	pid     int

	restarts  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	done         chan struct{}
}

// NewManager creates a Manager. configPath is forwarded to the re-exec'd
// child via the -config flag and may be empty when configuration comes from
// the environment alone.
func NewManager(cfg *config.Config, configPath string) *Manager {
	return &Manager{
		cfg:        cfg,
		configPath: configPath,
		logger:     slog.With("component", "asr_worker_manager"),
		gate: resilience.NewRestartGate(resilience.RestartGateConfig{
			Name:    "asr-worker",
			Backoff: 2 * time.Second,
		}),
		queue:      make(chan Job, cfg.Limits.MaxConcurrency),
		pending:    make(map[string]chan outcome),
		state:      StateStarting,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the supervisor loop. It returns immediately; the worker
// reaches the Running state asynchronously once the model is loaded.
func (m *Manager) Start() {
	go m.supervise()
}

// supervise runs worker process generations until shutdown.
func (m *Manager) supervise() {
	defer close(m.done)

	for {
		select {
		case <-m.shutdownCh:
			m.setState(StateStopped)
			return
		default:
		}

		if err := m.gate.Allow(); err != nil {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-m.shutdownCh:
				m.setState(StateStopped)
				return
			}
			continue
		}

		m.runGeneration()

		select {
		case <-m.shutdownCh:
			m.setState(StateStopped)
			return
		default:
			m.setState(StateRestarting)
			m.restarts.Add(1)
			if m.OnRestart != nil {
				m.OnRestart()
			}
		}
	}
}

// runGeneration spawns one worker process and services it until it exits.
func (m *Manager) runGeneration() {
	exe, err := os.Executable()
	if err != nil {
		m.logger.Error("cannot resolve own executable path", "error", err)
		m.gate.RecordInitFailure()
		m.setState(StateCrashed)
		return
	}

	args := []string{"-worker"}
	if m.configPath != "" {
		args = append(args, "-config", m.configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.logger.Error("stdin pipe failed", "error", err)
		m.gate.RecordInitFailure()
		m.setState(StateCrashed)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.logger.Error("stdout pipe failed", "error", err)
		m.gate.RecordInitFailure()
		m.setState(StateCrashed)
		return
	}

	if err := cmd.Start(); err != nil {
		m.logger.Error("worker spawn failed", "error", err)
		m.gate.RecordInitFailure()
		m.setState(StateCrashed)
		return
	}

	m.mu.Lock()
	m.pid = cmd.Process.Pid
	m.state = StateStarting
	m.mu.Unlock()
	m.logger.Info("worker process spawned", "pid", cmd.Process.Pid)

	// Writer goroutine: drains the shared queue into this generation's
	// stdin. quit tears it down when the process dies so queued jobs stay
	// in the channel for the next generation.
	quit := make(chan struct{})
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		defer stdin.Close()
		for {
			select {
			case <-quit:
				return
			case <-m.shutdownCh:
				// Orderly shutdown: ask the child to exit.
				_ = WriteFrame(stdin, Job{ID: StopJobID})
				return
			case job := <-m.queue:
				if err := WriteFrame(stdin, job); err != nil {
					m.logger.Warn("job write failed, worker likely dead",
						"job_id", job.ID, "error", err)
					m.fail(job.ID, ErrWorkerCrashed)
					return
				}
			}
		}
	}()

	initFailed := m.readResults(stdout)

	close(quit)
	writerWG.Wait()

	waitErr := cmd.Wait()
	exitCode := cmd.ProcessState.ExitCode()
	if waitErr != nil && exitCode != 0 {
		m.logger.Error("worker process exited abnormally",
			"pid", cmd.Process.Pid, "exit_code", exitCode, "error", waitErr)
	} else {
		m.logger.Info("worker process exited", "pid", cmd.Process.Pid, "exit_code", exitCode)
	}

	m.endGeneration(initFailed)
}

// endGeneration records the terminal state of a worker generation and fails
// any jobs still awaiting results. A generation that ends while shutdown is
// in progress is an orderly stop, not a crash; health must never report
// "crashed" during a graceful exit.
func (m *Manager) endGeneration(initFailed bool) {
	if initFailed {
		m.gate.RecordInitFailure()
	}
	select {
	case <-m.shutdownCh:
		m.setState(StateStopped)
	default:
		m.setState(StateCrashed)
	}
	m.failAllPending(ErrWorkerCrashed)
}

// readResults consumes the child's result stream until the pipe closes.
// It reports whether the generation ended with a model init failure.
func (m *Manager) readResults(stdout io.Reader) (initFailed bool) {
	for {
		var res Result
		if err := m.readFrameDeadline(stdout, &res); err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Warn("result stream broke", "error", err)
			}
			return initFailed
		}

		switch res.JobID {
		case ReadyID:
			m.setState(StateRunning)
			m.gate.RecordSuccess()
			m.logger.Info("worker ready")

		case InitErrorID:
			m.logger.Error("worker model init failed", "error", res.Error)
			initFailed = true
			m.failAllPending(fmt.Errorf("worker: model init failed: %s", res.Error))

		case WorkerExitID:
			m.logger.Info("worker announced exit")
			return initFailed

		default:
			m.deliver(res)
		}
	}
}

// readFrameDeadline reads one frame, checking for shutdown between frames.
// The read itself blocks; process death closes the pipe and unblocks it.
func (m *Manager) readFrameDeadline(r io.Reader, res *Result) error {
	type readResult struct{ err error }
	ch := make(chan readResult, 1)
	go func() {
		ch <- readResult{err: ReadFrame(r, res)}
	}()
	select {
	case rr := <-ch:
		return rr.err
	case <-m.shutdownCh:
		// Give the child a moment to answer the stop sentinel with its
		// exit notification before we abandon the stream.
		select {
		case rr := <-ch:
			return rr.err
		case <-time.After(3 * time.Second):
			return io.EOF
		}
	}
}

// deliver routes a job result to its waiting caller. Results for jobs that
// already timed out are logged and dropped.
func (m *Manager) deliver(res Result) {
	m.mu.Lock()
	ch, ok := m.pending[res.JobID]
	if ok {
		delete(m.pending, res.JobID)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("dropping result for unknown job, caller likely timed out",
			"job_id", res.JobID, "duration_ms", res.DurationMs)
		return
	}
	if res.Error != "" {
		m.failed.Add(1)
	} else {
		m.completed.Add(1)
	}
	ch <- outcome{res: res}
}

// fail completes a single pending job with err, if it is still registered.
func (m *Manager) fail(jobID string, err error) {
	m.mu.Lock()
	ch, ok := m.pending[jobID]
	if ok {
		delete(m.pending, jobID)
	}
	m.mu.Unlock()
	if ok {
		m.failed.Add(1)
		ch <- outcome{err: err}
	}
}

// failAllPending completes every in-flight job with err.
func (m *Manager) failAllPending(err error) {
	m.mu.Lock()
	drained := m.pending
	m.pending = make(map[string]chan outcome)
	m.mu.Unlock()

	if len(drained) > 0 {
		m.logger.Warn("failing in-flight jobs", "count", len(drained), "error", err)
	}
	for _, ch := range drained {
		m.failed.Add(1)
		ch <- outcome{err: err}
	}
}

// Submit enqueues a job and blocks until its result arrives, the wait budget
// is exhausted, or ctx is cancelled. Errors: ErrWorkerUnavailable when the
// worker is not running, ErrQueueFull when the queue is at capacity,
// ErrTimeout after Limits.MaxWaitSeconds, ErrWorkerCrashed if the process
// dies with the job in flight.
func (m *Manager) Submit(ctx context.Context, job Job) (Result, error) {
	if m.State() != StateRunning {
		return Result{}, ErrWorkerUnavailable
	}

	ch := make(chan outcome, 1)
	m.mu.Lock()
	m.pending[job.ID] = ch
	m.mu.Unlock()

	select {
	case m.queue <- job:
	default:
		m.unregister(job.ID)
		return Result{}, ErrQueueFull
	}

	maxWait := time.Duration(m.cfg.Limits.MaxWaitSeconds) * time.Second
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-timer.C:
		m.unregister(job.ID)
		m.failed.Add(1)
		m.logger.Warn("job timed out", "job_id", job.ID, "max_wait", maxWait)
		return Result{}, ErrTimeout
	case <-ctx.Done():
		m.unregister(job.ID)
		return Result{}, ctx.Err()
	}
}

// unregister removes a pending entry so a late result gets dropped.
func (m *Manager) unregister(jobID string) {
	m.mu.Lock()
	delete(m.pending, jobID)
	m.mu.Unlock()
}

// State returns the current worker lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()
	if old != s {
		m.logger.Info("worker state changed", "from", old.String(), "to", s.String())
	}
}

// Ready reports whether the worker accepts jobs right now.
func (m *Manager) Ready() bool {
	return m.State() == StateRunning
}

// Stats returns a snapshot for health reporting.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pendingCount := len(m.pending)
	state := m.state
	pid := m.pid
	m.mu.Unlock()

	return Stats{
		QueueDepth:     len(m.queue),
		PendingResults: pendingCount,
		WorkerState:    state.String(),
		WorkerPID:      pid,
		WorkerRestarts: m.restarts.Load(),
		CompletedTasks: m.completed.Load(),
		FailedTasks:    m.failed.Load(),
	}
}

// Shutdown asks the worker to exit and waits for the supervisor loop to
// finish, up to the ctx deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: shutdown: %w", ctx.Err())
	}
}
