package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/registry"
)

// outputChunkSize is how much child output is read per RecordOutput
// call.
const outputChunkSize = 32 << 10

// baseEnvKeys are the daemon environment variables inherited by every
// child. The job's own env is overlaid on top; the daemon's
// environment is never mutated.
var baseEnvKeys = []string{"PATH", "HOME", "USER", "SHELL", "TMPDIR", "LANG", "TZ"}

// killReason distinguishes why a process group was signaled.
type killReason int

const (
	killNone killReason = iota
	killStopped
	killTimeout
)

// supervised is the executor's handle on one live execution.
type supervised struct {
	jobID       string
	executionID string
	done        chan struct{}

	mu     sync.Mutex // guards pgid, reason, and signal
	pgid   int
	reason killReason
	signal string
}

func newSupervised(jobID string) *supervised {
	return &supervised{jobID: jobID, done: make(chan struct{})}
}

// markKilled records why the group was signaled. The first reason wins:
// a client stop racing a timeout keeps whichever fired first.
func (s *supervised) markKilled(reason killReason, signal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == killNone {
		s.reason = reason
		s.signal = signal
	}
}

func (s *supervised) killState() (killReason, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.signal
}

func (s *supervised) setPGID(pgid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pgid = pgid
}

func (s *supervised) getPGID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pgid
}

// buildEnv clones a minimal base from the daemon's environment and
// overlays the job's env.
func buildEnv(jobEnv map[string]string) []string {
	env := make([]string, 0, len(baseEnvKeys)+len(jobEnv))
	seen := make(map[string]bool, len(jobEnv))
	for k := range jobEnv {
		seen[k] = true
	}
	for _, key := range baseEnvKeys {
		if seen[key] {
			continue
		}
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for k, v := range jobEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// credentialFor resolves a requested run-as user. Switching users needs
// root; any other daemon may only name itself.
func credentialFor(username string) (*syscall.Credential, error) {
	if username == "" {
		return nil, nil
	}
	current, err := user.Current()
	if err == nil && current.Username == username {
		return nil, nil
	}
	if os.Geteuid() != 0 {
		return nil, domain.E(domain.KindInvalidInput,
			"cannot run as user %q: daemon is not running as root", username)
	}
	target, err := user.Lookup(username)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "unknown user %q", username)
	}
	uid, err := strconv.ParseUint(target.Uid, 10, 32)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "invalid uid for user %q", username)
	}
	gid, err := strconv.ParseUint(target.Gid, 10, 32)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "invalid gid for user %q", username)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// lookupSignal resolves a signal name like "SIGTERM". An empty name
// defaults to SIGTERM.
func lookupSignal(name string) (syscall.Signal, string, error) {
	if name == "" {
		return syscall.SIGTERM, "SIGTERM", nil
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, "", domain.E(domain.KindInvalidInput, "unknown signal %q", name)
	}
	return sig, name, nil
}

// signalGroup delivers a signal to the whole process group.
func signalGroup(pgid int, sig syscall.Signal) {
	if pgid > 0 {
		_ = syscall.Kill(-pgid, sig)
	}
}

// runOptions carries per-invocation context into supervise.
type runOptions struct {
	scheduled   bool
	retryCount  int
	parentJobID *string
}

// supervise owns one child process from spawn to sealed record. It
// returns the sealed record; spawn failures are recorded too, so every
// dispatch leaves a trace in the registry.
func (e *Executor) supervise(ctx context.Context, spec *domain.JobSpec, sup *supervised, opts runOptions) (*domain.ExecutionRecord, error) {
	shell := e.cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cred, err := credentialFor(spec.User)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(shell, "-c", spec.Command)
	cmd.Dir = spec.Cwd
	cmd.Env = buildEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Credential: cred}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return e.recordSpawnFailure(ctx, spec, opts, err)
	}

	pid := cmd.Process.Pid
	sup.setPGID(pid)
	rec, err := e.registry.RecordStart(ctx, spec, registry.StartOptions{
		PID:         pid,
		PPID:        os.Getpid(),
		Scheduled:   opts.scheduled,
		RetryCount:  opts.retryCount,
		ParentJobID: opts.parentJobID,
	})
	if err != nil {
		// The registry refused the execution (for instance a concurrent
		// run already holds the job). Reap the process we just spawned.
		signalGroup(pid, syscall.SIGKILL)
		_ = cmd.Wait()
		return nil, err
	}
	sup.executionID = rec.ExecutionID
	log := e.log.WithJob(spec.ID).WithExecution(rec.ExecutionID)
	log.Info("process spawned", "pid", pid, "command", spec.Command)

	if e.metrics != nil {
		e.metrics.ExecutionsRunning.Inc()
		defer e.metrics.ExecutionsRunning.Dec()
	}

	sampleCtx, stopSampling := context.WithCancel(context.Background())
	smp := newSampler(pid, e.cfg.SampleInterval)
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		smp.run(sampleCtx)
	}()

	streamDone := make(chan struct{}, 2)
	go e.stream(rec.ExecutionID, "stdout", stdout, streamDone)
	go e.stream(rec.ExecutionID, "stderr", stderr, streamDone)

	// Timeout watchdog: SIGTERM the group, then SIGKILL after the grace
	// period if the process is still alive.
	var timeoutTimer *time.Timer
	if spec.TimeoutMs > 0 {
		timeoutTimer = time.AfterFunc(time.Duration(spec.TimeoutMs)*time.Millisecond, func() {
			sup.markKilled(killTimeout, "SIGTERM")
			log.Warn("execution timed out, terminating", "timeout_ms", spec.TimeoutMs)
			signalGroup(pid, syscall.SIGTERM)
			time.AfterFunc(e.cfg.KillGrace, func() {
				signalGroup(pid, syscall.SIGKILL)
			})
		})
	}

	<-streamDone
	<-streamDone
	waitErr := cmd.Wait()
	if timeoutTimer != nil {
		timeoutTimer.Stop()
	}
	stopSampling()
	<-samplerDone

	completion := completionFor(waitErr, sup)
	if sample, ok := smp.result(); ok {
		completion.MaxMemoryMB = &sample.MaxMemoryMB
		completion.AvgCPUPct = &sample.AvgCPUPct
		completion.DiskIOMB = &sample.DiskIOMB
	}

	sealed, err := e.registry.RecordCompletion(ctx, rec.ExecutionID, completion)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(sealed.Status)).Inc()
		if sealed.DurationMs != nil {
			e.metrics.ExecutionDuration.Observe(float64(*sealed.DurationMs) / 1000)
		}
	}
	return sealed, nil
}

// stream copies one pipe into the registry in bounded chunks.
func (e *Executor) stream(executionID, name string, r io.Reader, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if e.metrics != nil {
				e.metrics.OutputBytesCaptured.Add(float64(n))
			}
			if recErr := e.registry.RecordOutput(context.Background(), executionID, name, buf[:n]); recErr != nil {
				e.log.Warn("failed to record output", "execution_id", executionID, "error", recErr)
			}
		}
		if err != nil {
			return
		}
	}
}

// completionFor translates a wait result into a terminal status.
func completionFor(waitErr error, sup *supervised) registry.Completion {
	reason, signalName := sup.killState()

	if waitErr == nil {
		zero := 0
		return registry.Completion{Status: domain.ExecutionCompleted, ExitCode: &zero}
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		msg := waitErr.Error()
		errType := "wait_failed"
		return registry.Completion{Status: domain.ExecutionFailed, ErrorType: &errType, ErrorMessage: &msg}
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if ok && status.Signaled() {
		sig := status.Signal()
		name := unix.SignalName(sig)
		if name == "" {
			name = sig.String()
		}
		switch reason {
		case killTimeout:
			msg := "execution exceeded its timeout"
			errType := "timeout"
			return registry.Completion{Status: domain.ExecutionTimeout, Signal: &name, ErrorType: &errType, ErrorMessage: &msg}
		case killStopped:
			// Report the signal the client asked for, not the SIGKILL
			// escalation that may have reaped the process.
			if signalName != "" {
				name = signalName
			}
			msg := "execution stopped by client"
			errType := "stopped"
			return registry.Completion{Status: domain.ExecutionKilled, Signal: &name, ErrorType: &errType, ErrorMessage: &msg}
		default:
			msg := "process terminated by signal " + name
			errType := "signaled"
			return registry.Completion{Status: domain.ExecutionKilled, Signal: &name, ErrorType: &errType, ErrorMessage: &msg}
		}
	}

	code := exitErr.ExitCode()
	msg := "process exited with code " + strconv.Itoa(code)
	errType := "nonzero_exit"
	return registry.Completion{Status: domain.ExecutionFailed, ExitCode: &code, ErrorType: &errType, ErrorMessage: &msg}
}

// recordSpawnFailure leaves a failed record for a process that never
// started, so dispatch failures are visible in history.
func (e *Executor) recordSpawnFailure(ctx context.Context, spec *domain.JobSpec, opts runOptions, spawnErr error) (*domain.ExecutionRecord, error) {
	rec, err := e.registry.RecordStart(ctx, spec, registry.StartOptions{
		PPID:        os.Getpid(),
		Scheduled:   opts.scheduled,
		RetryCount:  opts.retryCount,
		ParentJobID: opts.parentJobID,
	})
	if err != nil {
		return nil, err
	}
	msg := spawnErr.Error()
	errType := "spawn_failed"
	return e.registry.RecordCompletion(ctx, rec.ExecutionID, registry.Completion{
		Status:       domain.ExecutionFailed,
		ErrorType:    &errType,
		ErrorMessage: &msg,
	})
}
