package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/buntime/config"
	"github.com/pithecene-io/buntime/ipc"
	"github.com/pithecene-io/buntime/log"
)

// TerminateGrace is how long a worker gets between the TERMINATE frame and
// the hard kill.
const TerminateGrace = 50 * time.Millisecond

// Environment variable names handed to worker children.
const (
	EnvAppDir       = "APP_DIR"
	EnvEntrypoint   = "ENTRYPOINT"
	EnvWorkerConfig = "WORKER_CONFIG"
	EnvWorkerID     = "WORKER_ID"
)

// lowMemoryLimit is the GOMEMLIMIT soft cap applied to lowMemory workers.
const lowMemoryLimit = "128MiB"

// WorkerStatus is the externally visible activity state of an instance.
type WorkerStatus string

const (
	StatusActive WorkerStatus = "active"
	StatusIdle   WorkerStatus = "idle"
)

// WorkerStats is a point-in-time view of one instance's counters.
type WorkerStats struct {
	AgeMs               int64        `json:"ageMs"`
	IdleMs              int64        `json:"idleMs"`
	Status              WorkerStatus `json:"status"`
	RequestCount        int64        `json:"requestCount"`
	ErrorCount          int64        `json:"errorCount"`
	TotalResponseTimeMs float64      `json:"totalResponseTimeMs"`
	AvgResponseTimeMs   float64      `json:"avgResponseTimeMs"`
}

// InstanceOptions configures a worker instance spawn.
type InstanceOptions struct {
	// AppDir is the app directory on disk.
	AppDir string
	// Config is the normalized worker configuration.
	Config *config.WorkerConfig
	// WorkerBinary is the stock child binary for static and route-table
	// entrypoints. Executable entrypoints are spawned directly.
	WorkerBinary string
	// Logger receives instance lifecycle and child stderr lines.
	Logger *log.Logger
}

// Instance is the parent-side handle to one worker child process.
// It owns the stdio IPC channel, per-request correlation, the ready barrier
// and the health counters.
type Instance struct {
	// ID is the opaque worker identifier, also handed to the child.
	ID string

	appDir string
	cfg    *config.WorkerConfig
	logger *log.Logger

	cmd     *exec.Cmd
	encoder *ipc.FrameEncoder

	// ready is closed when the child emits READY or fails before it;
	// readyErr is set before the close in the failure case.
	ready    chan struct{}
	readyErr error

	mu             sync.Mutex
	pending        map[string]chan *ipc.Envelope
	critical       bool
	terminated     bool
	idleSignalSent bool
	lastUsedAt     time.Time

	createdAt           time.Time
	requestCount        int64
	errorCount          int64
	totalResponseTimeMs float64

	terminateOnce sync.Once
}

// NewInstance spawns a worker child for the given app and config.
// The child environment is the parent's environment plus the config env plus
// APP_DIR, ENTRYPOINT (absolute), WORKER_CONFIG (JSON) and WORKER_ID.
// Returns a classified ErrSpawn error if the process cannot start; readiness
// failures after start surface from Fetch via the ready barrier.
func NewInstance(opts InstanceOptions) (*Instance, error) {
	id := uuid.NewString()
	cfg := opts.Config

	absAppDir, err := filepath.Abs(opts.AppDir)
	if err != nil {
		return nil, newWorkerError(ErrSpawn, id, fmt.Errorf("resolve app dir: %w", err))
	}
	entrypoint := filepath.Join(absAppDir, cfg.Entrypoint)

	configJSON, err := config.MarshalWorkerConfig(cfg)
	if err != nil {
		return nil, newWorkerError(ErrSpawn, id, err)
	}

	name, args := workerArgv(opts.WorkerBinary, entrypoint)
	cmd := exec.Command(name, args...)
	cmd.Dir = absAppDir

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		EnvAppDir+"="+absAppDir,
		EnvEntrypoint+"="+entrypoint,
		EnvWorkerConfig+"="+configJSON,
		EnvWorkerID+"="+id,
	)
	if cfg.LowMemory {
		env = append(env, "GOMEMLIMIT="+lowMemoryLimit)
	}
	cmd.Env = deduplicateEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, newWorkerError(ErrSpawn, id, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, newWorkerError(ErrSpawn, id, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, newWorkerError(ErrSpawn, id, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return nil, newWorkerError(ErrSpawn, id, err)
	}

	now := time.Now()
	inst := &Instance{
		ID:         id,
		appDir:     absAppDir,
		cfg:        cfg,
		logger:     opts.Logger.WithApp(absAppDir).WithWorker(id),
		cmd:        cmd,
		encoder:    ipc.NewFrameEncoder(stdin),
		ready:      make(chan struct{}),
		pending:    make(map[string]chan *ipc.Envelope),
		createdAt:  now,
		lastUsedAt: now,
	}

	go inst.readLoop(stdout)
	go inst.logStderr(stderr)

	return inst, nil
}

// workerArgv picks the child argv for an entrypoint: declarative entrypoints
// run under the stock worker binary, executables speak the protocol
// themselves.
func workerArgv(workerBinary, entrypoint string) (string, []string) {
	switch strings.ToLower(filepath.Ext(entrypoint)) {
	case ".html", ".yaml", ".yml", ".json":
		return workerBinary, nil
	default:
		return entrypoint, nil
	}
}

// readLoop dispatches child frames to waiting requests by reqId.
// Channel failure latches the critical flag and fails every pending request.
func (i *Instance) readLoop(stdout io.Reader) {
	decoder := ipc.NewFrameDecoder(stdout)
	for {
		envelope, err := decoder.ReadEnvelope()
		if err != nil {
			if errors.Is(err, io.EOF) {
				i.channelClosed(errors.New("worker exited"))
				return
			}
			if ipc.IsFatalFrameError(err) {
				i.channelClosed(err)
				return
			}
			// Non-fatal decode error: log and keep reading. The request that
			// expected this frame will time out.
			i.logger.Warn("undecodable frame from worker", map[string]any{
				"error": err.Error(),
			})
			continue
		}

		switch envelope.Type {
		case ipc.FrameTypeReady:
			i.markReady()
		case ipc.FrameTypeResponse, ipc.FrameTypeError:
			i.mu.Lock()
			ch, ok := i.pending[envelope.ReqID]
			if ok {
				delete(i.pending, envelope.ReqID)
			}
			i.mu.Unlock()
			if ok {
				ch <- envelope
			}
		default:
			i.logger.Warn("unexpected frame type from worker", map[string]any{
				"type": string(envelope.Type),
			})
		}
	}
}

// markReady fulfills the ready barrier once.
func (i *Instance) markReady() {
	i.mu.Lock()
	defer i.mu.Unlock()
	select {
	case <-i.ready:
	default:
		close(i.ready)
	}
}

// channelClosed latches the critical flag, fails all pending requests and
// resolves the ready barrier with a spawn error if READY never arrived.
func (i *Instance) channelClosed(cause error) {
	i.mu.Lock()
	i.critical = true
	pending := i.pending
	i.pending = make(map[string]chan *ipc.Envelope)
	select {
	case <-i.ready:
	default:
		i.readyErr = newWorkerError(ErrSpawn, i.ID, cause)
		close(i.ready)
	}
	terminated := i.terminated
	i.mu.Unlock()

	for reqID, ch := range pending {
		ch <- &ipc.Envelope{
			Type:  ipc.FrameTypeError,
			ReqID: reqID,
			Error: fmt.Sprintf("worker channel closed: %v", cause),
		}
	}

	if !terminated && len(pending) > 0 {
		i.logger.Error("worker channel closed with requests in flight", map[string]any{
			"pending": len(pending),
			"cause":   cause.Error(),
		})
	}
}

// logStderr forwards child stderr lines into the structured log.
func (i *Instance) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		i.logger.Debug("worker stderr", map[string]any{
			"line": scanner.Text(),
		})
	}
}

// Fetch sends one request to the worker and waits for the correlated reply.
// The hard deadline is the config timeout; on expiry the reply registration
// is torn down and ErrTimeout returned. The worker is not killed on timeout.
// Ephemeral instances terminate themselves after the response.
func (i *Instance) Fetch(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	select {
	case <-i.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	i.mu.Lock()
	if i.readyErr != nil {
		err := i.readyErr
		i.mu.Unlock()
		return nil, err
	}
	if i.terminated {
		i.mu.Unlock()
		return nil, newWorkerError(ErrCritical, i.ID, errors.New("instance terminated"))
	}
	i.requestCount++
	i.lastUsedAt = time.Now()
	i.idleSignalSent = false

	reqID := uuid.NewString()
	replyCh := make(chan *ipc.Envelope, 1)
	i.pending[reqID] = replyCh
	i.mu.Unlock()

	err := i.encoder.WriteEnvelope(&ipc.Envelope{
		Type:  ipc.FrameTypeRequest,
		ReqID: reqID,
		Req:   req,
	})
	if err != nil {
		i.dropPending(reqID)
		i.mu.Lock()
		i.critical = true
		i.mu.Unlock()
		return nil, newWorkerError(ErrCritical, i.ID, fmt.Errorf("write request: %w", err))
	}

	timer := time.NewTimer(i.cfg.Timeout())
	defer timer.Stop()

	select {
	case envelope := <-replyCh:
		if envelope.Type == ipc.FrameTypeError {
			i.mu.Lock()
			i.errorCount++
			critical := i.critical
			i.mu.Unlock()
			kind := ErrHandler
			if critical {
				kind = ErrCritical
			}
			werr := newWorkerError(kind, i.ID, errors.New(envelope.Error))
			if i.cfg.Ephemeral() {
				go i.Terminate()
			}
			return nil, werr
		}
		if i.cfg.Ephemeral() {
			go i.Terminate()
		}
		return envelope.Res, nil

	case <-timer.C:
		i.dropPending(reqID)
		return nil, newWorkerError(ErrTimeout, i.ID,
			fmt.Errorf("worker timeout after %d ms", i.cfg.TimeoutMs))

	case <-ctx.Done():
		i.dropPending(reqID)
		return nil, ctx.Err()
	}
}

// dropPending removes a reply registration.
func (i *Instance) dropPending(reqID string) {
	i.mu.Lock()
	delete(i.pending, reqID)
	i.mu.Unlock()
}

// RecordResponseTime adds a completed request's duration to the totals.
func (i *Instance) RecordResponseTime(durationMs float64) {
	i.mu.Lock()
	i.totalResponseTimeMs += durationMs
	i.mu.Unlock()
}

// Status reports whether the instance is active or idle.
// The first transition into idle sends exactly one IDLE frame; the latch is
// reset by the next request.
func (i *Instance) Status() WorkerStatus {
	i.mu.Lock()
	idle := time.Since(i.lastUsedAt) >= i.cfg.IdleTimeout()
	sendIdle := idle && !i.idleSignalSent && !i.terminated
	if sendIdle {
		i.idleSignalSent = true
	}
	i.mu.Unlock()

	if sendIdle {
		if err := i.encoder.WriteEnvelope(&ipc.Envelope{Type: ipc.FrameTypeIdle}); err != nil {
			i.logger.Debug("idle signal failed", map[string]any{"error": err.Error()})
		}
	}
	if idle {
		return StatusIdle
	}
	return StatusActive
}

// Healthy reports whether the instance may serve further requests.
// Ephemeral instances are one-shot: they are healthy only until their first
// request. maxRequests of zero means unlimited.
func (i *Instance) Healthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.critical || i.terminated {
		return false
	}
	if i.cfg.Ephemeral() {
		return i.requestCount == 0
	}
	if time.Since(i.createdAt) >= i.cfg.TTL() {
		return false
	}
	if time.Since(i.lastUsedAt) >= i.cfg.IdleTimeout() {
		return false
	}
	if i.cfg.MaxRequests > 0 && i.requestCount >= i.cfg.MaxRequests {
		return false
	}
	return true
}

// LastUsed returns the instance's last-use timestamp for LRU ordering.
func (i *Instance) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsedAt
}

// Stats returns the instance's counters, averages rounded to two decimals.
func (i *Instance) Stats() WorkerStats {
	status := i.Status()

	i.mu.Lock()
	defer i.mu.Unlock()

	var avg float64
	if i.requestCount > 0 {
		avg = math.Round(i.totalResponseTimeMs/float64(i.requestCount)*100) / 100
	}
	return WorkerStats{
		AgeMs:               time.Since(i.createdAt).Milliseconds(),
		IdleMs:              time.Since(i.lastUsedAt).Milliseconds(),
		Status:              status,
		RequestCount:        i.requestCount,
		ErrorCount:          i.errorCount,
		TotalResponseTimeMs: math.Round(i.totalResponseTimeMs*100) / 100,
		AvgResponseTimeMs:   avg,
	}
}

// Terminate sends TERMINATE, waits the short grace, then hard-kills the
// child. Idempotent; errors are swallowed.
func (i *Instance) Terminate() {
	i.terminateOnce.Do(func() {
		i.mu.Lock()
		i.terminated = true
		i.mu.Unlock()

		_ = i.encoder.WriteEnvelope(&ipc.Envelope{Type: ipc.FrameTypeTerminate})
		time.Sleep(TerminateGrace)

		if i.cmd.Process != nil {
			_ = i.cmd.Process.Kill()
		}
		_ = i.cmd.Wait()
	})
}

// deduplicateEnv keeps the last occurrence of each env var key.
// This ensures appended values (config env, WORKER_*) win over inherited
// duplicates from os.Environ().
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for idx, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = idx
	}
	result := make([]string, 0, len(seen))
	for idx, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == idx {
			result = append(result, entry)
		}
	}
	return result
}
