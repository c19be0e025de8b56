package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/runtime"
)

// QueuePolicy decides what happens to a submission when every worker is busy.
type QueuePolicy string

const (
	// PolicyQueue waits for room in the queue up to QueueWaitTimeout.
	PolicyQueue QueuePolicy = "queue"
	// PolicyReject answers Busy unless the submission can be queued at once.
	PolicyReject QueuePolicy = "reject"
)

// DispatcherConfig sizes the worker pool and bounds submissions.
type DispatcherConfig struct {
	MaxConcurrent    int
	QueueDepth       int
	Policy           QueuePolicy
	QueueWaitTimeout time.Duration
	DefaultWallTime  time.Duration
	MaxWallTime      time.Duration
	MaxCodeBytes     int
	WorkspaceRoot    string
}

func (c *DispatcherConfig) setDefaults() {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 4
	}
	if c.QueueDepth < 0 {
		c.QueueDepth = 0
	}
	if c.Policy == "" {
		c.Policy = PolicyQueue
	}
	if c.QueueWaitTimeout <= 0 {
		c.QueueWaitTimeout = 30 * time.Second
	}
	if c.DefaultWallTime <= 0 {
		c.DefaultWallTime = 20 * time.Second
	}
	if c.MaxWallTime < c.DefaultWallTime {
		c.MaxWallTime = c.DefaultWallTime
	}
	if c.MaxCodeBytes <= 0 {
		c.MaxCodeBytes = 64 << 10
	}
}

// Option configures optional Dispatcher collaborators.
type Option func(*Dispatcher)

// WithMetrics records dispatcher and pipeline metrics.
func WithMetrics(m *monitor.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer wraps submissions and steps in spans.
func WithTracer(t *monitor.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithDetector scans submitted code before it runs. Findings are logged
// and counted; they never block a submission.
func WithDetector(det *monitor.Detector) Option {
	return func(d *Dispatcher) { d.detector = det }
}

// Stats is a snapshot of the dispatcher's load.
type Stats struct {
	Workers    int    `json:"workers"`
	Active     int64  `json:"active"`
	Queued     int64  `json:"queued"`
	QueueDepth int    `json:"queue_depth"`
	Policy     string `json:"policy"`
	Backend    string `json:"backend"`
	Completed  int64  `json:"completed"`
	Rejected   int64  `json:"rejected"`
}

type job struct {
	ctx      context.Context
	execID   string
	sub      Submission
	profile  runtime.Profile
	wallTime time.Duration
	enqueued time.Time
	reply    chan jobResult
	// started is set once a worker owns the job.
	started atomic.Bool
}

type jobResult struct {
	res *ExecutionResult
	err error
}

// Dispatcher admits submissions onto a fixed pool of workers, each running
// one execution at a time.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry *runtime.Registry
	launcher Launcher

	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.Detector

	jobs chan *job
	quit chan struct{}
	wg   sync.WaitGroup

	mu        sync.RWMutex // guards closed and sends on jobs
	closed    bool
	started   bool
	closeOnce sync.Once

	active    atomic.Int64
	queued    atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Start before Submit.
func NewDispatcher(cfg DispatcherConfig, registry *runtime.Registry, launcher Launcher, opts ...Option) (*Dispatcher, error) {
	if registry == nil || launcher == nil {
		return nil, errors.New("dispatcher needs a registry and a launcher")
	}
	cfg.setDefaults()
	if cfg.Policy != PolicyQueue && cfg.Policy != PolicyReject {
		return nil, fmt.Errorf("unknown queue policy %q", cfg.Policy)
	}
	for _, p := range registry.Profiles() {
		if err := limitsFor(p, p.RunTimeout).Validate(); err != nil {
			return nil, fmt.Errorf("runtime %s: %w", p.ID, err)
		}
	}

	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		launcher: launcher,
		jobs:     make(chan *job, cfg.QueueDepth),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start removes workspaces left behind by a previous process and starts
// the workers.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("dispatcher is closed")
	}
	if d.started {
		return nil
	}

	removed, err := SweepWorkspaces(d.cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("sweeping workspaces: %w", err)
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("removed stale workspaces")
	}

	for i := 0; i < d.cfg.MaxConcurrent; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.started = true

	log.Info().
		Int("workers", d.cfg.MaxConcurrent).
		Int("queue_depth", d.cfg.QueueDepth).
		Str("policy", string(d.cfg.Policy)).
		Str("backend", d.launcher.Name()).
		Msg("dispatcher started")
	return nil
}

// Submit validates sub, waits for a worker and returns the result. For
// compile failures, runtime failures and timeouts both the result and the
// matching error are returned.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*ExecutionResult, error) {
	execID := uuid.NewString()

	profile, wallTime, err := d.validate(sub)
	if err != nil {
		d.metrics.RecordError("validation")
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	d.metrics.RecordCodeSize(len(sub.Code))

	j := &job{
		ctx:      ctx,
		execID:   execID,
		sub:      sub,
		profile:  profile,
		wallTime: wallTime,
		reply:    make(chan jobResult, 1),
	}
	if err := d.enqueue(ctx, j); err != nil {
		return nil, err
	}

	select {
	case r := <-j.reply:
		return r.res, r.err
	case <-ctx.Done():
		if !j.started.Load() {
			// Still queued; the worker will skip it.
			return nil, &ExecutionError{ExecID: execID, Op: "queue", Err: ctx.Err()}
		}
		// The running step sees the same context and is killed. Wait so
		// the workspace is gone before returning.
		r := <-j.reply
		return r.res, r.err
	}
}

func (d *Dispatcher) validate(sub Submission) (runtime.Profile, time.Duration, error) {
	profile, err := d.registry.Lookup(sub.Language)
	if err != nil {
		return runtime.Profile{}, 0, err
	}
	if len(sub.Code) == 0 {
		return runtime.Profile{}, 0, fmt.Errorf("%w: code is empty", ErrInvalidSubmission)
	}
	if len(sub.Code) > d.cfg.MaxCodeBytes {
		return runtime.Profile{}, 0, fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidSubmission, d.cfg.MaxCodeBytes)
	}
	if !utf8.ValidString(sub.Code) {
		return runtime.Profile{}, 0, fmt.Errorf("%w: code is not valid UTF-8", ErrInvalidSubmission)
	}
	if _, _, err := profile.SourceFile(sub.Code); err != nil {
		return runtime.Profile{}, 0, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}

	wall := sub.MaxWallTime
	switch {
	case wall < 0:
		return runtime.Profile{}, 0, fmt.Errorf("%w: negative wall time", ErrInvalidSubmission)
	case wall == 0:
		wall = d.cfg.DefaultWallTime
	case wall > d.cfg.MaxWallTime:
		return runtime.Profile{}, 0, fmt.Errorf("%w: wall time exceeds %s maximum", ErrInvalidSubmission, d.cfg.MaxWallTime)
	}
	return profile, wall, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, j *job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || !d.started {
		return internalError(j.execID, "enqueue", errors.New("dispatcher is not running"))
	}

	d.queued.Add(1)
	j.enqueued = time.Now()
	d.syncGauges()

	if d.cfg.Policy == PolicyReject {
		select {
		case d.jobs <- j:
			return nil
		default:
			return d.reject(j, "queue_full")
		}
	}

	timer := time.NewTimer(d.cfg.QueueWaitTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- j:
		return nil
	case <-timer.C:
		return d.reject(j, "queue_wait_timeout")
	case <-d.quit:
		return d.reject(j, "shutting_down")
	case <-ctx.Done():
		d.queued.Add(-1)
		d.syncGauges()
		return &ExecutionError{ExecID: j.execID, Op: "enqueue", Err: ctx.Err()}
	}
}

func (d *Dispatcher) reject(j *job, reason string) error {
	d.queued.Add(-1)
	d.rejected.Add(1)
	d.syncGauges()
	d.metrics.RecordRejection(reason)
	log.Warn().Str("exec_id", j.execID).Str("reason", reason).Msg("submission rejected")
	return &ExecutionError{ExecID: j.execID, Op: "admit", Err: ErrBusy}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.handle(j)
	}
}

func (d *Dispatcher) handle(j *job) {
	j.started.Store(true)
	wait := time.Since(j.enqueued)
	d.queued.Add(-1)
	d.metrics.RecordQueueWait(wait)

	if err := j.ctx.Err(); err != nil {
		d.syncGauges()
		j.reply <- jobResult{err: &ExecutionError{ExecID: j.execID, Op: "dequeue", Err: err}}
		return
	}
	if d.cfg.Policy == PolicyQueue && wait > d.cfg.QueueWaitTimeout {
		d.rejected.Add(1)
		d.syncGauges()
		d.metrics.RecordRejection("queue_wait_timeout")
		j.reply <- jobResult{err: &ExecutionError{ExecID: j.execID, Op: "dequeue", Err: ErrBusy}}
		return
	}

	d.active.Add(1)
	d.syncGauges()
	res, err := d.execute(j, wait)
	d.active.Add(-1)
	d.completed.Add(1)
	d.syncGauges()
	j.reply <- jobResult{res: res, err: err}
}

// execute owns the workspace for one job. Panics are turned into
// internal errors after the workspace is released.
func (d *Dispatcher) execute(j *job, wait time.Duration) (res *ExecutionResult, err error) {
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(j.sub.Code)))
	logger := log.With().
		Str("exec_id", j.execID).
		Str("language", j.profile.ID).
		Str("code_hash", codeHash[:16]).
		Logger()

	ctx, span := d.tracer.StartSpan(j.ctx, "execute",
		monitor.AttrExecID.String(j.execID),
		monitor.AttrLanguage.String(j.profile.ID),
		monitor.AttrCodeHash.String(codeHash[:16]),
		monitor.AttrQueueWait.Int64(wait.Milliseconds()),
	)
	start := time.Now()

	for _, det := range d.detector.Scan(j.profile.ID, j.sub.Code) {
		d.metrics.RecordSecurityEvent(det.Pattern)
		logger.Warn().
			Str("pattern", det.Pattern).
			Str("severity", det.Severity).
			Int("line", det.Line).
			Msg("suspicious code submitted")
	}

	ws, err := AcquireWorkspace(d.cfg.WorkspaceRoot, j.execID, d.launcher.WorkspaceOwner())
	if err != nil {
		err = internalError(j.execID, "acquire_workspace", err)
		d.record(logger, j.profile.ID, nil, err, time.Since(start))
		monitor.EndSpan(span, err)
		return nil, err
	}

	defer func() {
		if rerr := ws.Release(); rerr != nil {
			logger.Error().Err(rerr).Msg("workspace release failed")
		}
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("execution panicked")
			res, err = nil, internalError(j.execID, "execute", fmt.Errorf("panic: %v", r))
		}
		d.record(logger, j.profile.ID, res, err, time.Since(start))
		monitor.EndSpan(span, err)
	}()

	p := &pipeline{
		execID:   j.execID,
		sub:      j.sub,
		profile:  j.profile,
		launcher: d.launcher,
		ws:       ws,
		deadline: start.Add(j.wallTime),
		logger:   logger,
		metrics:  d.metrics,
		tracer:   d.tracer,
		res: &ExecutionResult{
			ID:        j.execID,
			Language:  j.profile.ID,
			Status:    StatusQueued,
			QueueWait: wait,
			CodeHash:  codeHash,
		},
	}

	res, err = p.run(ctx)
	if res != nil {
		res.Duration = time.Since(start)
	}
	return res, err
}

func (d *Dispatcher) record(logger zerolog.Logger, language string, res *ExecutionResult, err error, duration time.Duration) {
	status := "error"
	if res != nil {
		status = string(res.Status)
	}
	d.metrics.RecordExecution(language, status, duration)

	switch {
	case err == nil, IsExecutionOutcome(err):
		ev := logger.Info()
		if res != nil {
			ev = ev.Str("status", string(res.Status)).Bool("truncated", res.Truncated)
			if res.ExitCode != nil {
				ev = ev.Int("exit_code", *res.ExitCode)
			}
		}
		ev.Dur("duration", duration).Msg("execution finished")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.metrics.RecordError("canceled")
		logger.Info().Err(err).Msg("execution canceled by caller")
	default:
		d.metrics.RecordError("internal")
		logger.Error().Err(err).Msg("execution failed")
	}
}

func (d *Dispatcher) syncGauges() {
	d.metrics.SetLoad(d.active.Load(), d.queued.Load())
}

// Stats returns the current load.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers:    d.cfg.MaxConcurrent,
		Active:     d.active.Load(),
		Queued:     d.queued.Load(),
		QueueDepth: d.cfg.QueueDepth,
		Policy:     string(d.cfg.Policy),
		Backend:    d.launcher.Name(),
		Completed:  d.completed.Load(),
		Rejected:   d.rejected.Load(),
	}
}

// Healthy reports whether the backend can still launch steps. Backends
// without a health probe are always healthy.
func (d *Dispatcher) Healthy(ctx context.Context) bool {
	if h, ok := d.launcher.(interface{ Healthy(context.Context) bool }); ok {
		return h.Healthy(ctx)
	}
	return true
}

// Profiles returns the languages the dispatcher accepts.
func (d *Dispatcher) Profiles() []runtime.Profile {
	return d.registry.Profiles()
}

// Close stops admitting submissions and waits for queued and running ones
// to finish or for ctx to end. The launcher is closed last.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.quit) })

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for executions: %w", ctx.Err())
	}
	return d.launcher.Close()
}
