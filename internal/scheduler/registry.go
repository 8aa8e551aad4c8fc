package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"order-ladder-bot-go/internal/config"
	"order-ladder-bot-go/internal/database"
	"order-ladder-bot-go/internal/history"
	"order-ladder-bot-go/internal/metrics"
	"order-ladder-bot-go/internal/models"
	"order-ladder-bot-go/internal/observation"
	"order-ladder-bot-go/internal/reconcile"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// State of a profile's timer.
type State string

const (
	StateStopped   State = "STOPPED"
	StateScheduled State = "SCHEDULED"
	StateRunning   State = "RUNNING"
)

var states = []string{string(StateStopped), string(StateScheduled), string(StateRunning)}

// Run sources persisted on TaskExecution.
const (
	SourceSchedule = "schedule"
	SourceManual   = "manual"
)

var (
	ErrUnknownProfile = errors.New("unknown profile")
	ErrAlreadyRunning = errors.New("a run is already in progress for this profile")
	ErrTimeout        = errors.New("run timed out")
	ErrPanic          = errors.New("run panicked")
)

// finalizeTimeout bounds the history write that closes a run, which must
// happen even after the run context has expired.
const finalizeTimeout = 10 * time.Second

// maxMissedRecords caps the missed slots recorded for a single gap.
const maxMissedRecords = 288

const missedMessage = "no run started for this slot"

// Job is the unit of work fired for a profile.
type Job interface {
	Execute(ctx context.Context, profile string, catchUp bool) (reconcile.Report, error)
}

// Status is a point-in-time view of one profile.
type Status struct {
	Profile      string     `json:"profile"`
	State        State      `json:"state"`
	Running      bool       `json:"running"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	SkippedTicks int64      `json:"skipped_ticks"`
	Stuck        bool       `json:"stuck"`
}

type profileState struct {
	name string
	// running is the single-flight guard; it is held from before the
	// history record is opened until the job has returned.
	running atomic.Bool
	// stuck is set while a job that ignored cancellation keeps the guard.
	stuck   atomic.Bool
	skipped atomic.Int64

	mu          sync.Mutex
	state       State
	entry       cron.EntryID
	lastRun     *time.Time
	lastSuccess *time.Time
	lastError   string
	// accounted is the start of the newest run or recorded slot; missed
	// slots are only recorded after it.
	accounted time.Time
}

// Registry owns one timer and one status record per profile.
type Registry struct {
	runner   *Runner
	job      Job
	history  history.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger
	interval time.Duration
	grace    time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	profiles map[string]*profileState
	wg       sync.WaitGroup
}

// NewRegistry creates a registry with every configured profile STOPPED and
// starts its cron loop.
func NewRegistry(job Job, store history.Store, m *metrics.Metrics, cfg config.Monitor, logger *zap.Logger) *Registry {
	logger = logger.Named("scheduler")
	r := &Registry{
		runner:   NewRunner(logger),
		job:      job,
		history:  store,
		metrics:  m,
		logger:   logger,
		interval: cfg.Interval(),
		grace:    cfg.Grace(),
		timeout:  cfg.RunTimeout(),
		now:      time.Now,
		profiles: make(map[string]*profileState),
	}
	for _, name := range cfg.Profiles {
		r.ensure(name)
	}
	r.runner.Start()
	return r
}

// IsMissed reports whether a run starting at actual is late: more than grace
// past the expected start, which is the last success plus one interval. A
// profile that never succeeded cannot miss a run.
func IsMissed(lastSuccess *time.Time, actual time.Time, interval, grace time.Duration) bool {
	if lastSuccess == nil {
		return false
	}
	expected := lastSuccess.Add(interval)
	return actual.Sub(expected) > grace
}

func (r *Registry) ensure(name string) *profileState {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[name]
	if !ok {
		p = &profileState{name: name, state: StateStopped}
		r.profiles[name] = p
		r.metrics.SetState(name, string(StateStopped), states)
	}
	return p
}

func (r *Registry) lookup(name string) (*profileState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return p, nil
}

// Start schedules periodic runs for profile, registering it if needed.
// Starting a scheduled profile is a no-op.
func (r *Registry) Start(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownProfile)
	}
	p := r.ensure(name)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateScheduled {
		return nil
	}

	last, err := r.history.LastSuccess(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load last success for %s: %w", name, err)
	}
	if last != nil {
		p.lastSuccess = last
		r.metrics.LastSuccess.WithLabelValues(name).Set(float64(last.Unix()))
	}
	newest, err := r.history.Recent(ctx, name, 1)
	if err != nil {
		return fmt.Errorf("failed to load newest run for %s: %w", name, err)
	}
	for _, e := range newest {
		p.accounted = latestOf(p.accounted, e.ScheduledTime, e.ActualStartTime)
	}

	id, err := r.runner.Every(r.interval, func(ctx context.Context) {
		r.tick(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	p.entry = id
	p.state = StateScheduled
	r.publish(p.name, p.current())
	r.logger.Info("Monitoring started", zap.String("profile", name), zap.Duration("interval", r.interval))
	return nil
}

// Stop removes the profile's timer. A run in progress finishes and leaves
// the profile STOPPED.
func (r *Registry) Stop(name string) error {
	p, err := r.lookup(name)
	if err != nil {
		return err
	}
	r.stop(p)
	return nil
}

func (r *Registry) stop(p *profileState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStopped {
		return
	}
	r.runner.Remove(p.entry)
	p.entry = 0
	p.state = StateStopped
	r.publish(p.name, p.current())
	r.logger.Info("Monitoring stopped", zap.String("profile", p.name))
}

// StopAll stops every profile.
func (r *Registry) StopAll() {
	r.mu.RLock()
	all := make([]*profileState, 0, len(r.profiles))
	for _, p := range r.profiles {
		all = append(all, p)
	}
	r.mu.RUnlock()

	for _, p := range all {
		r.stop(p)
	}
}

// Close stops every profile, cancels runs in progress and waits for them.
func (r *Registry) Close() {
	r.StopAll()
	r.runner.Stop()
	r.wg.Wait()
}

// RunNow starts an immediate run of a registered profile through the same
// single-flight guard as the timer. It returns the opened execution record
// without waiting for the run.
func (r *Registry) RunNow(ctx context.Context, name string) (*models.TaskExecution, error) {
	p, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if !p.running.CompareAndSwap(false, true) {
		r.skip(p, SourceManual)
		return nil, ErrAlreadyRunning
	}

	exec, err := r.begin(ctx, p, SourceManual)
	if err != nil {
		r.release(p)
		return nil, err
	}
	opened := *exec

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(p)
		r.run(r.runner.Context(), p, exec)
	}()
	return &opened, nil
}

// Exclusive runs fn for a registered profile while holding the profile's
// single-flight guard, so it never overlaps a reconciliation run. fn gets
// the run timeout. No execution record is written.
func (r *Registry) Exclusive(ctx context.Context, name string, fn func(context.Context) error) error {
	p, err := r.lookup(name)
	if err != nil {
		return err
	}
	if !p.running.CompareAndSwap(false, true) {
		r.skip(p, SourceManual)
		return ErrAlreadyRunning
	}
	defer r.release(p)
	r.publish(p.name, StateRunning)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return fn(ctx)
}

// tick is the timer callback. cron calls it on its own goroutine.
func (r *Registry) tick(ctx context.Context, p *profileState) {
	if !p.running.CompareAndSwap(false, true) {
		r.skip(p, SourceSchedule)
		return
	}
	defer r.release(p)

	exec, err := r.begin(ctx, p, SourceSchedule)
	if err != nil {
		r.logger.Error("Failed to open execution record", zap.String("profile", p.name), zap.Error(err))
		r.metrics.ObserveRun(p.name, "error", 0)
		return
	}
	r.run(ctx, p, exec)
}

// release drops the single-flight guard and exports the resulting state.
func (r *Registry) release(p *profileState) {
	p.running.Store(false)
	p.mu.Lock()
	s := p.current()
	p.mu.Unlock()
	r.publish(p.name, s)
}

func (r *Registry) skip(p *profileState, source string) {
	n := p.skipped.Add(1)
	r.metrics.SkippedTicks.WithLabelValues(p.name).Inc()
	r.logger.Warn("Skipping tick, previous run still active",
		zap.String("profile", p.name), zap.String("source", source), zap.Int64("skipped_total", n))
}

// begin decides whether the run is a catch-up run and opens its record.
func (r *Registry) begin(ctx context.Context, p *profileState, source string) (*models.TaskExecution, error) {
	start := r.now()

	p.mu.Lock()
	last := p.lastSuccess
	anchor := p.accounted
	p.accounted = start
	p.mu.Unlock()

	exec := &models.TaskExecution{
		Profile:         p.name,
		ScheduledTime:   start,
		ActualStartTime: start,
		Source:          source,
	}
	var skipped []models.TaskExecution
	if IsMissed(last, start, r.interval, r.grace) {
		exec.Missed = true
		exec.ScheduledTime = last.Add(r.interval)
		r.metrics.MissedRuns.WithLabelValues(p.name).Inc()
		r.logger.Warn("Run started late, reconciling in catch-up mode",
			zap.String("profile", p.name),
			zap.Time("expected", exec.ScheduledTime),
			zap.Duration("late_by", start.Sub(exec.ScheduledTime)))
		skipped = r.missedRecords(p.name, latestOf(*last, anchor), start)
	}

	if err := r.history.Begin(ctx, exec); err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		if err := r.history.Record(ctx, skipped); err != nil {
			r.logger.Error("Failed to record missed slots", zap.String("profile", p.name), zap.Error(err))
		} else {
			r.metrics.MissedRuns.WithLabelValues(p.name).Add(float64(len(skipped)))
			r.logger.Warn("Recorded missed slots", zap.String("profile", p.name), zap.Int("count", len(skipped)))
		}
	}
	return exec, nil
}

// missedRecords returns one closed record per interval slot after anchor that
// no run served. The first slot after anchor belongs to the run starting now.
func (r *Registry) missedRecords(profile string, anchor, start time.Time) []models.TaskExecution {
	var out []models.TaskExecution
	completed := start
	msg := missedMessage
	for slot := anchor.Add(2 * r.interval); slot.Add(r.grace).Before(start); slot = slot.Add(r.interval) {
		if len(out) == maxMissedRecords {
			break
		}
		out = append(out, models.TaskExecution{
			Profile:         profile,
			ScheduledTime:   slot,
			ActualStartTime: slot,
			CompletionTime:  &completed,
			Missed:          true,
			Source:          SourceSchedule,
			ErrorMessage:    &msg,
		})
	}
	return out
}

func latestOf(t time.Time, more ...time.Time) time.Time {
	for _, m := range more {
		if m.After(t) {
			t = m
		}
	}
	return t
}

type outcome struct {
	report reconcile.Report
	err    error
}

// run executes the job under the run timeout and closes the record. It
// returns only after the job has returned.
func (r *Registry) run(parent context.Context, p *profileState, exec *models.TaskExecution) {
	log := r.logger.With(zap.String("profile", p.name), zap.String("run_id", exec.RunID))
	r.publish(p.name, StateRunning)

	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		rep, err := r.invoke(ctx, p.name, exec.Missed)
		done <- outcome{report: rep, err: err}
	}()

	var out outcome
	abandoned := false
	select {
	case out = <-done:
	case <-ctx.Done():
		abandoned = true
		out = outcome{err: ctx.Err()}
	}
	timedOut := out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)

	res := r.result(exec, out, timedOut)
	r.finalize(exec, res, log)
	r.record(p, exec, res, out.report)

	if out.err != nil {
		log.Error("Run failed", zap.String("kind", res.ErrorKind), zap.String("error", res.ErrorMessage),
			zap.Bool("missed", exec.Missed), zap.Duration("duration", res.Duration))
	} else {
		log.Info("Run finished",
			zap.Int("processed", res.OrdersProcessed),
			zap.Int("replacements", res.ReplacementsPlaced),
			zap.Int("failures", res.Failures),
			zap.Bool("missed", exec.Missed),
			zap.Duration("duration", res.Duration))
	}

	// The record is closed; the guard stays held until the job has
	// actually returned.
	if abandoned {
		r.await(p, done, log)
	}
}

// await waits for a job that outlived its run context. Each further timeout
// it keeps running, the profile is flagged stuck and an error is logged.
func (r *Registry) await(p *profileState, done <-chan outcome, log *zap.Logger) {
	ticker := time.NewTicker(r.timeout)
	defer ticker.Stop()
	var overdue time.Duration
	for {
		select {
		case <-done:
			if p.stuck.Swap(false) {
				log.Warn("Stuck run returned", zap.Duration("overdue", overdue))
			}
			return
		case <-ticker.C:
			overdue += r.timeout
			p.stuck.Store(true)
			log.Error("Run ignores cancellation and still holds the profile", zap.Duration("overdue", overdue))
		}
	}
}

// invoke converts a panic in the job into an error.
func (r *Registry) invoke(ctx context.Context, profile string, catchUp bool) (rep reconcile.Report, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Recovered from panic in run",
				zap.String("profile", profile), zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
		}
	}()
	return r.job.Execute(ctx, profile, catchUp)
}

func (r *Registry) result(exec *models.TaskExecution, out outcome, timedOut bool) history.Result {
	completed := r.now()
	res := history.Result{
		CompletionTime:     completed,
		Duration:           completed.Sub(exec.ActualStartTime),
		OrdersProcessed:    out.report.Processed,
		ReplacementsPlaced: out.report.Replacements,
		Failures:           out.report.Failures,
	}
	switch {
	case timedOut:
		res.ErrorKind = reconcile.KindTimeout
		res.ErrorMessage = fmt.Errorf("%w after %s", ErrTimeout, r.timeout).Error()
	case out.err != nil:
		res.ErrorKind = errorKind(out.err)
		res.ErrorMessage = out.err.Error()
	default:
		res.Success = true
	}
	return res
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPanic):
		return reconcile.KindPanic
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return reconcile.KindTimeout
	case errors.Is(err, context.Canceled):
		return reconcile.KindCancelled
	case errors.Is(err, database.ErrPersistence):
		return reconcile.KindPersistence
	case errors.Is(err, observation.ErrParse):
		return reconcile.KindParse
	case errors.Is(err, reconcile.ErrLookup):
		return reconcile.KindLookup
	default:
		return reconcile.KindExternal
	}
}

func (r *Registry) finalize(exec *models.TaskExecution, res history.Result, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := r.history.Finalize(ctx, exec.ID, res); err != nil {
		log.Error("Failed to close execution record", zap.Error(err))
	}
}

func (r *Registry) record(p *profileState, exec *models.TaskExecution, res history.Result, report reconcile.Report) {
	label := "success"
	switch {
	case !res.Success:
		label = "failure"
	case exec.Missed:
		label = "missed"
	}
	r.metrics.ObserveRun(p.name, label, res.Duration)
	if res.ErrorKind != "" {
		r.metrics.Failures.WithLabelValues(p.name, res.ErrorKind).Inc()
	}
	for _, e := range report.Errors {
		r.metrics.Failures.WithLabelValues(p.name, e.Kind).Inc()
	}
	r.metrics.Transitions.WithLabelValues(p.name).Add(float64(report.Transitions))
	r.metrics.Replacements.WithLabelValues(p.name).Add(float64(report.Replacements))
	if res.Success {
		r.metrics.MissingSlots.WithLabelValues(p.name).Set(float64(len(report.Missing)))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	completed := res.CompletionTime
	p.lastRun = &completed
	p.lastError = res.ErrorMessage
	if res.Success {
		started := exec.ActualStartTime
		p.lastSuccess = &started
		r.metrics.LastSuccess.WithLabelValues(p.name).Set(float64(started.Unix()))
	}
}

func (r *Registry) publish(name string, s State) {
	r.metrics.SetState(name, string(s), states)
}

// current is the state to report; p.mu must be held.
func (p *profileState) current() State {
	if p.running.Load() {
		return StateRunning
	}
	return p.state
}

// Status returns the profile's current view.
func (r *Registry) Status(name string) (Status, error) {
	p, err := r.lookup(name)
	if err != nil {
		return Status{}, err
	}
	return r.status(p), nil
}

func (r *Registry) status(p *profileState) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Profile:      p.name,
		State:        p.state,
		Running:      p.running.Load(),
		LastRun:      p.lastRun,
		LastSuccess:  p.lastSuccess,
		LastError:    p.lastError,
		SkippedTicks: p.skipped.Load(),
		Stuck:        p.stuck.Load(),
	}
	if s.Running {
		s.State = StateRunning
	}
	if p.entry != 0 {
		if next := r.runner.Next(p.entry); !next.IsZero() {
			s.NextRun = &next
		}
	}
	return s
}

// Profiles lists every registered profile by name.
func (r *Registry) Profiles() []Status {
	r.mu.RLock()
	all := make([]*profileState, 0, len(r.profiles))
	for _, p := range r.profiles {
		all = append(all, p)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(all))
	for _, p := range all {
		out = append(out, r.status(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile < out[j].Profile })
	return out
}
