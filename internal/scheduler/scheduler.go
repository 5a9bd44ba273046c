// Package scheduler decides when to refresh. Foreground transitions, a
// periodic timer while the app is active, OS background slots and manual
// requests all pass through one gate: the network must be up, no refresh may
// be running, and the minimum interval since the last successful refresh must
// have elapsed. The last success is persisted so the throttle survives
// restarts.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/matthewjhunter/courier/internal/netcheck"
)

// State keys in the app_state table.
const (
	KeyLastSuccess      = "refresh.last_success"
	KeyBackgroundResult = "refresh.background_result"
)

var (
	// ErrSkipped is wrapped by every reason a trigger did not refresh.
	ErrSkipped   = errors.New("refresh skipped")
	ErrOffline   = fmt.Errorf("%w: offline", ErrSkipped)
	ErrInFlight  = fmt.Errorf("%w: refresh already running", ErrSkipped)
	ErrThrottled = fmt.Errorf("%w: minimum interval not elapsed", ErrSkipped)
)

type Reason string

const (
	ReasonForeground Reason = "foreground"
	ReasonInterval   Reason = "interval"
	ReasonBackground Reason = "background"
	ReasonManual     Reason = "manual"
)

type AppState string

const (
	StateActive     AppState = "active"
	StateInactive   AppState = "inactive"
	StateBackground AppState = "background"
)

// Outcome is what a background task reports back to the platform.
type Outcome string

const (
	NewData Outcome = "new-data"
	NoData  Outcome = "no-data"
	Failed  Outcome = "failed"
)

// Refresher runs one refresh cycle and returns the number of new articles.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

type RefresherFunc func(ctx context.Context) (int, error)

func (f RefresherFunc) Refresh(ctx context.Context) (int, error) { return f(ctx) }

type reasonKey struct{}

// ReasonFrom returns the trigger reason of the refresh running under ctx.
func ReasonFrom(ctx context.Context) (Reason, bool) {
	r, ok := ctx.Value(reasonKey{}).(Reason)
	return r, ok
}

// StateStore persists small values across runs.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	TakeState(ctx context.Context, key string) (string, bool, error)
}

type Options struct {
	// Interval is the period of the timer while the app is active.
	Interval time.Duration
	// MinInterval is the least time between two successful refreshes.
	MinInterval time.Duration
	// BackgroundBudget bounds a RunBackground call.
	BackgroundBudget time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// Result describes a completed refresh.
type Result struct {
	Reason      Reason
	Articles    int
	StartedAt   time.Time
	CompletedAt time.Time
}

// BackgroundResult is left by a background refresh for the next foreground
// session and read once.
type BackgroundResult struct {
	ArticleCount int       `json:"article_count"`
	CompletedAt  time.Time `json:"completed_at"`
}

type Scheduler struct {
	store     StateStore
	refresher Refresher
	network   netcheck.Checker
	opts      Options
	logger    *slog.Logger

	inflight atomic.Bool

	mu      sync.Mutex
	state   AppState
	baseCtx context.Context
	cron    *cron.Cron
}

func New(store StateStore, refresher Refresher, network netcheck.Checker, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = 15 * time.Minute
	}
	if opts.BackgroundBudget <= 0 {
		opts.BackgroundBudget = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if network == nil {
		network = netcheck.NewStatic(true)
	}
	return &Scheduler{
		store:     store,
		refresher: refresher,
		network:   network,
		opts:      opts,
		logger:    opts.Logger.With("component", "scheduler"),
		state:     StateInactive,
	}
}

// LastSuccess returns the completion time of the last successful refresh.
func (s *Scheduler) LastSuccess(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := s.store.GetState(ctx, KeyLastSuccess)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		// A corrupt value should not block refreshing forever.
		s.logger.Warn("ignoring unparsable last refresh time", "value", v, "error", err)
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// InFlight reports whether a refresh is running.
func (s *Scheduler) InFlight() bool { return s.inflight.Load() }

// ShouldRefresh evaluates the gate without starting anything. When the answer
// is no, the string says why.
func (s *Scheduler) ShouldRefresh(ctx context.Context) (bool, string) {
	if s.inflight.Load() {
		return false, "refresh already running"
	}
	if !s.network.Online(ctx) {
		return false, "offline"
	}
	if err := s.checkInterval(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (s *Scheduler) checkInterval(ctx context.Context) error {
	last, ok, err := s.LastSuccess(ctx)
	if err != nil {
		return err
	}
	if ok {
		if wait := s.opts.MinInterval - s.opts.Now().Sub(last); wait > 0 {
			return fmt.Errorf("%w (next in %s)", ErrThrottled, wait.Round(time.Second))
		}
	}
	return nil
}

// Trigger runs a refresh if the gate allows it. Skips return an error
// wrapping ErrSkipped.
func (s *Scheduler) Trigger(ctx context.Context, reason Reason) (*Result, error) {
	return s.run(ctx, reason, false)
}

// Force runs a manual refresh regardless of the minimum interval. It still
// requires the network and never overlaps a running refresh.
func (s *Scheduler) Force(ctx context.Context) (*Result, error) {
	return s.run(ctx, ReasonManual, true)
}

func (s *Scheduler) run(ctx context.Context, reason Reason, force bool) (*Result, error) {
	if !s.inflight.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer s.inflight.Store(false)

	if !s.network.Online(ctx) {
		s.logger.Debug("refresh skipped", "reason", reason, "why", "offline")
		return nil, ErrOffline
	}
	if !force {
		if err := s.checkInterval(ctx); err != nil {
			s.logger.Debug("refresh skipped", "reason", reason, "why", err)
			return nil, err
		}
	}

	res := &Result{Reason: reason, StartedAt: s.opts.Now().UTC()}
	n, err := s.refresher.Refresh(context.WithValue(ctx, reasonKey{}, reason))
	if err != nil {
		s.logger.Warn("refresh failed", "reason", reason, "error", err)
		return nil, fmt.Errorf("refresh (%s): %w", reason, err)
	}
	res.Articles = n
	res.CompletedAt = s.opts.Now().UTC()

	if err := s.store.SetState(context.WithoutCancel(ctx), KeyLastSuccess, res.CompletedAt.Format(time.RFC3339Nano)); err != nil {
		return res, err
	}
	s.logger.Info("refresh complete", "reason", reason, "new_articles", n,
		"duration", res.CompletedAt.Sub(res.StartedAt))
	return res, nil
}

// RunBackground is the body of an OS background task. It refreshes within
// the background budget and, on success, leaves a BackgroundResult for the
// next foreground session.
func (s *Scheduler) RunBackground(ctx context.Context) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.opts.BackgroundBudget)
	defer cancel()

	res, err := s.Trigger(ctx, ReasonBackground)
	switch {
	case errors.Is(err, ErrOffline):
		return Failed
	case errors.Is(err, ErrSkipped):
		return NoData
	case err != nil:
		return Failed
	}

	data, err := json.Marshal(BackgroundResult{ArticleCount: res.Articles, CompletedAt: res.CompletedAt})
	if err != nil {
		return Failed
	}
	if err := s.store.SetState(context.WithoutCancel(ctx), KeyBackgroundResult, string(data)); err != nil {
		s.logger.Error("failed to store background result", "error", err)
		return Failed
	}
	if res.Articles > 0 {
		return NewData
	}
	return NoData
}

// TakeBackgroundResult returns the result left by the last background
// refresh and clears it. It returns nil when there is none.
func (s *Scheduler) TakeBackgroundResult(ctx context.Context) (*BackgroundResult, error) {
	v, ok, err := s.store.TakeState(ctx, KeyBackgroundResult)
	if err != nil || !ok {
		return nil, err
	}
	var r BackgroundResult
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return nil, fmt.Errorf("bad background result: %w", err)
	}
	return &r, nil
}

// Start enables the periodic timer. Timer refreshes run under ctx and only
// while the app state is active.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
	if s.state == StateActive {
		s.startTimerLocked()
	}
}

// Stop disables the timer and waits for a timer refresh in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.baseCtx = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// AppState returns the last state passed to SetAppState.
func (s *Scheduler) AppState() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetAppState records an app lifecycle transition. Becoming active from any
// other state triggers a foreground refresh, whose result is returned; the
// timer runs only while active. Other transitions return nil, nil.
func (s *Scheduler) SetAppState(ctx context.Context, state AppState) (*Result, error) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	switch {
	case state == StateActive && s.baseCtx != nil && s.cron == nil:
		s.startTimerLocked()
	case state != StateActive && s.cron != nil:
		s.cron.Stop()
		s.cron = nil
	}
	s.mu.Unlock()

	if prev == state || state != StateActive {
		return nil, nil
	}
	return s.Trigger(ctx, ReasonForeground)
}

func (s *Scheduler) startTimerLocked() {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)
	ctx := s.baseCtx
	c.Schedule(cron.Every(s.opts.Interval), cron.FuncJob(func() {
		if _, err := s.Trigger(ctx, ReasonInterval); err != nil && !errors.Is(err, ErrSkipped) {
			s.logger.Warn("interval refresh failed", "error", err)
		}
	}))
	c.Start()
	s.cron = c
	s.logger.Debug("refresh timer started", "interval", s.opts.Interval)
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
