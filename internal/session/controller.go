package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"resq/go-sos-agent/internal/model"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultPollMaxBackoff = time.Minute
	defaultRatingTimeout  = 10 * time.Second
	backoffJitter         = 0.2
	backoffMultiplier     = 2
)

// Options configures a Controller.
type Options struct {
	PollInterval   time.Duration
	PollMaxBackoff time.Duration
	// ScanTimeout is passed to the resolver; zero uses the resolver's default.
	ScanTimeout time.Duration
	Position    PositionProvider
	Observer    Observer
	Now         func() time.Time
}

// Controller runs one incident session at a time: resolve a beacon, submit once, poll until
// resolved. All methods are safe for concurrent use.
type Controller struct {
	api      IncidentService
	resolver SignalResolver
	opts     Options
	logger   *slog.Logger
	observer Observer

	baseCtx context.Context
	cancel  context.CancelFunc
	ratings sync.WaitGroup

	scheduler *Scheduler

	// observeMu serialises observer delivery. It is always taken while holding mu.
	observeMu sync.Mutex

	mu          sync.Mutex
	state       State
	session     *model.IncidentSession
	epoch       uint64
	description string
	lastErr     error
	failures    int
	rated       bool
	closed      bool
	backoff     *backoff.ExponentialBackOff
}

// New constructs an idle controller.
func New(api IncidentService, resolver SignalResolver, opts Options, logger *slog.Logger) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollMaxBackoff < opts.PollInterval {
		opts.PollMaxBackoff = DefaultPollMaxBackoff
		if opts.PollMaxBackoff < opts.PollInterval {
			opts.PollMaxBackoff = opts.PollInterval
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.PollInterval
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = backoffJitter
	b.MaxInterval = opts.PollMaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		api:      api,
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		observer: observer,
		baseCtx:  ctx,
		cancel:   cancel,
		state:    StateIdle,
		backoff:  b,
	}
	c.scheduler = NewScheduler(c.pollOnce)
	return c
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// StartSession resolves a beacon signal and submits the incident exactly once.
// A second call while a session exists returns ErrSessionInProgress without submitting.
func (c *Controller) StartSession(ctx context.Context, description string) (Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if c.state != StateIdle {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrSessionInProgress
	}

	now := c.opts.Now()
	if description == "" {
		description = DefaultDescription(now)
	}
	c.description = description
	c.session = &model.IncidentSession{
		LocalID:   uuid.NewString(),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	epoch := c.beginLocked()
	ev := c.eventLocked(EventStarted)
	c.emitUnlock(ev)

	c.logger.Info("sos session started", "session", ev.LocalID)

	return c.submit(ctx, epoch)
}

// Retry dispatches to RetrySearch when an incident exists, otherwise to RetrySubmit.
func (c *Controller) Retry(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	hasIncident := c.session != nil && c.session.IncidentID != ""
	c.mu.Unlock()

	if hasIncident {
		return c.RetrySearch()
	}
	return c.RetrySubmit(ctx)
}

// RetrySearch keeps the existing incident, clears stale guard search data and restarts
// polling immediately.
func (c *Controller) RetrySearch() (Snapshot, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return Snapshot{}, ErrNoSession
	}
	if c.session.IncidentID == "" {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrNoIncident
	}
	if c.state != StateActive && c.state != StateError {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrSessionInProgress
	}

	c.session.GuardStatus = ""
	c.session.StatusMessage = ""
	c.session.PendingAlertCount = 0
	c.session.UpdatedAt = c.opts.Now().UTC()
	c.state = StateActive
	c.lastErr = nil
	c.failures = 0
	c.backoff.Reset()
	c.scheduler.Start(0)

	ev := c.eventLocked(EventRetrySearch)
	snap := c.snapshotLocked()
	c.emitUnlock(ev)

	c.logger.Info("guard search restarted", "session", ev.LocalID, "incident", ev.IncidentID)
	return snap, nil
}

// RetrySubmit reruns the full start sequence after a failed submission.
func (c *Controller) RetrySubmit(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if c.session == nil {
		c.mu.Unlock()
		return Snapshot{}, ErrNoSession
	}
	if c.state != StateError || c.session.IncidentID != "" {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrSessionInProgress
	}

	c.session.Signal = model.BeaconSignal{}
	c.session.Position = nil
	c.session.UpdatedAt = c.opts.Now().UTC()
	epoch := c.beginLocked()
	ev := c.eventLocked(EventRetrySubmit)
	c.emitUnlock(ev)

	c.logger.Info("retrying incident submission", "session", ev.LocalID)

	return c.submit(ctx, epoch)
}

// Cancel discards the session from any non-idle state. The server is not notified and
// responses still in flight are ignored.
func (c *Controller) Cancel() (Snapshot, error) {
	return c.discard(EventCancelled, func(s State) bool { return s != StateIdle }, ErrNoSession)
}

// Dismiss discards a resolved session.
func (c *Controller) Dismiss() (Snapshot, error) {
	return c.discard(EventDismissed, func(s State) bool { return s == StateResolved }, ErrNotResolved)
}

// SubmitRating records a satisfaction rating for a resolved incident and sends it to the
// server in the background. Delivery failures are not reported.
func (c *Controller) SubmitRating(stars int, feedback string) (model.Rating, error) {
	if stars < 0 || stars > 5 {
		return model.Rating{}, ErrInvalidRating
	}

	c.mu.Lock()
	if c.state != StateResolved || c.session == nil {
		c.mu.Unlock()
		return model.Rating{}, ErrNotResolved
	}
	if c.rated {
		c.mu.Unlock()
		return model.Rating{}, ErrAlreadyRated
	}
	c.rated = true
	rating := model.Rating{
		IncidentID: c.session.IncidentID,
		Stars:      stars,
		Feedback:   feedback,
		CreatedAt:  c.opts.Now().UTC(),
	}
	ev := c.eventLocked(EventRated)
	ev.Rating = &rating
	c.ratings.Add(1)
	c.emitUnlock(ev)

	go func() {
		defer c.ratings.Done()
		ctx, cancel := context.WithTimeout(c.baseCtx, defaultRatingTimeout)
		defer cancel()
		if err := c.api.SubmitRating(ctx, rating); err != nil {
			c.logger.Debug("rating not delivered", "incident", rating.IncidentID, "error", err)
			return
		}
		c.logger.Info("rating delivered", "incident", rating.IncidentID, "stars", rating.Stars)
	}()

	return rating, nil
}

// Close stops polling, abandons in-flight work and waits for pending rating deliveries.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.scheduler.Stop()
	c.epoch++
	c.session = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.cancel()
	c.ratings.Wait()
}

func (c *Controller) discard(kind EventKind, allowed func(State) bool, notAllowed error) (Snapshot, error) {
	c.mu.Lock()
	if !allowed(c.state) {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, notAllowed
	}

	c.scheduler.Stop()
	ev := c.eventLocked(kind)
	ev.Session = nil
	c.epoch++
	c.session = nil
	c.state = StateIdle
	c.lastErr = nil
	c.failures = 0
	c.rated = false
	ev.State = StateIdle
	snap := c.snapshotLocked()
	c.emitUnlock(ev)

	c.logger.Info("sos session discarded", "session", ev.LocalID, "incident", ev.IncidentID, "reason", string(kind))
	return snap, nil
}

// beginLocked sets the one-shot latch for a submission attempt and returns its epoch.
func (c *Controller) beginLocked() uint64 {
	c.epoch++
	c.state = StateInitializing
	c.lastErr = nil
	c.failures = 0
	c.rated = false
	return c.epoch
}

func (c *Controller) submit(ctx context.Context, epoch uint64) (Snapshot, error) {
	var position *model.Position
	if c.opts.Position != nil {
		pos, err := c.opts.Position.Position(ctx)
		if err != nil {
			c.logger.Info("position unavailable, continuing without it", "error", err)
		} else {
			position = &pos
		}
	}

	signal := c.resolver.Scan(ctx, c.opts.ScanTimeout)

	c.mu.Lock()
	if c.epoch != epoch {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrCancelled
	}
	c.session.Signal = signal
	c.session.LocationLabel = signal.DisplayName
	c.session.Position = position
	report := model.SOSReport{BeaconID: signal.Identifier, Description: c.description}
	if position != nil {
		lat, lon := position.Latitude, position.Longitude
		report.Latitude, report.Longitude = &lat, &lon
	}
	localID := c.session.LocalID
	c.mu.Unlock()

	c.logger.Info("submitting incident", "session", localID, "beacon", signal.Identifier, "origin", string(signal.Origin))
	resp, err := c.api.ReportSOS(ctx, report)

	c.mu.Lock()
	if c.epoch != epoch {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		if err == nil {
			c.logger.Warn("incident submitted after cancel, ignoring", "session", localID, "incident", resp.IncidentID)
		}
		return snap, ErrCancelled
	}

	if err != nil {
		c.state = StateError
		c.lastErr = &SubmissionError{Err: err}
		ev := c.eventLocked(EventSubmissionFailed)
		ev.Err = c.lastErr
		snap := c.snapshotLocked()
		c.emitUnlock(ev)

		c.logger.Error("incident submission failed", "session", localID, "error", err)
		return snap, ev.Err
	}

	now := c.opts.Now().UTC()
	status := resp.InitialStatus()
	if status == "" {
		status = model.StatusCreated
	}
	c.session.IncidentID = resp.IncidentID
	c.session.Status = status
	c.session.UpdatedAt = now
	if loc := resp.LocationName(); loc != "" {
		c.session.LocationLabel = loc
	}
	c.backoff.Reset()

	kinds := []EventKind{EventSubmitted}
	if status == model.StatusResolved {
		c.state = StateResolved
		kinds = append(kinds, EventResolved)
	} else {
		c.state = StateActive
		c.scheduler.Start(c.opts.PollInterval)
	}
	events := make([]Event, 0, len(kinds))
	for _, kind := range kinds {
		events = append(events, c.eventLocked(kind))
	}
	snap := c.snapshotLocked()
	c.emitUnlock(events...)

	c.logger.Info("incident submitted", "session", localID, "incident", resp.IncidentID, "status", string(status))
	return snap, nil
}

// pollOnce is the scheduler tick. It returns the delay before the next poll, or -1 when
// polling must end.
func (c *Controller) pollOnce() time.Duration {
	c.mu.Lock()
	if c.state != StateActive || c.session == nil || c.session.IncidentID == "" {
		c.mu.Unlock()
		return -1
	}
	epoch := c.epoch
	id := c.session.IncidentID
	c.mu.Unlock()

	poll, err := c.api.PollStatus(c.baseCtx, id)

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateActive || c.session == nil {
		c.mu.Unlock()
		c.logger.Debug("discarding poll response for discarded session", "incident", id)
		return -1
	}

	if err != nil {
		c.failures++
		delay := c.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = c.opts.PollMaxBackoff
		}
		ev := c.eventLocked(EventPollFailed)
		ev.Err = err
		failures := c.failures
		c.emitUnlock(ev)

		c.logger.Warn("status poll failed", "incident", id, "failures", failures, "retry_in", delay, "error", err)
		return delay
	}

	c.failures = 0
	c.backoff.Reset()
	changed := Merge(c.session, poll, c.opts.Now().UTC())
	ev := c.eventLocked(EventPolled)
	ev.Changed = changed

	events := []Event{ev}
	resolved := c.session.Status == model.StatusResolved
	if resolved {
		c.state = StateResolved
		c.scheduler.Stop()
		events = append(events, c.eventLocked(EventResolved))
	}
	c.emitUnlock(events...)

	if changed {
		c.logger.Info("incident updated", "incident", id, "status", string(ev.Session.Status), "display", string(ev.Display))
	}
	if resolved {
		c.logger.Info("incident resolved, polling stopped", "incident", id)
		return -1
	}
	return c.opts.PollInterval
}

// emitUnlock releases c.mu and delivers events. observeMu is taken before c.mu is released,
// so observers see events in the order the controller produced them.
func (c *Controller) emitUnlock(events ...Event) {
	c.observeMu.Lock()
	defer c.observeMu.Unlock()
	c.mu.Unlock()
	for _, ev := range events {
		c.observer.Observe(ev)
	}
}

func (c *Controller) eventLocked(kind EventKind) Event {
	ev := Event{
		Kind:    kind,
		State:   c.state,
		Session: c.session.Clone(),
		At:      c.opts.Now().UTC(),
	}
	if c.session != nil {
		ev.LocalID = c.session.LocalID
		ev.IncidentID = c.session.IncidentID
		ev.Display = displayLocked(c.state, c.session)
	}
	return ev
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:           c.state,
		Session:         c.session.Clone(),
		Polling:         c.state == StateActive && c.scheduler.Running(),
		PollFailures:    c.failures,
		RatingRequested: c.state == StateResolved && !c.rated,
		Rated:           c.rated,
	}
	snap.Display = displayLocked(c.state, c.session)
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

func displayLocked(state State, s *model.IncidentSession) Display {
	if state != StateActive && state != StateResolved {
		return ""
	}
	return DisplayFor(s)
}

// DefaultDescription is the description used when the caller gives none.
func DefaultDescription(now time.Time) string {
	return "SOS Alert triggered at " + now.Local().Format("15:04:05")
}

// LastError returns the error that put the controller into ERROR, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
