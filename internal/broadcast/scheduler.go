package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"campuscast/internal/models"
)

type schedulerTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) schedulerTicker

// SchedulerConfig tunes the background sweep.
type SchedulerConfig struct {
	Interval time.Duration
	Lease    PromotionLease
	LeaseTTL time.Duration
}

const (
	defaultSchedulerInterval = 30 * time.Second
	defaultLeaseTTL          = time.Minute
	reconcileConcurrency     = 4
)

// StartScheduler launches the background loop that promotes due scheduled
// sessions to live and reconciles live simulcast sessions against the
// platform's authoritative status. The returned function stops the loop and
// blocks until the in-flight sweep finishes.
func (o *Orchestrator) StartScheduler(ctx context.Context, cfg SchedulerConfig) func() {
	return o.startSchedulerWithTicker(ctx, cfg, func(d time.Duration) schedulerTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func (o *Orchestrator) startSchedulerWithTicker(ctx context.Context, cfg SchedulerConfig, newTicker tickerFactory) func() {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	lease := cfg.Lease
	if lease == nil {
		lease = NewLocalLease()
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				o.runSweep(workerCtx, lease, leaseTTL)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// runSweep executes one scheduler pass. Promotion and reconciliation work on
// independent sessions, so an error against one session never aborts the
// sweep.
func (o *Orchestrator) runSweep(ctx context.Context, lease PromotionLease, leaseTTL time.Duration) {
	o.promoteDue(ctx, lease, leaseTTL)
	o.reconcileLive(ctx)
	o.metrics.SchedulerPass()
}

func (o *Orchestrator) promoteDue(ctx context.Context, lease PromotionLease, leaseTTL time.Duration) {
	pending, err := o.store.ListSessions(ctx, models.StatusPending)
	if err != nil {
		o.logger.Error("scheduler failed to list pending sessions", "error", err)
		return
	}
	now := o.now().UTC()
	for _, session := range pending {
		if !session.AutoStartEligible() || session.ScheduledAt.After(now) {
			continue
		}
		acquired, err := lease.Acquire(ctx, session.ID, leaseTTL)
		if err != nil {
			o.logger.Error("promotion lease unavailable", "session_id", session.ID, "error", err)
			continue
		}
		if !acquired {
			// Another replica is promoting this session.
			continue
		}
		if _, err := o.startScheduled(ctx, session.ID); err != nil {
			// ErrInvalidTransition means someone beat us to a transition on
			// this session; anything else already moved it to error.
			if !errors.Is(err, ErrInvalidTransition) {
				o.logger.Warn("scheduled promotion failed", "session_id", session.ID, "error", err)
			}
			lease.Release(ctx, session.ID)
			continue
		}
		o.metrics.SessionPromoted()
		o.logger.Info("scheduled session promoted", "session_id", session.ID)
		lease.Release(ctx, session.ID)
	}
}

func (o *Orchestrator) reconcileLive(ctx context.Context) {
	if o.adapter == nil {
		return
	}
	live, err := o.store.ListSessions(ctx, models.StatusLive)
	if err != nil {
		o.logger.Error("scheduler failed to list live sessions", "error", err)
		return
	}
	// Status fetches are independent network calls; check a handful at a
	// time so one slow platform response does not stall the whole sweep.
	// Per-session locks keep the completions safe to run concurrently.
	var group errgroup.Group
	group.SetLimit(reconcileConcurrency)
	for _, session := range live {
		if session.Strategy != models.IngestSimulcast || session.Platform == nil || session.Platform.BroadcastID == "" {
			continue
		}
		session := session
		group.Go(func() error {
			o.reconcileSession(ctx, session)
			return nil
		})
	}
	group.Wait()
}

func (o *Orchestrator) reconcileSession(ctx context.Context, session models.Session) {
	statusCtx, cancel := context.WithTimeout(ctx, o.platformTimeout)
	status, err := o.adapter.FetchStatus(statusCtx, session.Platform.BroadcastID)
	cancel()
	if err != nil {
		// The platform stays authoritative; an unreachable platform never
		// flips a live session. Try again next sweep.
		o.metrics.ObserveReconciliation("unreachable")
		o.logger.Warn("reconciliation status fetch failed",
			"session_id", session.ID, "broadcast_id", session.Platform.BroadcastID, "error", err)
		return
	}
	if !status.Finished() {
		o.metrics.ObserveReconciliation("unchanged")
		return
	}
	if _, err := o.completeFromPlatform(ctx, session.ID); err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			o.logger.Warn("reconciliation end failed", "session_id", session.ID, "error", err)
		}
		return
	}
	o.metrics.ObserveReconciliation("completed")
	o.logger.Info("session ended by platform",
		"session_id", session.ID, "platform_status", string(status))
}
